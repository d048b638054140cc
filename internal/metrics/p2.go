package metrics

// p2Estimator is the Jain/Chlamtac P² streaming percentile estimator: five
// markers tracking the minimum, three intermediate quantile positions and the
// maximum, adjusted with piecewise-parabolic interpolation. It is the
// fallback once a stage's reservoir cap is exceeded and exact percentiles
// become too expensive to keep.
type p2Estimator struct {
	q        float64 // target quantile in (0, 1)
	n        int     // observations seen
	heights  [5]float64
	pos      [5]float64 // actual marker positions (1-based)
	desired  [5]float64
	dnDeltas [5]float64
}

func newP2Estimator(quantile float64) *p2Estimator {
	e := &p2Estimator{q: quantile}
	e.dnDeltas = [5]float64{0, quantile / 2, quantile, (1 + quantile) / 2, 1}
	return e
}

// Observe feeds one value.
func (e *p2Estimator) Observe(v float64) {
	if e.n < 5 {
		// Insertion sort into the initial marker heights.
		i := e.n
		for i > 0 && e.heights[i-1] > v {
			e.heights[i] = e.heights[i-1]
			i--
		}
		e.heights[i] = v
		e.n++
		if e.n == 5 {
			for j := 0; j < 5; j++ {
				e.pos[j] = float64(j + 1)
				e.desired[j] = 1 + 4*e.dnDeltas[j]
			}
		}
		return
	}

	// Find the cell containing v and stretch the extreme markers.
	var k int
	switch {
	case v < e.heights[0]:
		e.heights[0] = v
		k = 0
	case v >= e.heights[4]:
		e.heights[4] = v
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if v < e.heights[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		e.pos[i]++
	}
	for i := 0; i < 5; i++ {
		e.desired[i] += e.dnDeltas[i]
	}

	// Adjust the three interior markers.
	for i := 1; i <= 3; i++ {
		d := e.desired[i] - e.pos[i]
		if (d >= 1 && e.pos[i+1]-e.pos[i] > 1) || (d <= -1 && e.pos[i-1]-e.pos[i] < -1) {
			sign := 1.0
			if d < 0 {
				sign = -1.0
			}
			h := e.parabolic(i, sign)
			if e.heights[i-1] < h && h < e.heights[i+1] {
				e.heights[i] = h
			} else {
				e.heights[i] = e.linear(i, sign)
			}
			e.pos[i] += sign
		}
	}

	e.n++
}

func (e *p2Estimator) parabolic(i int, d float64) float64 {
	return e.heights[i] + d/(e.pos[i+1]-e.pos[i-1])*
		((e.pos[i]-e.pos[i-1]+d)*(e.heights[i+1]-e.heights[i])/(e.pos[i+1]-e.pos[i])+
			(e.pos[i+1]-e.pos[i]-d)*(e.heights[i]-e.heights[i-1])/(e.pos[i]-e.pos[i-1]))
}

func (e *p2Estimator) linear(i int, d float64) float64 {
	di := int(d)
	return e.heights[i] + d*(e.heights[i+di]-e.heights[i])/(e.pos[i+di]-e.pos[i])
}

// Value returns the current estimate. With fewer than five observations it
// falls back to the exact small-sample quantile.
func (e *p2Estimator) Value() float64 {
	if e.n == 0 {
		return 0
	}
	if e.n < 5 {
		idx := int(e.q * float64(e.n))
		if idx >= e.n {
			idx = e.n - 1
		}
		return e.heights[idx]
	}
	return e.heights[2]
}
