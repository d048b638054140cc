package metrics

import "time"

// rateWindow counts events in one-second buckets over the last windowSeconds,
// backing the current_rps / current_fail_per_sec realtime figures.
type rateWindow struct {
	counts  []uint64
	seconds []int64
}

const windowSeconds = 60

func newRateWindow() *rateWindow {
	return &rateWindow{
		counts:  make([]uint64, windowSeconds),
		seconds: make([]int64, windowSeconds),
	}
}

// Add records one event at time t. Only the aggregator worker calls it, so no
// locking is needed.
func (w *rateWindow) Add(t time.Time) {
	sec := t.Unix()
	idx := sec % windowSeconds
	if w.seconds[idx] != sec {
		w.seconds[idx] = sec
		w.counts[idx] = 0
	}
	w.counts[idx]++
}

// PerSecond returns the number of events in the most recent complete second
// before now.
func (w *rateWindow) PerSecond(now time.Time) float64 {
	sec := now.Unix() - 1
	idx := sec % windowSeconds
	if w.seconds[idx] != sec {
		return 0
	}
	return float64(w.counts[idx])
}

// Total returns all events currently inside the window relative to now.
func (w *rateWindow) Total(now time.Time) uint64 {
	cutoff := now.Unix() - windowSeconds
	var total uint64
	for i := range w.counts {
		if w.seconds[i] > cutoff {
			total += w.counts[i]
		}
	}
	return total
}
