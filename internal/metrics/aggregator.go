package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MigoXLab/LMeterX/pkg/safego"
)

// RealtimePoint is one realtime sample, emitted at a fixed cadence while the
// task runs. Timestamps are wall-clock seconds and strictly increasing.
type RealtimePoint struct {
	TaskID            string  `json:"task_id"`
	TimestampS        int64   `json:"timestamp_s"`
	CurrentUsers      int     `json:"current_users"`
	CurrentRPS        float64 `json:"current_rps"`
	CurrentFailPerSec float64 `json:"current_fail_per_sec"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	P95ResponseTimeMs float64 `json:"p95_response_time_ms"`
}

// StageSummary is the terminal record for one stage.
type StageSummary struct {
	Stage            string  `json:"metric_type"`
	RequestCount     uint64  `json:"request_count"`
	FailureCount     uint64  `json:"failure_count"`
	AvgResponseTime  float64 `json:"avg_response_time"`
	MinResponseTime  float64 `json:"min_response_time"`
	MaxResponseTime  float64 `json:"max_response_time"`
	Percentile50     float64 `json:"percentile_50"`
	Percentile90     float64 `json:"percentile_90"`
	Percentile95     float64 `json:"percentile_95"`
	RPS              float64 `json:"rps"`
	AvgContentLength float64 `json:"avg_content_length"`
}

// TokenMetrics is the whole-task token throughput record.
type TokenMetrics struct {
	ReqsCount                uint64  `json:"reqs_count"`
	CompletionTokens         uint64  `json:"completion_tokens"`
	TotalTokens              uint64  `json:"total_tokens"`
	TotalTPS                 float64 `json:"total_tps"`
	CompletionTPS            float64 `json:"completion_tps"`
	AvgTotalTokensPerReq     float64 `json:"avg_total_tokens_per_req"`
	AvgCompletionTokensPerReq float64 `json:"avg_completion_tokens_per_req"`
	EstimatedCount           uint64  `json:"estimated_count"`
	ExecutionTimeS           float64 `json:"execution_time_s"`
}

// Summary is the terminal output of the aggregator.
type Summary struct {
	TaskID         string         `json:"task_id"`
	Stages         []StageSummary `json:"stages"`
	Tokens         TokenMetrics   `json:"token_metrics"`
	TotalRequests  uint64         `json:"total_requests"`
	TotalFailures  uint64         `json:"total_failures"`
	SuccessRatePct float64        `json:"success_rate_pct"`
}

// Config configures an Aggregator.
type Config struct {
	TaskID  string
	APIPath string
	// Tick is the realtime publishing cadence; defaults to 2s.
	Tick time.Duration
	// ReservoirCap bounds exact percentile storage per stage; past it the
	// P² estimator takes over. Defaults to 100000.
	ReservoirCap int
	// CurrentUsers reports the number of active users for realtime points.
	CurrentUsers func() int
	// Publish receives each realtime point; may be nil.
	Publish func(RealtimePoint)
}

const (
	defaultTick         = 2 * time.Second
	defaultReservoirCap = 100_000
	sampleQueueSize     = 4096
)

// Aggregator folds measurements from many producers into per-stage buckets.
// A single worker goroutine owns all mutable state; producers interact only
// through the submit channel and readers only through snapshots.
type Aggregator struct {
	cfg    Config
	logger *zap.Logger
	prom   *EngineMetrics

	samples   chan Measurement
	queries   chan chan Summary
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	// Published realtime points. Written by the worker, read by pollers.
	pointsMu sync.RWMutex
	points   []RealtimePoint

	final Summary

	// Worker-owned state.
	buckets       map[string]*bucket
	order         []string
	firstSampleAt time.Time
	lastSampleAt  time.Time
	tokens        TokenMetrics
	lastPointTs   int64
}

type bucket struct {
	count        uint64
	failures     uint64
	sum          float64
	min          float64
	max          float64
	reservoir    []float64
	reservoirCap int
	overflowed   bool
	p50, p90, p95 *p2Estimator
	requests     *rateWindow
	failuresWin  *rateWindow
	contentBytes float64
	contentCount uint64
}

// NewAggregator creates and starts an aggregator. prom may be nil.
func NewAggregator(cfg Config, logger *zap.Logger, prom *EngineMetrics) *Aggregator {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.ReservoirCap <= 0 {
		cfg.ReservoirCap = defaultReservoirCap
	}

	a := &Aggregator{
		cfg:      cfg,
		logger:   logger,
		prom:     prom,
		samples:  make(chan Measurement, sampleQueueSize),
		queries:  make(chan chan Summary),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		buckets:  make(map[string]*bucket),
	}

	safego.Go(logger, "aggregator-worker", a.run)
	return a
}

// Record submits one measurement. It reports false once the aggregator has
// been closed; late submissions from draining users are dropped, never
// double-counted.
func (a *Aggregator) Record(m Measurement) bool {
	if a.closed.Load() {
		return false
	}
	select {
	case a.samples <- m:
		return true
	case <-a.done:
		return false
	}
}

// RecordCanceled accounts for users still in-flight past the grace window.
// Each is folded as a canceled sample against the task's api path.
func (a *Aggregator) RecordCanceled(n int) {
	now := time.Now()
	for i := 0; i < n; i++ {
		a.Record(Measurement{
			Start:   now,
			End:     now,
			Outcome: OutcomeCanceled,
			APIPath: a.cfg.APIPath,
		})
	}
}

// Snapshot returns the current summary without stopping the task. After
// Close it returns the terminal summary.
func (a *Aggregator) Snapshot() Summary {
	select {
	case <-a.finished:
		return a.final
	default:
	}

	reply := make(chan Summary, 1)
	select {
	case a.queries <- reply:
		return <-reply
	case <-a.finished:
		return a.final
	}
}

// PointsSince returns realtime points with timestamps strictly greater than
// sinceTs, in increasing order.
func (a *Aggregator) PointsSince(sinceTs int64) []RealtimePoint {
	a.pointsMu.RLock()
	defer a.pointsMu.RUnlock()

	idx := sort.Search(len(a.points), func(i int) bool {
		return a.points[i].TimestampS > sinceTs
	})
	out := make([]RealtimePoint, len(a.points)-idx)
	copy(out, a.points[idx:])
	return out
}

// Close drains the queue, computes the terminal summary and stops the
// worker. It is idempotent; every call returns the same summary.
func (a *Aggregator) Close() Summary {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		close(a.done)
	})
	<-a.finished
	return a.final
}

func (a *Aggregator) run() {
	ticker := time.NewTicker(a.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case m := <-a.samples:
			a.fold(m)
		case now := <-ticker.C:
			a.publishPoint(now)
		case reply := <-a.queries:
			reply <- a.summarize()
		case <-a.done:
			a.drain()
			a.final = a.summarize()
			close(a.finished)
			return
		}
	}
}

// drain folds everything left in the queue before the terminal summary is
// computed, so no accepted sample is lost at shutdown.
func (a *Aggregator) drain() {
	for {
		select {
		case m := <-a.samples:
			a.fold(m)
		default:
			return
		}
	}
}

func (a *Aggregator) fold(m Measurement) {
	now := time.Now()
	if a.firstSampleAt.IsZero() {
		a.firstSampleAt = now
	}
	a.lastSampleAt = now

	for _, s := range m.stageSamples() {
		a.bucketFor(s.stage).observe(s, now)
	}

	if m.Outcome == OutcomeOK {
		a.tokens.ReqsCount++
		a.tokens.CompletionTokens += uint64(m.CompletionTokens)
		total := m.TotalTokens
		if total == 0 {
			total = m.PromptTokens + m.CompletionTokens
		}
		a.tokens.TotalTokens += uint64(total)
		if m.TokensEstimated {
			a.tokens.EstimatedCount++
		}
	}

	if a.prom != nil {
		a.prom.ObserveMeasurement(string(m.Outcome))
	}
}

func (a *Aggregator) bucketFor(stage string) *bucket {
	b, ok := a.buckets[stage]
	if !ok {
		b = &bucket{
			min:          -1,
			reservoirCap: a.cfg.ReservoirCap,
			p50:         newP2Estimator(0.50),
			p90:         newP2Estimator(0.90),
			p95:         newP2Estimator(0.95),
			requests:    newRateWindow(),
			failuresWin: newRateWindow(),
		}
		a.buckets[stage] = b
		a.order = append(a.order, stage)
	}
	return b
}

func (b *bucket) observe(s stageSample, now time.Time) {
	b.count++
	b.requests.Add(now)
	if s.failure {
		b.failures++
		b.failuresWin.Add(now)
	}

	b.sum += s.valueMs
	if b.min < 0 || s.valueMs < b.min {
		b.min = s.valueMs
	}
	if s.valueMs > b.max {
		b.max = s.valueMs
	}

	b.p50.Observe(s.valueMs)
	b.p90.Observe(s.valueMs)
	b.p95.Observe(s.valueMs)
	if !b.overflowed {
		b.reservoir = append(b.reservoir, s.valueMs)
		if len(b.reservoir) >= b.reservoirCap {
			b.overflowed = true
			b.reservoir = nil
		}
	}

	if s.contentBytes > 0 {
		b.contentBytes += float64(s.contentBytes)
		b.contentCount++
	}
}

func (b *bucket) percentile(q float64, est *p2Estimator) float64 {
	if b.overflowed || len(b.reservoir) == 0 {
		return est.Value()
	}
	sorted := make([]float64, len(b.reservoir))
	copy(sorted, b.reservoir)
	sort.Float64s(sorted)
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (a *Aggregator) publishPoint(now time.Time) {
	ts := now.Unix()
	if ts <= a.lastPointTs {
		return
	}
	a.lastPointTs = ts

	point := RealtimePoint{
		TaskID:     a.cfg.TaskID,
		TimestampS: ts,
	}
	if a.cfg.CurrentUsers != nil {
		point.CurrentUsers = a.cfg.CurrentUsers()
	}
	if b, ok := a.buckets[a.cfg.APIPath]; ok {
		point.CurrentRPS = b.requests.PerSecond(now)
		point.CurrentFailPerSec = b.failuresWin.PerSecond(now)
	}
	if b, ok := a.buckets[StageTotalTime]; ok && b.count > 0 {
		point.AvgResponseTimeMs = b.sum / float64(b.count)
		point.P95ResponseTimeMs = b.percentile(0.95, b.p95)
	}

	a.pointsMu.Lock()
	a.points = append(a.points, point)
	a.pointsMu.Unlock()

	if a.cfg.Publish != nil {
		a.cfg.Publish(point)
	}
}

func (a *Aggregator) summarize() Summary {
	wallSeconds := a.lastSampleAt.Sub(a.firstSampleAt).Seconds()
	if wallSeconds <= 0 {
		wallSeconds = 0.001
	}

	summary := Summary{TaskID: a.cfg.TaskID}
	for _, stage := range a.order {
		b := a.buckets[stage]
		min := b.min
		if min < 0 {
			min = 0
		}
		var avg, avgContent float64
		if b.count > 0 {
			avg = b.sum / float64(b.count)
		}
		if b.contentCount > 0 {
			avgContent = b.contentBytes / float64(b.contentCount)
		}
		summary.Stages = append(summary.Stages, StageSummary{
			Stage:            stage,
			RequestCount:     b.count,
			FailureCount:     b.failures,
			AvgResponseTime:  avg,
			MinResponseTime:  min,
			MaxResponseTime:  b.max,
			Percentile50:     b.percentile(0.50, b.p50),
			Percentile90:     b.percentile(0.90, b.p90),
			Percentile95:     b.percentile(0.95, b.p95),
			RPS:              float64(b.count) / wallSeconds,
			AvgContentLength: avgContent,
		})
	}

	tokens := a.tokens
	tokens.ExecutionTimeS = wallSeconds
	tokens.TotalTPS = float64(tokens.TotalTokens) / wallSeconds
	tokens.CompletionTPS = float64(tokens.CompletionTokens) / wallSeconds
	if tokens.ReqsCount > 0 {
		tokens.AvgTotalTokensPerReq = float64(tokens.TotalTokens) / float64(tokens.ReqsCount)
		tokens.AvgCompletionTokensPerReq = float64(tokens.CompletionTokens) / float64(tokens.ReqsCount)
	}
	summary.Tokens = tokens

	// Whole-task success rate: path-scoped request count as denominator,
	// failure count as numerator.
	if b, ok := a.buckets[a.cfg.APIPath]; ok && b.count > 0 {
		summary.TotalRequests = b.count
		summary.TotalFailures = b.failures
		summary.SuccessRatePct = 100 * float64(b.count-b.failures) / float64(b.count)
	} else {
		summary.SuccessRatePct = 100
	}

	return summary
}
