package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPath = "/v1/chat/completions"

func newTestAggregator(t *testing.T, cfg Config) *Aggregator {
	t.Helper()
	if cfg.TaskID == "" {
		cfg.TaskID = "task-test"
	}
	if cfg.APIPath == "" {
		cfg.APIPath = testPath
	}
	return NewAggregator(cfg, zap.NewNop(), nil)
}

func okMeasurement(totalMs, ttfotMs int) Measurement {
	start := time.Now().Add(-time.Duration(totalMs) * time.Millisecond)
	firstOut := start.Add(time.Duration(ttfotMs) * time.Millisecond)
	end := start.Add(time.Duration(totalMs) * time.Millisecond)
	return Measurement{
		Start:              start,
		FirstOutput:        firstOut,
		Completion:         end,
		End:                end,
		HTTPStatus:         200,
		Outcome:            OutcomeOK,
		APIPath:            testPath,
		CompletionTokens:   20,
		TotalTokens:        30,
		ContentLengthBytes: 128,
	}
}

func TestAggregatorStageDecomposition(t *testing.T) {
	a := newTestAggregator(t, Config{})

	require.True(t, a.Record(okMeasurement(100, 40)))
	require.True(t, a.Record(okMeasurement(200, 80)))

	failed := okMeasurement(50, 10)
	failed.Outcome = OutcomeHTTPError
	failed.HTTPStatus = 500
	require.True(t, a.Record(failed))

	summary := a.Close()

	stages := map[string]StageSummary{}
	for _, s := range summary.Stages {
		stages[s.Stage] = s
	}

	require.Equal(t, uint64(2), stages[StageTotalTime].RequestCount,
		"only ok requests contribute latency stages")
	require.Equal(t, uint64(2), stages[StageFirstOutputToken].RequestCount)
	require.Equal(t, uint64(2), stages[StageOutputCompletion].RequestCount)
	require.Equal(t, uint64(3), stages[testPath].RequestCount,
		"path stage counts every fulfilled request")
	require.Equal(t, uint64(1), stages[testPath].FailureCount)
	require.Equal(t, uint64(1), stages[StageFailure].RequestCount)

	// Σ path count ≥ Total_time count.
	require.GreaterOrEqual(t, stages[testPath].RequestCount, stages[StageTotalTime].RequestCount)

	require.Equal(t, uint64(3), summary.TotalRequests)
	require.Equal(t, uint64(1), summary.TotalFailures)
	require.InDelta(t, 100*2.0/3.0, summary.SuccessRatePct, 0.01)
}

func TestAggregatorLatencyStats(t *testing.T) {
	a := newTestAggregator(t, Config{})

	for _, ms := range []int{100, 200, 300, 400} {
		require.True(t, a.Record(okMeasurement(ms, ms/2)))
	}
	summary := a.Close()

	var total StageSummary
	for _, s := range summary.Stages {
		if s.Stage == StageTotalTime {
			total = s
		}
	}

	require.InDelta(t, 250, total.AvgResponseTime, 5)
	require.InDelta(t, 100, total.MinResponseTime, 5)
	require.InDelta(t, 400, total.MaxResponseTime, 5)
	require.GreaterOrEqual(t, total.Percentile95, total.Percentile50)
}

func TestAggregatorTokenMetrics(t *testing.T) {
	a := newTestAggregator(t, Config{})

	for i := 0; i < 4; i++ {
		m := okMeasurement(100, 50)
		if i == 3 {
			m.TokensEstimated = true
		}
		require.True(t, a.Record(m))
	}
	summary := a.Close()

	require.Equal(t, uint64(4), summary.Tokens.ReqsCount)
	require.Equal(t, uint64(80), summary.Tokens.CompletionTokens)
	require.Equal(t, uint64(120), summary.Tokens.TotalTokens)
	require.Equal(t, uint64(1), summary.Tokens.EstimatedCount)
	require.InDelta(t, 30, summary.Tokens.AvgTotalTokensPerReq, 0.001)
	require.Greater(t, summary.Tokens.TotalTPS, 0.0)
}

func TestAggregatorCloseIdempotent(t *testing.T) {
	a := newTestAggregator(t, Config{})
	require.True(t, a.Record(okMeasurement(100, 50)))

	first := a.Close()
	second := a.Close()
	require.Equal(t, first, second)

	// Samples after close are dropped, not double-counted.
	require.False(t, a.Record(okMeasurement(100, 50)))
	require.Equal(t, first, a.Close())
}

func TestAggregatorConcurrentProducers(t *testing.T) {
	a := newTestAggregator(t, Config{})

	const producers, perProducer = 20, 50
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				a.Record(okMeasurement(10+j, 5))
			}
		}()
	}
	wg.Wait()

	summary := a.Close()
	for _, s := range summary.Stages {
		if s.Stage == testPath {
			require.Equal(t, uint64(producers*perProducer), s.RequestCount)
		}
	}
}

func TestAggregatorRealtimePointsMonotonic(t *testing.T) {
	var published []RealtimePoint
	var mu sync.Mutex

	a := newTestAggregator(t, Config{
		Tick:         50 * time.Millisecond,
		CurrentUsers: func() int { return 3 },
		Publish: func(p RealtimePoint) {
			mu.Lock()
			published = append(published, p)
			mu.Unlock()
		},
	})

	for i := 0; i < 10; i++ {
		a.Record(okMeasurement(20, 10))
		time.Sleep(25 * time.Millisecond)
	}
	time.Sleep(1200 * time.Millisecond)
	a.Close()

	points := a.PointsSince(0)
	require.NotEmpty(t, points)
	for i := 1; i < len(points); i++ {
		require.Greater(t, points[i].TimestampS, points[i-1].TimestampS,
			"realtime timestamps must be strictly increasing")
	}
	for _, p := range points {
		require.Equal(t, 3, p.CurrentUsers)
	}

	// Incremental polling only returns newer points.
	mid := points[len(points)/2].TimestampS
	later := a.PointsSince(mid)
	for _, p := range later {
		require.Greater(t, p.TimestampS, mid)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, len(points), len(published))
}

func TestAggregatorReservoirOverflowFallsBackToP2(t *testing.T) {
	a := newTestAggregator(t, Config{ReservoirCap: 100})

	for i := 0; i < 1000; i++ {
		a.Record(okMeasurement(i%500+1, 1))
	}
	summary := a.Close()

	for _, s := range summary.Stages {
		if s.Stage == StageTotalTime {
			require.Greater(t, s.Percentile95, s.Percentile50)
			require.LessOrEqual(t, s.Percentile95, s.MaxResponseTime+1)
		}
	}
}

func TestAggregatorDrainPolicyCountsCanceled(t *testing.T) {
	a := newTestAggregator(t, Config{})

	a.Record(okMeasurement(100, 50))
	a.RecordCanceled(2)
	summary := a.Close()

	require.Equal(t, uint64(3), summary.TotalRequests)
	require.Equal(t, uint64(2), summary.TotalFailures)
}

func TestAggregatorReasoningStages(t *testing.T) {
	a := newTestAggregator(t, Config{})

	start := time.Now().Add(-time.Second)
	m := Measurement{
		Start:          start,
		FirstReasoning: start.Add(100 * time.Millisecond),
		ReasoningEnd:   start.Add(400 * time.Millisecond),
		FirstOutput:    start.Add(400 * time.Millisecond),
		Completion:     start.Add(900 * time.Millisecond),
		End:            start.Add(time.Second),
		HTTPStatus:     200,
		Outcome:        OutcomeOK,
		APIPath:        testPath,
	}
	require.True(t, a.Record(m))
	summary := a.Close()

	stages := map[string]StageSummary{}
	for _, s := range summary.Stages {
		stages[s.Stage] = s
	}

	require.InDelta(t, 100, stages[StageFirstReasoningToken].AvgResponseTime, 2)
	require.InDelta(t, 300, stages[StageReasoningCompletion].AvgResponseTime, 2)
	require.InDelta(t, 400, stages[StageFirstOutputToken].AvgResponseTime, 2)
	require.InDelta(t, 500, stages[StageOutputCompletion].AvgResponseTime, 2)
}
