package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MigoXLab/LMeterX/internal/dataset"
	"github.com/MigoXLab/LMeterX/internal/logger"
	"github.com/MigoXLab/LMeterX/internal/metrics"
	"github.com/MigoXLab/LMeterX/internal/payload"
	"github.com/MigoXLab/LMeterX/internal/requester"
	"github.com/MigoXLab/LMeterX/internal/scheduler"
	"github.com/MigoXLab/LMeterX/pkg/errors"
	"github.com/MigoXLab/LMeterX/pkg/safego"
)

// Status is the task's externally visible lifecycle state. It extends the
// scheduler states with the two terminal conditions the scheduler cannot
// know about.
type Status string

const (
	StatusCreated      Status = "created"
	StatusRamping      Status = "ramping"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
	StatusSinkDegraded Status = "stopped-with-sink-degraded"
)

// Sink receives the task's telemetry. Implementations are black boxes; the
// runtime only knows the retry policy.
type Sink interface {
	PublishPoint(ctx context.Context, p metrics.RealtimePoint) error
	WriteSummary(ctx context.Context, s metrics.Summary) error
}

const sinkRetryAttempts = 3

// publishQueueSize bounds the per-task realtime publish queue. Points beyond
// a stalled sink's backlog are dropped, never reordered.
const publishQueueSize = 64

// Settings tunes engine-wide task behavior. Zero values take the defaults.
type Settings struct {
	// RealtimeTick is the realtime publishing cadence.
	RealtimeTick time.Duration
	// ReservoirCap bounds exact percentile storage per latency stage.
	ReservoirCap int
	// MaxTasks caps concurrently running tasks; 0 means unlimited.
	MaxTasks int
}

// Task is the handle returned by Start.
type Task struct {
	Descriptor Descriptor

	logger *zap.Logger
	sink   Sink
	prom   *metrics.EngineMetrics

	sched *scheduler.Scheduler
	agg   *metrics.Aggregator
	req   *requester.Requester

	sampler    *dataset.Sampler
	useDataset bool

	statusMu sync.Mutex
	override Status
	failure  error

	// Realtime points are published by a single goroutine so sink delivery
	// preserves the aggregator's emission order.
	pubCh   chan metrics.RealtimePoint
	pubDone chan struct{}

	done    chan struct{}
	summary metrics.Summary
}

// Runtime starts and tracks tasks. It is the single programmatic entry the
// outer surfaces wrap.
type Runtime struct {
	logger   *zap.Logger
	sink     Sink
	prom     *metrics.EngineMetrics
	settings Settings

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewRuntime builds a runtime. sink and prom may be nil.
func NewRuntime(log *zap.Logger, sink Sink, prom *metrics.EngineMetrics, settings Settings) *Runtime {
	return &Runtime{
		logger:   log,
		sink:     sink,
		prom:     prom,
		settings: settings,
		tasks:    make(map[string]*Task),
	}
}

// Start validates the descriptor and launches the task. Descriptor and
// dataset problems surface synchronously and create no task; transport and
// warm-up failures return a handle already in the failed state.
func (r *Runtime) Start(ctx context.Context, d Descriptor) (*Task, error) {
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}

	taskLog := logger.ForTask(r.logger, d.TaskID)

	sampler, err := dataset.New(dataset.Kind(d.Dataset), d.DatasetSource)
	if err != nil {
		return nil, err
	}

	fm := requester.ResolveFieldMap(d.FieldMap, d.payloadKind(), d.StreamMode)
	shaper, err := payload.NewShaper(d.payloadKind(), d.RequestTemplate, d.ModelName, d.StreamMode,
		payload.InjectPaths{Prompt: fm.Prompt, Image: fm.Image})
	if err != nil {
		return nil, err
	}

	t := &Task{
		Descriptor: d,
		logger:     taskLog,
		sink:       r.sink,
		prom:       r.prom,
		sampler:    sampler,
		useDataset: d.Dataset != string(dataset.KindNone),
		done:       make(chan struct{}),
	}
	if err := r.register(t); err != nil {
		return nil, err
	}

	client, err := buildHTTPClient(&d)
	if err != nil {
		t.failStartup(err)
		return t, nil
	}

	t.req = requester.New(client, requester.Config{
		BaseURL:  d.TargetBaseURL,
		APIPath:  d.APIPath,
		Method:   d.HTTPMethod,
		Headers:  d.Headers,
		Cookies:  d.Cookies,
		Stream:   d.StreamMode,
		Timeout:  d.readTimeout(),
		FieldMap: fm,
	}, shaper, taskLog)

	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(d.Timeouts.ConnectS)*time.Second)
	err = t.req.Probe(probeCtx)
	cancel()
	if err != nil {
		t.failStartup(errors.NewTransportInitError("warm-up probe", err))
		return t, nil
	}

	t.sched = scheduler.New(schedulerProfile(d.LoadProfile), d.grace(), t.iterate, taskLog)
	t.agg = metrics.NewAggregator(metrics.Config{
		TaskID:       d.TaskID,
		APIPath:      d.APIPath,
		Tick:         r.settings.RealtimeTick,
		ReservoirCap: r.settings.ReservoirCap,
		CurrentUsers: t.sched.ActiveUsers,
		Publish:      t.publishPoint,
	}, taskLog, r.prom)

	if t.sink != nil {
		t.pubCh = make(chan metrics.RealtimePoint, publishQueueSize)
		t.pubDone = make(chan struct{})
		safego.Go(taskLog, "publish-"+d.TaskID, t.publishLoop)
	}

	if r.prom != nil {
		r.prom.TasksRunning.Inc()
	}
	safego.Go(taskLog, "task-"+d.TaskID, func() { t.run(ctx) })

	taskLog.Info("task started",
		zap.String("api_kind", d.APIKind),
		zap.String("target", d.TargetBaseURL+d.APIPath),
		zap.Bool("stream", d.StreamMode))
	return t, nil
}

// Get returns a task handle by id.
func (r *Runtime) Get(taskID string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, errors.NewNotFoundError("no task with id " + taskID)
	}
	return t, nil
}

// Stop raises the stop signal on a task.
func (r *Runtime) Stop(taskID string) error {
	t, err := r.Get(taskID)
	if err != nil {
		return err
	}
	t.Stop()
	return nil
}

// List returns all known task handles.
func (r *Runtime) List() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// register admits a task under the concurrency cap. Terminal tasks stay in
// the map for result queries but release their slot.
func (r *Runtime) register(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settings.MaxTasks > 0 {
		active := 0
		for _, existing := range r.tasks {
			switch existing.Status() {
			case StatusStopped, StatusFailed, StatusSinkDegraded:
			default:
				active++
			}
		}
		if active >= r.settings.MaxTasks {
			return errors.NewCapacityError(
				fmt.Sprintf("task limit reached (%d running, max %d)", active, r.settings.MaxTasks))
		}
	}
	r.tasks[t.Descriptor.TaskID] = t
	return nil
}

func schedulerProfile(lp LoadProfile) scheduler.Profile {
	mode := scheduler.ModeFixed
	if lp.Mode == "stepped" {
		mode = scheduler.ModeStepped
	}
	return scheduler.Profile{
		Mode:            mode,
		Users:           lp.Users,
		SpawnPerSec:     lp.SpawnPerSec,
		Duration:        time.Duration(lp.DurationS) * time.Second,
		StartUsers:      lp.StartUsers,
		StepIncrement:   lp.StepIncrement,
		StepDuration:    time.Duration(lp.StepDurationS) * time.Second,
		SustainDuration: time.Duration(lp.SustainDurationS) * time.Second,
		MaxUsers:        lp.MaxUsers,
	}
}

// iterate is one virtual user cycle.
func (t *Task) iterate(ctx context.Context, userID int) {
	var rec *dataset.Record
	if t.useDataset {
		r := t.sampler.Next()
		rec = &r
	}
	m := t.req.Do(ctx, rec, userID)
	t.agg.Record(m)
}

// run drives the task to its terminal state.
func (t *Task) run(ctx context.Context) {
	canceled := t.sched.Run(ctx)
	if canceled > 0 {
		t.agg.RecordCanceled(canceled)
	}

	t.summary = t.agg.Close()

	// Drain the realtime queue so every point lands before the summary.
	if t.pubCh != nil {
		close(t.pubCh)
		<-t.pubDone
	}

	if t.sink != nil {
		if err := withRetry(ctx, sinkRetryAttempts, func() error {
			return t.sink.WriteSummary(ctx, t.summary)
		}); err != nil {
			t.logger.Error("terminal summary write failed after retries", zap.Error(err))
			t.setOverride(StatusSinkDegraded, errors.NewSinkDegradedError("terminal summary write", err))
		}
	}

	if t.prom != nil {
		t.prom.TasksRunning.Dec()
	}
	t.logger.Info("task finished",
		zap.String("status", string(t.Status())),
		zap.Uint64("total_requests", t.summary.TotalRequests),
		zap.Uint64("total_failures", t.summary.TotalFailures))
	close(t.done)
}

// publishPoint hands one realtime point to the publisher queue off the
// aggregator worker. Realtime telemetry is best effort; a full queue drops
// the point rather than stall the fold.
func (t *Task) publishPoint(p metrics.RealtimePoint) {
	if t.prom != nil {
		t.prom.UsersActive.Set(float64(p.CurrentUsers))
	}
	if t.pubCh == nil {
		return
	}
	select {
	case t.pubCh <- p:
	default:
		t.logger.Warn("realtime publish queue full, point dropped",
			zap.Int64("timestamp_s", p.TimestampS))
	}
}

// publishLoop delivers queued points to the sink one at a time, preserving
// emission order across retries.
func (t *Task) publishLoop() {
	defer close(t.pubDone)
	for p := range t.pubCh {
		if err := withRetry(context.Background(), sinkRetryAttempts, func() error {
			return t.sink.PublishPoint(context.Background(), p)
		}); err != nil {
			t.logger.Warn("realtime point dropped", zap.Error(err))
		}
	}
}

// Stop raises the cancellation signal. Idempotent.
func (t *Task) Stop() {
	if t.sched != nil {
		t.sched.Stop()
	}
}

// Await blocks until the terminal state and returns the summary.
func (t *Task) Await() metrics.Summary {
	<-t.done
	return t.summary
}

// Done exposes terminal-state completion for select loops.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Status reports the current lifecycle state.
func (t *Task) Status() Status {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	if t.override != "" {
		return t.override
	}
	if t.sched == nil {
		return StatusCreated
	}
	return Status(t.sched.State())
}

// Failure returns the startup or sink diagnostic, nil when healthy.
func (t *Task) Failure() error {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	return t.failure
}

// Snapshot returns current statistics without stopping the task.
func (t *Task) Snapshot() metrics.Summary {
	if t.agg == nil {
		return metrics.Summary{TaskID: t.Descriptor.TaskID}
	}
	return t.agg.Snapshot()
}

// PointsSince returns realtime points newer than sinceTs for incremental
// polling.
func (t *Task) PointsSince(sinceTs int64) []metrics.RealtimePoint {
	if t.agg == nil {
		return nil
	}
	return t.agg.PointsSince(sinceTs)
}

func (t *Task) failStartup(err error) {
	t.logger.Error("task failed to start", zap.Error(err))
	t.setOverride(StatusFailed, err)
	close(t.done)
}

func (t *Task) setOverride(s Status, err error) {
	t.statusMu.Lock()
	t.override = s
	t.failure = err
	t.statusMu.Unlock()
}

// withRetry runs fn with bounded exponential backoff.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	backoff := 500 * time.Millisecond
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
