// Package scheduler ramps virtual users up to the configured load shape and
// owns the task's stop semantics. Users are goroutines in a closed loop: one
// request cycle, then a cancellation check, no pacing in between.
package scheduler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is the scheduler's lifecycle position. failed never originates here;
// the runtime sets it when startup itself is impossible.
type State string

const (
	StateCreated  State = "created"
	StateRamping  State = "ramping"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Mode selects the load shape.
type Mode string

const (
	ModeFixed   Mode = "fixed"
	ModeStepped Mode = "stepped"
)

// Profile is the load shape, already validated by the descriptor layer.
type Profile struct {
	Mode Mode

	// Fixed mode.
	Users       int
	SpawnPerSec float64
	Duration    time.Duration

	// Stepped mode.
	StartUsers      int
	StepIncrement   int
	StepDuration    time.Duration
	SustainDuration time.Duration
	MaxUsers        int
}

// IterateFunc performs one complete user cycle: sample, shape, request,
// submit. It must honor ctx cancellation during I/O.
type IterateFunc func(ctx context.Context, userID int)

const defaultGrace = 30 * time.Second

// Scheduler admits users per the profile and drains them on stop.
type Scheduler struct {
	profile Profile
	grace   time.Duration
	iterate IterateFunc
	logger  *zap.Logger

	stateMu sync.Mutex
	state   State

	active  atomic.Int64
	spawned int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a scheduler. grace bounds the drain wait after stop; zero means
// the default.
func New(profile Profile, grace time.Duration, iterate IterateFunc, logger *zap.Logger) *Scheduler {
	if grace <= 0 {
		grace = defaultGrace
	}
	return &Scheduler{
		profile: profile,
		grace:   grace,
		iterate: iterate,
		logger:  logger,
		state:   StateCreated,
		stopCh:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
	s.logger.Info("scheduler state changed", zap.String("state", string(st)))
}

// ActiveUsers reports how many users are currently admitted and looping.
func (s *Scheduler) ActiveUsers() int {
	return int(s.active.Load())
}

// Stop requests shutdown. Idempotent; the first call wins.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Run ramps users, holds the load, and drains on stop or window expiry. It
// blocks until every user exited or the grace window lapsed, and returns the
// number of users still in flight past the window; the caller accounts those
// as canceled.
func (s *Scheduler) Run(ctx context.Context) int {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// External stop and parent cancellation share one path.
	go func() {
		select {
		case <-s.stopCh:
		case <-ctx.Done():
		}
		cancel()
	}()

	s.setState(StateRamping)

	var wg sync.WaitGroup
	switch s.profile.Mode {
	case ModeStepped:
		s.rampStepped(runCtx, &wg)
	default:
		s.rampFixed(runCtx, &wg)
	}

	s.setState(StateStopping)
	s.Stop()
	cancel()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	canceled := 0
	select {
	case <-drained:
	case <-time.After(s.grace):
		canceled = int(s.active.Load())
		s.logger.Warn("grace window lapsed with users in flight",
			zap.Int("remaining", canceled))
	}

	s.setState(StateStopped)
	return canceled
}

// rampFixed admits floor(spawn_per_s) users each second with fractional
// carry. The duration countdown starts the moment the first user is admitted.
func (s *Scheduler) rampFixed(ctx context.Context, wg *sync.WaitGroup) {
	target := s.profile.Users
	var carry float64
	var window <-chan time.Time

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if s.spawned < target {
			carry += s.profile.SpawnPerSec
			batch := int(math.Floor(carry))
			carry -= float64(batch)
			if remaining := target - s.spawned; batch > remaining {
				batch = remaining
			}

			if batch > 0 && window == nil {
				window = time.After(s.profile.Duration)
			}
			s.admit(ctx, wg, batch)

			if s.spawned >= target {
				s.setState(StateRunning)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-window:
			s.logger.Info("test window elapsed")
			return
		case <-ticker.C:
		}
	}
}

// rampStepped starts at start_users, adds step_increment every step until
// max_users, sustains, then stops.
func (s *Scheduler) rampStepped(ctx context.Context, wg *sync.WaitGroup) {
	s.admit(ctx, wg, s.profile.StartUsers)

	for s.spawned < s.profile.MaxUsers {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.profile.StepDuration):
		}

		batch := s.profile.StepIncrement
		if remaining := s.profile.MaxUsers - s.spawned; batch > remaining {
			batch = remaining
		}
		s.admit(ctx, wg, batch)
	}

	s.setState(StateRunning)
	select {
	case <-ctx.Done():
	case <-time.After(s.profile.SustainDuration):
		s.logger.Info("sustain window elapsed")
	}
}

func (s *Scheduler) admit(ctx context.Context, wg *sync.WaitGroup, n int) {
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		userID := s.spawned + 1
		s.spawned++
		s.active.Add(1)
		wg.Add(1)

		go func() {
			defer wg.Done()
			defer s.active.Add(-1)
			s.runUser(ctx, userID)
		}()
	}
}

// runUser is the virtual user loop: iterate until the signal arrives. The
// in-flight request is bounded by the requester's own timeout, so exit is
// never unbounded.
func (s *Scheduler) runUser(ctx context.Context, userID int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("virtual user panicked",
				zap.Int("user_id", userID),
				zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.iterate(ctx, userID)
	}
}
