// Package scheduler drives sync cycles at a fixed interval with at most one
// cycle in flight.
package scheduler

import (
	"context"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/schaermu/autosyncd/internal/metrics"
	"github.com/schaermu/autosyncd/internal/store"
	"github.com/schaermu/autosyncd/internal/sync"
)

// Runner executes one cycle against a state and returns its successor
type Runner interface {
	RunCycle(ctx context.Context, id string, state store.SyncState) (store.SyncState, sync.CycleResult)
}

// StateStore persists the sync state between cycles
type StateStore interface {
	SaveState(state store.SyncState) error
}

// Status is a point-in-time view of the scheduler for health reporting
type Status struct {
	State        store.SyncState
	Last         *sync.CycleResult
	LastAt       time.Time
	Running      bool
	SkippedTicks uint64
}

// Scheduler owns the sync state and is the only caller of the runner
type Scheduler struct {
	runner   Runner
	store    StateStore
	metrics  *metrics.Metrics
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	sem     *semaphore.Weighted
	trigger chan struct{}
	wg      gosync.WaitGroup
	skipped atomic.Uint64
	// inFlight drops to zero only after the semaphore is released
	inFlight atomic.Int32

	mu     gosync.Mutex // guards state, last and lastAt
	state  store.SyncState
	last   *sync.CycleResult
	lastAt time.Time
}

// New creates a scheduler starting from state. m may be nil.
func New(runner Runner, st StateStore, m *metrics.Metrics, state store.SyncState, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		store:    st,
		metrics:  m,
		interval: interval,
		clock:    clock,
		logger:   logger.With("component", "scheduler"),
		sem:      semaphore.NewWeighted(1),
		trigger:  make(chan struct{}, 1),
		state:    state,
	}
}

// Run starts a cycle immediately and then one per interval until ctx is
// canceled. Ticks arriving while a cycle runs are skipped. On cancellation
// Run waits for the in-flight cycle before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval, "branch", s.State().Branch)
	s.tick(ctx, "start")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for in-flight cycle")
			s.wg.Wait()
			return nil
		case <-ticker.Chan():
			s.tick(ctx, "interval")
		case <-s.trigger:
			s.tick(ctx, "trigger")
		}
	}
}

// Trigger requests an immediate cycle. It never blocks; a request made
// while a cycle is running is skipped like a busy tick.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// RunOnce runs a single cycle synchronously. It fails if a cycle is running.
func (s *Scheduler) RunOnce(ctx context.Context) (sync.CycleResult, error) {
	if !s.acquire() {
		return sync.CycleResult{}, errors.New("a cycle is already running")
	}
	defer s.release()
	return s.runCycle(ctx), nil
}

// State returns the current sync state
func (s *Scheduler) State() store.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for health reporting
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:        s.state,
		LastAt:       s.lastAt,
		Running:      s.inFlight.Load() > 0,
		SkippedTicks: s.skipped.Load(),
	}
	if s.last != nil {
		last := *s.last
		st.Last = &last
	}
	return st
}

func (s *Scheduler) acquire() bool {
	if !s.sem.TryAcquire(1) {
		return false
	}
	s.inFlight.Add(1)
	return true
}

func (s *Scheduler) release() {
	s.sem.Release(1)
	s.inFlight.Add(-1)
}

func (s *Scheduler) tick(ctx context.Context, reason string) {
	if !s.acquire() {
		s.skipped.Add(1)
		if s.metrics != nil {
			s.metrics.TickSkipped()
		}
		s.logger.Info("cycle still running, skipping tick", "reason", reason)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		// Shutdown must not interrupt a cycle midway through mutating the tree.
		s.runCycle(context.WithoutCancel(ctx))
	}()
}

func (s *Scheduler) runCycle(ctx context.Context) (res sync.CycleResult) {
	id := uuid.NewString()
	state := s.State()
	next := state
	start := s.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			next = state
			res = sync.CycleResult{
				ID:       id,
				Outcome:  sync.OutcomeAborted,
				Err:      errors.Newf("cycle panicked: %v", r),
				Duration: s.clock.Since(start),
			}
		}
		s.finish(state, next, res)
	}()

	next, res = s.runner.RunCycle(ctx, id, state)
	return res
}

func (s *Scheduler) finish(prev, next store.SyncState, res sync.CycleResult) {
	if next != prev && s.store != nil {
		if err := s.store.SaveState(next); err != nil {
			s.logger.Error("failed to persist sync state", "cycle_id", res.ID, "error", err)
		}
	}

	s.mu.Lock()
	s.state = next
	s.last = &res
	s.lastAt = s.clock.Now()
	s.mu.Unlock()

	kind := sync.Classify(res.Err)
	if s.metrics != nil {
		m := metrics.Cycle{
			Outcome:  string(res.Outcome),
			Duration: res.Duration,
			Evicted:  res.Evicted,
			At:       s.clock.Now(),
		}
		if res.Outcome.Failed() {
			m.Kind = kind.String()
		}
		s.metrics.ObserveCycle(m)
	}

	s.log(res, kind, next)
}

func (s *Scheduler) log(res sync.CycleResult, kind sync.Kind, state store.SyncState) {
	attrs := []any{
		"cycle_id", res.ID,
		"outcome", res.Outcome,
		"head", res.Head,
		"last_synced", state.LastSynced,
		"duration", res.Duration,
	}

	switch {
	case res.Outcome == sync.OutcomeNoChange:
		s.logger.Debug("cycle finished", attrs...)
	case !res.Outcome.Failed():
		s.logger.Info("cycle finished", attrs...)
	case kind == sync.KindNetwork, kind == sync.KindRetention:
		s.logger.Warn("cycle failed", append(attrs, "kind", kind, "error", res.Err, "rolled_back", res.RolledBack)...)
	default:
		s.logger.Error("cycle failed", append(attrs, "kind", kind, "error", res.Err, "rolled_back", res.RolledBack)...)
	}
}
