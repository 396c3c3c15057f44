// Package scheduler owns the recurring and event-triggered tuning jobs for
// live trading sessions.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/internal/config"
	"github.com/quantatlas/tuner-backend/internal/telemetry"
	"github.com/quantatlas/tuner-backend/internal/workers"
	"github.com/quantatlas/tuner-backend/pkg/types"
)

// Trigger tags recorded on tuning requests.
const (
	TriggerWarmup     = "warmup"
	TriggerPeriodic   = "periodic"
	TriggerAfterClose = "after-close"
)

// Dispatcher runs one tuning pass. Satisfied by tuning.Orchestrator.
type Dispatcher interface {
	Tune(ctx context.Context, req types.TuningRequest) types.TuningResult
}

// SettingsSource provides the live-settings snapshot a request is built
// from. Satisfied by store.Store.
type SettingsSource interface {
	GetOrCreateSettings(ctx context.Context, key types.SessionKey) (*types.StrategySettings, error)
}

// PositionTracker answers whether a session currently holds an open
// position. Must be fast and non-blocking.
type PositionTracker interface {
	InPosition(ctx context.Context, key types.SessionKey) bool
}

type job struct {
	key  types.SessionKey
	stop chan struct{}
}

// Scheduler maps live sessions to recurring tuning jobs and dispatches the
// passes onto a worker pool. Distinct sessions tune concurrently; the same
// session never overlaps itself, enforced by the running set rather than a
// lock around the pass.
type Scheduler struct {
	logger     *zap.Logger
	cfg        config.SchedulerConfig
	pool       *workers.Pool
	dispatcher Dispatcher
	settings   SettingsSource
	positions  PositionTracker
	metrics    *telemetry.Metrics

	mu   sync.Mutex
	jobs map[string]*job

	// running holds session keys with a pass in flight. LoadOrStore is the
	// add-to-set-proceed-only-if-new primitive overlap prevention needs.
	running sync.Map
}

// New creates a scheduler dispatching onto pool.
func New(logger *zap.Logger, cfg config.SchedulerConfig, pool *workers.Pool, dispatcher Dispatcher, settings SettingsSource, positions PositionTracker, metrics *telemetry.Metrics) *Scheduler {
	return &Scheduler{
		logger:     logger.Named("scheduler"),
		cfg:        cfg,
		pool:       pool,
		dispatcher: dispatcher,
		settings:   settings,
		positions:  positions,
		metrics:    metrics,
		jobs:       make(map[string]*job),
	}
}

// OnSessionStarted registers a recurring job for the session: one immediate
// warm-up pass, then a pass after the initial delay, then one per period.
// Registering an already-scheduled session is a no-op.
func (s *Scheduler) OnSessionStarted(key types.SessionKey) {
	if !key.Valid() {
		s.logger.Warn("ignoring invalid session key", zap.String("session", key.String()))
		return
	}

	s.mu.Lock()
	if _, exists := s.jobs[key.String()]; exists {
		s.mu.Unlock()
		return
	}
	j := &job{key: key, stop: make(chan struct{})}
	s.jobs[key.String()] = j
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ScheduledSessions.Inc()
	}
	s.logger.Info("session scheduled",
		zap.String("session", key.String()),
		zap.Duration("initial_delay", s.cfg.InitialDelay),
		zap.Duration("period", s.cfg.Period),
	)

	go s.runJob(j)
}

// OnSessionStopped cancels the session's future triggers. A pass already in
// flight completes and records its result; the next trigger for the key is
// rejected at dispatch.
func (s *Scheduler) OnSessionStopped(key types.SessionKey) {
	s.mu.Lock()
	j, exists := s.jobs[key.String()]
	if exists {
		delete(s.jobs, key.String())
	}
	s.mu.Unlock()
	if !exists {
		return
	}

	close(j.stop)
	if s.metrics != nil {
		s.metrics.ScheduledSessions.Dec()
	}
	s.logger.Info("session unscheduled", zap.String("session", key.String()))
}

// OnPositionClosed submits an immediate one-shot pass, independent of the
// recurring schedule. Unknown sessions are ignored.
func (s *Scheduler) OnPositionClosed(key types.SessionKey) {
	if !s.scheduled(key) {
		s.logger.Debug("position closed for unscheduled session", zap.String("session", key.String()))
		return
	}
	s.trigger(key, TriggerAfterClose)
}

// Scheduled lists the sessions currently holding a recurring job.
func (s *Scheduler) Scheduled() []types.SessionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SessionKey, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.key)
	}
	return out
}

// Stop cancels every job. The worker pool is owned by the caller and shut
// down separately.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[string]*job)
	s.mu.Unlock()

	for _, j := range jobs {
		close(j.stop)
		if s.metrics != nil {
			s.metrics.ScheduledSessions.Dec()
		}
	}
}

func (s *Scheduler) scheduled(key types.SessionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key.String()]
	return ok
}

func (s *Scheduler) runJob(j *job) {
	s.trigger(j.key, TriggerWarmup)

	initial := time.NewTimer(s.cfg.InitialDelay)
	defer initial.Stop()
	select {
	case <-j.stop:
		return
	case <-initial.C:
	}
	s.trigger(j.key, TriggerPeriodic)

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			s.trigger(j.key, TriggerPeriodic)
		}
	}
}

func (s *Scheduler) trigger(key types.SessionKey, reason string) {
	err := s.pool.SubmitFunc(func(ctx context.Context) error {
		s.safeTune(ctx, key, reason)
		return nil
	})
	if err != nil {
		s.logger.Warn("tuning trigger dropped",
			zap.String("session", key.String()),
			zap.String("trigger", reason),
			zap.Error(err),
		)
	}
}

// safeTune is the outermost boundary of one triggered pass: overlap check,
// stopped-session check, position check, then the pipeline. Whatever
// happens inside, the running key is released on the way out.
func (s *Scheduler) safeTune(ctx context.Context, key types.SessionKey, reason string) {
	if _, loaded := s.running.LoadOrStore(key.String(), struct{}{}); loaded {
		s.logger.Debug("tuning already in flight, skipping",
			zap.String("session", key.String()),
			zap.String("trigger", reason),
		)
		return
	}
	defer s.running.Delete(key.String())

	if !s.scheduled(key) {
		s.logger.Debug("session stopped before dispatch, skipping",
			zap.String("session", key.String()),
			zap.String("trigger", reason),
		)
		return
	}

	if s.positions != nil && s.positions.InPosition(ctx, key) {
		s.logger.Info("open position, skipping tuning",
			zap.String("session", key.String()),
			zap.String("trigger", reason),
		)
		return
	}

	settings, err := s.settings.GetOrCreateSettings(ctx, key)
	if err != nil {
		s.logger.Error("settings unavailable, skipping tuning",
			zap.String("session", key.String()),
			zap.String("trigger", reason),
			zap.Error(err),
		)
		return
	}

	res := s.dispatcher.Tune(ctx, types.TuningRequest{
		Session:      key,
		Symbol:       settings.Symbol,
		Timeframe:    settings.Timeframe,
		CandlesLimit: settings.CandlesLimit,
		Trigger:      reason,
	})
	s.logger.Info("tuning pass finished",
		zap.String("session", key.String()),
		zap.String("trigger", reason),
		zap.Bool("applied", res.Applied),
		zap.String("reason", res.Reason),
	)
}
