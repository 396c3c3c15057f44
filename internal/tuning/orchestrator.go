package tuning

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/internal/telemetry"
	"github.com/quantatlas/tuner-backend/pkg/types"
)

// Orchestrator routes tuning requests to the tuner registered for the
// request's strategy type. The registry is fixed at construction; there is
// no runtime registration, so routing needs no lock.
type Orchestrator struct {
	logger  *zap.Logger
	metrics *telemetry.Metrics
	tuners  map[types.StrategyType]*Tuner
	now     func() time.Time
}

// NewOrchestrator builds the registry from the given tuners. Two tuners for
// the same strategy type is a wiring bug and fails construction.
func NewOrchestrator(logger *zap.Logger, metrics *telemetry.Metrics, tuners ...*Tuner) (*Orchestrator, error) {
	reg := make(map[types.StrategyType]*Tuner, len(tuners))
	for _, t := range tuners {
		st := t.StrategyType()
		if _, dup := reg[st]; dup {
			return nil, fmt.Errorf("duplicate tuner for strategy %s", st)
		}
		t.metrics = metrics
		reg[st] = t
	}
	return &Orchestrator{
		logger:  logger.Named("orchestrator"),
		metrics: metrics,
		tuners:  reg,
		now:     time.Now,
	}, nil
}

// Strategies lists the registered strategy types.
func (o *Orchestrator) Strategies() []types.StrategyType {
	out := make([]types.StrategyType, 0, len(o.tuners))
	for st := range o.tuners {
		out = append(out, st)
	}
	return out
}

// Tune dispatches one pass. It never panics: an unknown strategy, a tuner
// failure, or a tuner panic all come back as a rejected result, so callers
// (scheduler workers, HTTP handlers) need no recovery of their own.
func (o *Orchestrator) Tune(ctx context.Context, req types.TuningRequest) (res types.TuningResult) {
	strategy := string(req.Session.Strategy)
	started := o.now()
	outcome := ""
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("tuning pass panicked",
				zap.String("session", req.Session.String()),
				zap.Any("panic", r),
			)
			res = types.Rejected(fmt.Sprintf("tuning pass panicked: %v", r))
			outcome = telemetry.OutcomeError
		}
		o.record(strategy, res, outcome, o.now().Sub(started))
	}()

	tuner, ok := o.tuners[req.Session.Strategy]
	if !ok {
		return types.Rejected(fmt.Sprintf("no tuner registered for strategy %q", req.Session.Strategy))
	}

	var err error
	res, err = tuner.Tune(ctx, req)
	if err != nil {
		o.logger.Error("tuning pass failed",
			zap.String("session", req.Session.String()),
			zap.String("trigger", req.Trigger),
			zap.Error(err),
		)
		res = types.Rejected("internal error: " + err.Error())
		outcome = telemetry.OutcomeError
	}
	return res
}

func (o *Orchestrator) record(strategy string, res types.TuningResult, outcome string, took time.Duration) {
	if o.metrics == nil {
		return
	}
	if outcome == "" {
		outcome = telemetry.OutcomeRejected
		if res.Applied {
			outcome = telemetry.OutcomeApplied
		}
	}
	o.metrics.Passes.WithLabelValues(strategy, outcome).Inc()
	o.metrics.PassDuration.WithLabelValues(strategy).Observe(took.Seconds())
}
