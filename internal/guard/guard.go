// Package guard validates tuning candidates against safety and frequency
// limits. Both checks are pure reads: they never write state and can be
// called independently of the pipeline.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/internal/config"
	"github.com/quantatlas/tuner-backend/pkg/types"
)

const (
	takeProfitParam = "takeProfitPct"
	stopLossParam   = "stopLossPct"
)

// epsilon floors the denominator of the relative-delta ratio so a change
// away from a zero-valued parameter is still measurable.
var epsilon = decimal.New(1, -9)

// RunSource provides the most recent accepted tuning run per session;
// backed by the audit log.
type RunSource interface {
	LatestRun(ctx context.Context, key types.SessionKey) (*types.TuningRun, error)
}

// Guard applies the configured safety limits.
type Guard struct {
	logger *zap.Logger
	cfg    config.GuardConfig
	runs   RunSource
	now    func() time.Time
}

// New creates a guard reading frequency state from runs.
func New(logger *zap.Logger, cfg config.GuardConfig, runs RunSource) *Guard {
	return &Guard{
		logger: logger.Named("guard"),
		cfg:    cfg,
		runs:   runs,
		now:    time.Now,
	}
}

// SetClock overrides the guard's wall clock. Test hook.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

// CheckCandidate validates the candidate's parameter values against the
// current settings: per-field relative change must stay within MaxDeltaPct,
// and when RequireTpGteSl is set a take-profit below the stop-loss is
// rejected. Fields missing on either side are skipped, not denied.
func (g *Guard) CheckCandidate(key types.SessionKey, current types.Params, candidate types.TuningCandidate) types.GuardDecision {
	cand := candidate.Params
	if len(cand) == 0 {
		return types.Deny("empty candidate")
	}

	if g.cfg.RequireTpGteSl {
		tp, tpOK := types.AsDecimal(cand[takeProfitParam])
		sl, slOK := types.AsDecimal(cand[stopLossParam])
		if tpOK && slOK && tp.LessThan(sl) {
			return types.Deny(fmt.Sprintf("takeProfitPct %s < stopLossPct %s", tp, sl))
		}
	}

	if g.cfg.MaxDeltaPct <= 0 || len(current) == 0 {
		return types.Allow()
	}

	maxDelta := decimal.NewFromFloat(g.cfg.MaxDeltaPct)
	for _, name := range cand.SortedKeys() {
		newVal, ok := types.AsDecimal(cand[name])
		if !ok {
			continue
		}
		oldVal, ok := types.AsDecimal(current[name])
		if !ok {
			continue
		}

		base := oldVal.Abs()
		if base.LessThan(epsilon) {
			base = epsilon
		}
		rel := newVal.Sub(oldVal).Abs().Div(base)
		if rel.GreaterThan(maxDelta) {
			return types.Deny(fmt.Sprintf(
				"change too large for %q: %s -> %s (relative %s > max %s)",
				name, oldVal, newVal, rel.Round(4), maxDelta,
			))
		}
	}

	return types.Allow()
}

// CheckFrequency denies tuning when the session's last accepted run is more
// recent than MinHoursBetween. A session without prior runs is always
// allowed.
func (g *Guard) CheckFrequency(ctx context.Context, key types.SessionKey) types.GuardDecision {
	last, err := g.runs.LatestRun(ctx, key)
	if err != nil {
		// A broken audit read must not let tuning through the rate limit.
		g.logger.Error("frequency check failed", zap.String("session", key.String()), zap.Error(err))
		return types.Deny("frequency check unavailable: " + err.Error())
	}
	if last == nil {
		return types.Allow()
	}

	since := g.now().Sub(last.CreatedAt)
	if since < g.cfg.MinHoursBetween {
		return types.Deny(fmt.Sprintf(
			"tuned %s ago, minimum interval %s", since.Truncate(time.Minute), g.cfg.MinHoursBetween,
		))
	}
	return types.Allow()
}
