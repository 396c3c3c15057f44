// Package tuning runs the per-strategy tuning pipeline: sample candidates,
// evaluate them against history, score, validate, and persist the winner.
package tuning

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/internal/candidates"
	"github.com/quantatlas/tuner-backend/internal/config"
	"github.com/quantatlas/tuner-backend/internal/evaluator"
	"github.com/quantatlas/tuner-backend/internal/guard"
	"github.com/quantatlas/tuner-backend/internal/score"
	"github.com/quantatlas/tuner-backend/internal/store"
	"github.com/quantatlas/tuner-backend/internal/telemetry"
	"github.com/quantatlas/tuner-backend/pkg/types"
)

// deltaEpsilon floors denominators when comparing parameter sets.
var deltaEpsilon = decimal.New(1, -9)

// Tuner executes one full tuning pass for a single strategy type. A pass
// never mutates live settings directly; an accepted winner is written as an
// override patch plus one audit row, atomically.
type Tuner struct {
	logger  *zap.Logger
	cfg     config.TunerConfig
	store   *store.Store
	gen     candidates.Generator
	runner  evaluator.Runner
	policy  score.Policy
	guard   *guard.Guard
	metrics *telemetry.Metrics
	now     func() time.Time
	winDays int
}

// New wires a tuner for the policy's strategy type.
func New(logger *zap.Logger, cfg config.TunerConfig, st *store.Store, gen candidates.Generator, runner evaluator.Runner, policy score.Policy, g *guard.Guard) *Tuner {
	return &Tuner{
		logger:  logger.Named("tuner").With(zap.String("strategy", string(policy.StrategyType()))),
		cfg:     cfg,
		store:   st,
		gen:     gen,
		runner:  runner,
		policy:  policy,
		guard:   g,
		now:     time.Now,
		winDays: cfg.DefaultPeriodDays,
	}
}

// SetClock overrides the tuner's wall clock. Test hook.
func (t *Tuner) SetClock(now func() time.Time) { t.now = now }

// StrategyType reports the strategy this tuner serves.
func (t *Tuner) StrategyType() types.StrategyType { return t.policy.StrategyType() }

// Tune runs one pass. Every early exit is a TuningResult with a reason; an
// error is returned only for infrastructure failures (storage, marshaling)
// where the pass could not even reach a verdict.
func (t *Tuner) Tune(ctx context.Context, req types.TuningRequest) (types.TuningResult, error) {
	if !req.Session.Valid() {
		return types.Rejected("invalid session key"), nil
	}
	started := t.now()

	settings, err := t.store.GetOrCreateSettings(ctx, req.Session)
	if err != nil {
		return types.TuningResult{}, fmt.Errorf("load settings: %w", err)
	}
	if req.Symbol == "" {
		req.Symbol = settings.Symbol
	}
	if req.Timeframe == "" {
		req.Timeframe = settings.Timeframe
	}

	space, err := t.store.LoadEnabledSpace(ctx, req.Session.Strategy)
	if err != nil {
		return types.TuningResult{}, fmt.Errorf("load tuning space: %w", err)
	}
	if len(space) == 0 {
		return types.Rejected("no tunable parameters"), nil
	}

	seed := t.cfg.DefaultSeed
	if req.Seed != nil {
		seed = *req.Seed
	}
	cands := t.gen.Generate(space, t.cfg.InitialCandidates, seed)
	if len(cands) == 0 {
		return types.Rejected("candidate generation produced nothing"), nil
	}
	if len(cands) > t.cfg.EvalMaxCandidates {
		cands = cands[:t.cfg.EvalMaxCandidates]
	}

	baseline := t.evaluate(ctx, req, types.TuningCandidate{Params: settings.Params})
	evals := make([]types.CandidateEvaluation, 0, len(cands))
	for _, cand := range cands {
		evals = append(evals, t.evaluate(ctx, req, cand))
	}

	best, ok := t.selectBest(settings.Params, evals)
	if !ok {
		return types.Rejected("all candidate evaluations failed"), nil
	}

	// A failed baseline scores as the sentinel for threshold purposes but
	// is not a real score; it stays null in results and the audit row.
	var scoreBefore *decimal.Decimal
	baselineLabel := "n/a"
	if baseline.OK() {
		sb := baseline.Score
		scoreBefore = &sb
		baselineLabel = baseline.Score.String()
	}

	if reason, improved := t.improves(baseline.Score, best.Score); !improved {
		t.logger.Info("winner below improvement threshold",
			zap.String("session", req.Session.String()),
			zap.String("baseline", baselineLabel),
			zap.String("best", best.Score.String()),
		)
		res := types.Rejected(reason)
		res.ScoreBefore = scoreBefore
		res.ScoreAfter = &best.Score
		return res, nil
	}

	if d := t.guard.CheckCandidate(req.Session, settings.Params, best.Candidate); !d.Allowed {
		return types.Rejected("guard: " + d.Reason), nil
	}
	if d := t.guard.CheckFrequency(ctx, req.Session); !d.Allowed {
		return types.Rejected("guard: " + d.Reason), nil
	}

	diff := paramsDiff(settings.Params, best.Candidate.Params)
	if len(diff) == 0 {
		return types.Rejected("winner identical to current parameters"), nil
	}
	merged := settings.Params.Clone()
	for k, v := range diff {
		merged[k] = v
	}

	patch := &types.OverridePatch{
		Session:      req.Session,
		Patch:        diff,
		Source:       types.SourceAuto,
		Reason:       fmt.Sprintf("score %s -> %s over %d candidates", baselineLabel, best.Score, len(evals)),
		ModelVersion: t.cfg.ModelVersion,
		Confidence:   t.policy.Confidence(best.Score),
	}
	if t.cfg.OverrideTTL > 0 {
		exp := t.now().Add(t.cfg.OverrideTTL)
		patch.ExpiresAt = &exp
	}
	run := &types.TuningRun{
		Session:      req.Session,
		Symbol:       req.Symbol,
		Timeframe:    req.Timeframe,
		OldParams:    settings.Params,
		NewParams:    merged,
		ScoreBefore:  scoreBefore,
		ScoreAfter:   &best.Score,
		ModelVersion: t.cfg.ModelVersion,
	}

	overrideID, runID, err := t.store.ApplyTuning(ctx, patch, run)
	if err != nil {
		return types.TuningResult{}, fmt.Errorf("persist tuning pass: %w", err)
	}

	t.logger.Info("tuning pass applied",
		zap.String("session", req.Session.String()),
		zap.String("trigger", req.Trigger),
		zap.Int64("override_id", overrideID),
		zap.Int64("run_id", runID),
		zap.Duration("took", t.now().Sub(started)),
	)
	return types.TuningResult{
		Applied:      true,
		Reason:       "applied",
		ScoreBefore:  scoreBefore,
		ScoreAfter:   &best.Score,
		OldParams:    settings.Params,
		NewParams:    merged,
		OverrideID:   overrideID,
		ModelVersion: t.cfg.ModelVersion,
	}, nil
}

// evaluate runs one backtest and scores it. A panicking runner is contained
// here: the candidate fails, the batch continues.
func (t *Tuner) evaluate(ctx context.Context, req types.TuningRequest, cand types.TuningCandidate) (ev types.CandidateEvaluation) {
	ev.Candidate = cand
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("candidate evaluation panicked",
				zap.String("session", req.Session.String()),
				zap.Any("panic", r),
			)
			ev.Metrics = types.FailedMetrics(req.Session, fmt.Sprintf("evaluation panicked: %v", r), cand.Params)
			ev.Err = ev.Metrics.Reason
			ev.Score = score.FailureSentinel
			t.noteEvalFailure(req.Session.Strategy)
		}
	}()

	er := evaluator.Request{
		Session:   req.Session,
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Params:    cand.Params,
	}
	if req.StartAt != nil {
		er.StartAt = *req.StartAt
	}
	if req.EndAt != nil {
		er.EndAt = *req.EndAt
	}
	er = evaluator.Normalize(er, t.now(), t.winDays)

	ev.Metrics = t.runner.Run(ctx, er)
	if !ev.Metrics.Ok {
		ev.Err = ev.Metrics.Reason
		t.noteEvalFailure(req.Session.Strategy)
	}
	ev.Score = t.policy.Score(ev.Metrics)
	return ev
}

func (t *Tuner) noteEvalFailure(strategy types.StrategyType) {
	if t.metrics != nil {
		t.metrics.EvalFailures.WithLabelValues(string(strategy)).Inc()
	}
}

// selectBest picks the highest-scoring successful evaluation. Score ties go
// to the candidate closest to the current parameters, so the pipeline is
// deterministic and prefers the smaller change.
func (t *Tuner) selectBest(current types.Params, evals []types.CandidateEvaluation) (types.CandidateEvaluation, bool) {
	var (
		best     types.CandidateEvaluation
		bestDist decimal.Decimal
		found    bool
	)
	for _, ev := range evals {
		if !ev.OK() {
			continue
		}
		dist := totalRelativeDelta(current, ev.Candidate.Params)
		if !found || ev.Score.GreaterThan(best.Score) ||
			(ev.Score.Equal(best.Score) && dist.LessThan(bestDist)) {
			best, bestDist, found = ev, dist, true
		}
	}
	return best, found
}

// improves applies the acceptance thresholds: normally the winner must beat
// the baseline by the larger of the absolute and relative margins; a
// baseline at or below the too-bad floor only needs a small positive delta.
func (t *Tuner) improves(baseline, best decimal.Decimal) (string, bool) {
	delta := best.Sub(baseline)

	if baseline.LessThanOrEqual(decimal.NewFromFloat(t.cfg.BaselineTooBadScore)) {
		if delta.GreaterThan(decimal.NewFromFloat(t.cfg.BaselineTooBadMinDelta)) {
			return "", true
		}
		return fmt.Sprintf("best score %s does not improve on failing baseline %s", best, baseline), false
	}

	required := decimal.NewFromFloat(t.cfg.MinAbsImprove)
	if rel := baseline.Abs().Mul(decimal.NewFromFloat(t.cfg.MinRelImprove)); rel.GreaterThan(required) {
		required = rel
	}
	if delta.GreaterThanOrEqual(required) {
		return "", true
	}
	return fmt.Sprintf("improvement %s below required %s (baseline %s)", delta, required, baseline), false
}

// paramsDiff returns the candidate entries that differ from current.
// Numeric values compare by decimal equality so 5 and 5.0 are the same;
// everything else compares by rendered form.
func paramsDiff(current, cand types.Params) types.Params {
	diff := make(types.Params)
	for k, nv := range cand {
		ov, exists := current[k]
		if !exists {
			diff[k] = nv
			continue
		}
		nd, nok := types.AsDecimal(nv)
		od, ook := types.AsDecimal(ov)
		if nok && ook {
			if !nd.Equal(od) {
				diff[k] = nv
			}
			continue
		}
		if fmt.Sprint(nv) != fmt.Sprint(ov) {
			diff[k] = nv
		}
	}
	return diff
}

// totalRelativeDelta sums per-field relative change across the numeric
// fields both sets share. Used only for ranking, never for gating.
func totalRelativeDelta(current, cand types.Params) decimal.Decimal {
	total := decimal.Zero
	for _, k := range cand.SortedKeys() {
		nd, ok := types.AsDecimal(cand[k])
		if !ok {
			continue
		}
		od, ok := types.AsDecimal(current[k])
		if !ok {
			continue
		}
		base := od.Abs()
		if base.LessThan(deltaEpsilon) {
			base = deltaEpsilon
		}
		total = total.Add(nd.Sub(od).Abs().Div(base))
	}
	return total
}
