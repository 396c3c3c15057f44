package evaluator

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/pkg/types"
)

// StubRunner synthesizes metrics without any market data, for development
// and tests. The numbers are a pure function of the candidate parameters,
// so identical candidates always evaluate identically.
type StubRunner struct {
	logger     *zap.Logger
	windowDays int
	now        func() time.Time
}

// NewStubRunner creates a synthetic backtest runner.
func NewStubRunner(logger *zap.Logger, windowDays int) *StubRunner {
	return &StubRunner{
		logger:     logger.Named("stub_backtest"),
		windowDays: windowDays,
		now:        time.Now,
	}
}

// SetClock overrides the runner's wall clock. Test hook.
func (r *StubRunner) SetClock(now func() time.Time) { r.now = now }

// Run synthesizes metrics for the candidate.
func (r *StubRunner) Run(ctx context.Context, req Request) types.BacktestMetrics {
	if err := ctx.Err(); err != nil {
		return types.FailedMetrics(req.Session, "evaluation cancelled: "+err.Error(), req.Params)
	}
	if req.Symbol == "" {
		return types.FailedMetrics(req.Session, "symbol is blank", req.Params)
	}
	if req.Timeframe == "" {
		return types.FailedMetrics(req.Session, "timeframe is blank", req.Params)
	}

	req = Normalize(req, r.now(), r.windowDays)

	h := paramsDigest(req.Params)
	// Spread the digest into plausible ranges: profit in [-5, +15)%,
	// drawdown in [0, 20)%, trades in [5, 85).
	profit := decimal.NewFromInt(int64(h%2000)).Div(decimal.NewFromInt(100)).Sub(decimal.NewFromInt(5))
	drawdown := decimal.NewFromInt(int64((h / 7) % 2000)).Div(decimal.NewFromInt(100))
	trades := int(h/13)%80 + 5
	wins := trades * (int(h/17)%60 + 20) / 100
	winRate := decimal.Zero
	if trades > 0 {
		winRate = decimal.NewFromInt(int64(wins * 100)).Div(decimal.NewFromInt(int64(trades)))
	}

	r.logger.Debug("stub backtest",
		zap.String("session", req.Session.String()),
		zap.String("symbol", req.Symbol),
		zap.String("profit_pct", profit.String()),
	)

	return types.BacktestMetrics{
		Ok:             true,
		Session:        req.Session,
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		StartAt:        req.StartAt,
		EndAt:          req.EndAt,
		ProfitPct:      profit,
		MaxDrawdownPct: drawdown,
		Trades:         trades,
		Wins:           wins,
		Losses:         trades - wins,
		WinRatePct:     winRate,
		Params:         req.Params.Clone(),
	}
}

func paramsDigest(p types.Params) uint64 {
	h := fnv.New64a()
	for _, k := range p.SortedKeys() {
		h.Write([]byte(k))
		h.Write([]byte{0})
		d, ok := types.AsDecimal(p[k])
		if ok {
			h.Write([]byte(d.String()))
		} else if b, okb := types.AsBool(p[k]); okb && b {
			h.Write([]byte{1})
		}
		h.Write([]byte{0xff})
	}
	return h.Sum64()
}
