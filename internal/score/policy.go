// Package score reduces backtest metrics to a single comparable scalar.
package score

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/quantatlas/tuner-backend/internal/config"
	"github.com/quantatlas/tuner-backend/pkg/types"
)

// FailureSentinel is the score assigned to a failed evaluation. It is far
// below anything the formula can produce, so a failed candidate can never
// win selection.
var FailureSentinel = decimal.NewFromInt(-1_000_000)

// Policy turns metrics into a score for one strategy type. Routing the
// right policy to the right tuner is the caller's job; the policy only
// declares what it supports.
type Policy interface {
	StrategyType() types.StrategyType
	Score(m types.BacktestMetrics) decimal.Decimal
	// Confidence maps a winning score into [0,1] for the override row.
	Confidence(score decimal.Decimal) float64
}

// WeightedPolicy scores as
//
//	profitWeight*profitPct - drawdownWeight*maxDrawdownPct + tradesWeight*log10(trades+1)
//
// with a flat penalty below a minimum trade count, so a lucky two-trade
// backtest cannot outrank a well-sampled one.
type WeightedPolicy struct {
	strategy types.StrategyType
	cfg      config.ScoreConfig
}

// NewWeightedPolicy creates the default scoring policy for a strategy type.
func NewWeightedPolicy(strategy types.StrategyType, cfg config.ScoreConfig) *WeightedPolicy {
	return &WeightedPolicy{strategy: strategy, cfg: cfg}
}

// StrategyType reports the strategy this policy scores.
func (p *WeightedPolicy) StrategyType() types.StrategyType { return p.strategy }

// Score computes the scalar. Failed metrics get the sentinel, not the
// formula.
func (p *WeightedPolicy) Score(m types.BacktestMetrics) decimal.Decimal {
	if !m.Ok {
		return FailureSentinel
	}

	profit := m.ProfitPct.Mul(decimal.NewFromFloat(p.cfg.ProfitWeight))
	drawdown := m.MaxDrawdownPct.Mul(decimal.NewFromFloat(p.cfg.DrawdownWeight))
	tradesBonus := decimal.NewFromFloat(math.Log10(float64(m.Trades)+1) * p.cfg.TradesWeight)

	s := profit.Sub(drawdown).Add(tradesBonus)
	if m.Trades < p.cfg.MinTrades {
		s = s.Sub(decimal.NewFromFloat(p.cfg.ThinPenalty))
	}
	return s.Round(6)
}

// Confidence squashes the score into [0,1] with 0.5 at score zero. The
// mapping is monotonic, so a better score always claims more confidence.
func (p *WeightedPolicy) Confidence(score decimal.Decimal) float64 {
	s, _ := score.Float64()
	c := 0.5 * (1 + s/(math.Abs(s)+1))
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
