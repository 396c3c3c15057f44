// Package types provides the shared domain types for the auto-tuning backend.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyType identifies a trading strategy family.
type StrategyType string

const (
	StrategyScalping       StrategyType = "SCALPING"
	StrategyWindowScalping StrategyType = "WINDOW_SCALPING"
	StrategyFibonacciGrid  StrategyType = "FIBONACCI_GRID"
)

// NetworkType identifies the exchange network a session trades on.
type NetworkType string

const (
	NetworkMainnet NetworkType = "MAINNET"
	NetworkTestnet NetworkType = "TESTNET"
)

// SessionKey identifies one live trading context: the account, the strategy
// it runs, and the exchange/network pair it trades on. All tuning state
// (overrides, audit rows, schedules) is keyed by it.
type SessionKey struct {
	AccountID int64        `json:"accountId"`
	Strategy  StrategyType `json:"strategyType"`
	Exchange  string       `json:"exchange"`
	Network   NetworkType  `json:"network"`
}

// String renders the key in its canonical form, used for scheduler maps
// and log correlation.
func (k SessionKey) String() string {
	return fmt.Sprintf("%d:%s:%s:%s", k.AccountID, k.Strategy, k.Exchange, k.Network)
}

// Valid reports whether the key names a concrete session.
func (k SessionKey) Valid() bool {
	return k.AccountID != 0 && k.Strategy != "" && k.Exchange != "" && k.Network != ""
}

// TuningRequest is an immutable order for one tuning pass. The scheduler
// builds it from the session's current settings at trigger time; manual
// triggers build it from the API payload.
type TuningRequest struct {
	Session      SessionKey `json:"session"`
	Symbol       string     `json:"symbol"`
	Timeframe    string     `json:"timeframe"`
	CandlesLimit int        `json:"candlesLimit,omitempty"`
	StartAt      *time.Time `json:"startAt,omitempty"`
	EndAt        *time.Time `json:"endAt,omitempty"`
	Seed         *int64     `json:"seed,omitempty"`
	Trigger      string     `json:"trigger,omitempty"` // periodic | warmup | after-close | manual
}

// TuningResult is the synchronous outcome of one tuning pass. A rejected or
// failed pass is a normal result, not an error; the live strategy simply
// keeps its current parameters.
type TuningResult struct {
	Applied      bool             `json:"applied"`
	Reason       string           `json:"reason"`
	ScoreBefore  *decimal.Decimal `json:"scoreBefore,omitempty"`
	ScoreAfter   *decimal.Decimal `json:"scoreAfter,omitempty"`
	OldParams    Params           `json:"oldParams,omitempty"`
	NewParams    Params           `json:"newParams,omitempty"`
	OverrideID   int64            `json:"overrideId,omitempty"`
	ModelVersion string           `json:"modelVersion,omitempty"`
}

// Rejected builds a not-applied result with a reason.
func Rejected(reason string) TuningResult {
	return TuningResult{Applied: false, Reason: reason}
}

// TuningCandidate is one concrete parameter set sampled from a tuning space.
// Transient; only the accepted winner is ever persisted.
type TuningCandidate struct {
	Params Params `json:"params"`
}

// BacktestMetrics is the outcome of one historical simulation. A failed run
// carries Ok=false plus a reason and zeroed metrics; it is data, never an
// error, so one bad candidate cannot abort a batch.
type BacktestMetrics struct {
	Ok     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`

	Session   SessionKey `json:"session"`
	Symbol    string     `json:"symbol"`
	Timeframe string     `json:"timeframe"`
	StartAt   time.Time  `json:"startAt"`
	EndAt     time.Time  `json:"endAt"`

	ProfitPct      decimal.Decimal `json:"profitPct"`
	MaxDrawdownPct decimal.Decimal `json:"maxDrawdownPct"`
	Trades         int             `json:"trades"`
	Wins           int             `json:"wins"`
	Losses         int             `json:"losses"`
	WinRatePct     decimal.Decimal `json:"winRatePct"`

	Params Params `json:"params,omitempty"`
}

// FailedMetrics builds a failed-evaluation marker for a candidate.
func FailedMetrics(session SessionKey, reason string, params Params) BacktestMetrics {
	return BacktestMetrics{Ok: false, Reason: reason, Session: session, Params: params}
}

// CandidateEvaluation pairs a candidate with its metrics and computed score.
type CandidateEvaluation struct {
	Candidate TuningCandidate `json:"candidate"`
	Metrics   BacktestMetrics `json:"metrics"`
	Score     decimal.Decimal `json:"score"`
	Err       string          `json:"error,omitempty"`
}

// OK reports whether the evaluation completed without error.
func (e CandidateEvaluation) OK() bool { return e.Err == "" }

// GuardDecision is the stateless verdict of one safety check.
type GuardDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow builds a positive decision.
func Allow() GuardDecision { return GuardDecision{Allowed: true} }

// Deny builds a negative decision carrying a human-readable reason.
func Deny(reason string) GuardDecision { return GuardDecision{Allowed: false, Reason: reason} }

// OverrideSource marks how an override patch came to exist.
type OverrideSource string

const (
	SourceAuto   OverrideSource = "AUTO"
	SourceShadow OverrideSource = "SHADOW"
	SourceManual OverrideSource = "MANUAL"
)

// OverridePatch is a persisted, time-bounded parameter diff that a strategy
// runtime applies on top of its stored settings. Rows are never mutated after
// insert except flipping Active off on expiry or supersession; readers treat
// the most recent active, unexpired row as current.
type OverridePatch struct {
	ID           int64          `json:"id"`
	Session      SessionKey     `json:"session"`
	Patch        Params         `json:"patch"`
	Source       OverrideSource `json:"source"`
	Reason       string         `json:"reason,omitempty"`
	ModelVersion string         `json:"modelVersion,omitempty"`
	Confidence   float64        `json:"confidence"`
	CreatedAt    time.Time      `json:"createdAt"`
	ExpiresAt    *time.Time     `json:"expiresAt,omitempty"`
	Active       bool           `json:"active"`
}

// TuningRun is one append-only audit row recording an accepted tuning pass.
// Never updated or deleted; the guard reads it for frequency limits.
type TuningRun struct {
	ID           int64            `json:"id"`
	Session      SessionKey       `json:"session"`
	Symbol       string           `json:"symbol"`
	Timeframe    string           `json:"timeframe"`
	OldParams    Params           `json:"oldParams"`
	NewParams    Params           `json:"newParams"`
	ScoreBefore  *decimal.Decimal `json:"scoreBefore,omitempty"`
	ScoreAfter   *decimal.Decimal `json:"scoreAfter,omitempty"`
	ModelVersion string           `json:"modelVersion,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// StrategySettings is the read-only live-settings snapshot a tuning pass
// starts from. Owned by the settings store; the tuner never writes it
// directly, it writes override patches instead.
type StrategySettings struct {
	Session      SessionKey `json:"session"`
	Symbol       string     `json:"symbol"`
	Timeframe    string     `json:"timeframe"`
	CandlesLimit int        `json:"candlesLimit"`
	Params       Params     `json:"params"`
	Active       bool       `json:"active"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}
