// Package evaluator defines the backtest evaluation contract and its
// runners. The simulation engine itself is an external collaborator; this
// package only invokes it and shields the pipeline from its failures.
package evaluator

import (
	"context"
	"time"

	"github.com/quantatlas/tuner-backend/pkg/types"
)

// Request describes one backtest evaluation of a parameter set.
type Request struct {
	Session   types.SessionKey
	Symbol    string
	Timeframe string
	Params    types.Params
	StartAt   time.Time
	EndAt     time.Time
}

// DefaultWindowDays is the trailing evaluation window applied when a
// request carries no explicit bounds.
const DefaultWindowDays = 14

// Runner executes one historical simulation. Implementations must never
// return an evaluation failure through a panic or leave the pipeline to
// guess: any internal failure is reported as metrics with Ok=false and a
// reason, so one bad candidate cannot abort a batch.
type Runner interface {
	Run(ctx context.Context, req Request) types.BacktestMetrics
}

// Normalize fills the default trailing window when bounds are absent. The
// resolved bounds are echoed back in the metrics by every runner for
// auditability.
func Normalize(req Request, now time.Time, windowDays int) Request {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if req.EndAt.IsZero() {
		req.EndAt = now
	}
	if req.StartAt.IsZero() {
		req.StartAt = req.EndAt.AddDate(0, 0, -windowDays)
	}
	return req
}
