package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/pkg/types"
)

// SidecarConfig configures the HTTP backtest sidecar client.
type SidecarConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	WindowDays int
}

// SidecarRunner evaluates candidates against an external ML backtest
// service over HTTP. Transport and service errors are returned as failed
// metrics, never as Go errors, preserving per-candidate isolation.
type SidecarRunner struct {
	logger *zap.Logger
	client *resty.Client
	cfg    SidecarConfig
	now    func() time.Time
}

// NewSidecarRunner creates an HTTP-backed backtest runner.
func NewSidecarRunner(logger *zap.Logger, cfg SidecarConfig) *SidecarRunner {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetHeader("Content-Type", "application/json")

	return &SidecarRunner{
		logger: logger.Named("sidecar_backtest"),
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}
}

type sidecarRequest struct {
	AccountID    int64        `json:"accountId"`
	StrategyType string       `json:"strategyType"`
	Exchange     string       `json:"exchange"`
	Network      string       `json:"network"`
	Symbol       string       `json:"symbol"`
	Timeframe    string       `json:"timeframe"`
	Params       types.Params `json:"params"`
	StartAt      time.Time    `json:"startAt"`
	EndAt        time.Time    `json:"endAt"`
}

type sidecarResponse struct {
	Ok             bool    `json:"ok"`
	Reason         string  `json:"reason"`
	ProfitPct      string  `json:"profitPct"`
	MaxDrawdownPct string  `json:"maxDrawdownPct"`
	Trades         int     `json:"trades"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	WinRatePct     string  `json:"winRatePct"`
}

// Run posts the candidate to the sidecar and maps the response to metrics.
func (r *SidecarRunner) Run(ctx context.Context, req Request) types.BacktestMetrics {
	if req.Symbol == "" {
		return types.FailedMetrics(req.Session, "symbol is blank", req.Params)
	}
	if req.Timeframe == "" {
		return types.FailedMetrics(req.Session, "timeframe is blank", req.Params)
	}

	req = Normalize(req, r.now(), r.cfg.WindowDays)
	if !req.EndAt.After(req.StartAt) {
		return types.FailedMetrics(req.Session, "invalid evaluation window", req.Params)
	}

	body := sidecarRequest{
		AccountID:    req.Session.AccountID,
		StrategyType: string(req.Session.Strategy),
		Exchange:     req.Session.Exchange,
		Network:      string(req.Session.Network),
		Symbol:       req.Symbol,
		Timeframe:    req.Timeframe,
		Params:       req.Params,
		StartAt:      req.StartAt,
		EndAt:        req.EndAt,
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/api/v1/backtest/run")
	if err != nil {
		r.logger.Warn("backtest sidecar unreachable",
			zap.String("session", req.Session.String()),
			zap.Error(err),
		)
		return types.FailedMetrics(req.Session, "sidecar request failed: "+err.Error(), req.Params)
	}
	if resp.StatusCode() != 200 {
		return types.FailedMetrics(req.Session,
			fmt.Sprintf("sidecar returned HTTP %d", resp.StatusCode()), req.Params)
	}

	// Unmarshal by hand: resty only decodes SetResult when the response
	// advertises a JSON Content-Type, and the sidecar is not trusted to.
	var parsed sidecarResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return types.FailedMetrics(req.Session, "sidecar response: invalid JSON", req.Params)
	}
	if !parsed.Ok {
		reason := parsed.Reason
		if reason == "" {
			reason = "backtest failed"
		}
		return types.FailedMetrics(req.Session, reason, req.Params)
	}

	profit, err := decimal.NewFromString(parsed.ProfitPct)
	if err != nil {
		return types.FailedMetrics(req.Session, "sidecar response: bad profitPct", req.Params)
	}
	drawdown, err := decimal.NewFromString(parsed.MaxDrawdownPct)
	if err != nil {
		return types.FailedMetrics(req.Session, "sidecar response: bad maxDrawdownPct", req.Params)
	}
	winRate := decimal.Zero
	if parsed.WinRatePct != "" {
		if winRate, err = decimal.NewFromString(parsed.WinRatePct); err != nil {
			return types.FailedMetrics(req.Session, "sidecar response: bad winRatePct", req.Params)
		}
	}

	return types.BacktestMetrics{
		Ok:             true,
		Session:        req.Session,
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		StartAt:        req.StartAt,
		EndAt:          req.EndAt,
		ProfitPct:      profit,
		MaxDrawdownPct: drawdown,
		Trades:         parsed.Trades,
		Wins:           parsed.Wins,
		Losses:         parsed.Losses,
		WinRatePct:     winRate,
		Params:         req.Params.Clone(),
	}
}
