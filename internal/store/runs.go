package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantatlas/tuner-backend/pkg/types"
)

// LatestRun returns the most recent tuning run for a session, or nil when
// the session has never been tuned. The guard's frequency check reads this.
func (s *Store) LatestRun(ctx context.Context, key types.SessionKey) (*types.TuningRun, error) {
	runs, err := s.RunHistory(ctx, key, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// RunHistory returns past tuning runs for a session, most recent first,
// bounded by limit.
func (s *Store) RunHistory(ctx context.Context, key types.SessionKey, limit int) ([]types.TuningRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, timeframe, old_json, new_json, score_before, score_after, model_version, created_at
		FROM tuning_run
		WHERE account_id = ? AND strategy_type = ? AND exchange = ? AND network = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		key.AccountID, string(key.Strategy), key.Exchange, string(key.Network), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query run history: %w", err)
	}
	defer rows.Close()

	var out []types.TuningRun
	for rows.Next() {
		var (
			run              types.TuningRun
			symbol, tf       sql.NullString
			oldJSON, newJSON sql.NullString
			before, after    sql.NullString
			modelVer         sql.NullString
			createdAt        string
		)
		err := rows.Scan(&run.ID, &symbol, &tf, &oldJSON, &newJSON, &before, &after, &modelVer, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan tuning run: %w", err)
		}

		run.Session = key
		run.Symbol = symbol.String
		run.Timeframe = tf.String
		run.ModelVersion = modelVer.String
		if run.OldParams, err = types.UnmarshalParams(oldJSON.String); err != nil {
			return nil, fmt.Errorf("decode old params: %w", err)
		}
		if run.NewParams, err = types.UnmarshalParams(newJSON.String); err != nil {
			return nil, fmt.Errorf("decode new params: %w", err)
		}
		if run.ScoreBefore, err = parseScore(before); err != nil {
			return nil, err
		}
		if run.ScoreAfter, err = parseScore(after); err != nil {
			return nil, err
		}
		if run.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func parseScore(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, fmt.Errorf("parse stored score %q: %w", v.String, err)
	}
	return &d, nil
}

func scoreString(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
