package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/pkg/types"
)

// ApplyTuning persists an accepted tuning pass: it deactivates any previous
// active override for the session, inserts the new patch, and appends the
// audit row — all in one transaction, so a storage failure can never leave
// an override without its audit row or the other way around.
func (s *Store) ApplyTuning(ctx context.Context, patch *types.OverridePatch, run *types.TuningRun) (int64, int64, error) {
	patchJSON, err := types.MarshalParams(patch.Patch)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal override patch: %w", err)
	}
	oldJSON, err := types.MarshalParams(run.OldParams)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal old params: %w", err)
	}
	newJSON, err := types.MarshalParams(run.NewParams)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal new params: %w", err)
	}

	key := patch.Session
	now := fmtTime(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tuning tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE ai_override SET active = 0
		WHERE account_id = ? AND strategy_type = ? AND exchange = ? AND network = ? AND active = 1`,
		key.AccountID, string(key.Strategy), key.Exchange, string(key.Network),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("deactivate previous overrides: %w", err)
	}

	var expiresAt any
	if patch.ExpiresAt != nil {
		expiresAt = fmtTime(*patch.ExpiresAt)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ai_override
			(account_id, strategy_type, exchange, network, patch_json, source, reason, model_version, confidence, created_at, expires_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		key.AccountID, string(key.Strategy), key.Exchange, string(key.Network),
		patchJSON, string(patch.Source), nullString(patch.Reason), nullString(patch.ModelVersion),
		patch.Confidence, now, expiresAt,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("insert override: %w", err)
	}
	overrideID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("override id: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO tuning_run
			(account_id, strategy_type, exchange, network, symbol, timeframe, old_json, new_json, score_before, score_after, model_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.AccountID, string(key.Strategy), key.Exchange, string(key.Network),
		nullString(run.Symbol), nullString(run.Timeframe), oldJSON, newJSON,
		scoreString(run.ScoreBefore), scoreString(run.ScoreAfter),
		nullString(run.ModelVersion), now,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("insert tuning run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("tuning run id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit tuning tx: %w", err)
	}

	s.logger.Info("tuning pass persisted",
		zap.String("session", key.String()),
		zap.Int64("override_id", overrideID),
		zap.Int64("run_id", runID),
	)
	return overrideID, runID, nil
}

// ActivePatch returns the current override patch for a session: the most
// recently created active row that has not expired. An expired row is
// deactivated in passing and skipped, matching the read-side rule that at
// most one active row is current.
func (s *Store) ActivePatch(ctx context.Context, key types.SessionKey, now time.Time) (*types.OverridePatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, patch_json, source, reason, model_version, confidence, created_at, expires_at, active
		FROM ai_override
		WHERE account_id = ? AND strategy_type = ? AND exchange = ? AND network = ? AND active = 1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		key.AccountID, string(key.Strategy), key.Exchange, string(key.Network),
	)

	patch, err := s.scanOverride(row, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if patch.ExpiresAt != nil && now.After(*patch.ExpiresAt) {
		if _, err := s.db.ExecContext(ctx, `UPDATE ai_override SET active = 0 WHERE id = ?`, patch.ID); err != nil {
			return nil, fmt.Errorf("deactivate expired override: %w", err)
		}
		s.logger.Info("override expired, deactivated",
			zap.String("session", key.String()),
			zap.Int64("override_id", patch.ID),
		)
		return nil, nil
	}
	return patch, nil
}

// OverrideHistory returns past override patches for a session, most recent
// first, bounded by limit.
func (s *Store) OverrideHistory(ctx context.Context, key types.SessionKey, limit int) ([]types.OverridePatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patch_json, source, reason, model_version, confidence, created_at, expires_at, active
		FROM ai_override
		WHERE account_id = ? AND strategy_type = ? AND exchange = ? AND network = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		key.AccountID, string(key.Strategy), key.Exchange, string(key.Network), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query override history: %w", err)
	}
	defer rows.Close()

	var out []types.OverridePatch
	for rows.Next() {
		patch, err := s.scanOverride(rows, key)
		if err != nil {
			return nil, err
		}
		out = append(out, *patch)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOverride(row rowScanner, key types.SessionKey) (*types.OverridePatch, error) {
	var (
		patch      types.OverridePatch
		patchJSON  string
		source     string
		reason     sql.NullString
		modelVer   sql.NullString
		confidence sql.NullFloat64
		createdAt  string
		expiresAt  sql.NullString
		active     int
	)
	err := row.Scan(&patch.ID, &patchJSON, &source, &reason, &modelVer, &confidence, &createdAt, &expiresAt, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan override: %w", err)
	}

	patch.Session = key
	patch.Source = types.OverrideSource(source)
	patch.Reason = reason.String
	patch.ModelVersion = modelVer.String
	patch.Confidence = confidence.Float64
	patch.Active = active != 0
	if patch.Patch, err = types.UnmarshalParams(patchJSON); err != nil {
		return nil, fmt.Errorf("decode override patch: %w", err)
	}
	if patch.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, err
		}
		patch.ExpiresAt = &t
	}
	return &patch, nil
}
