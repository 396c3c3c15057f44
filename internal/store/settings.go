package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/pkg/types"
)

// GetOrCreateSettings returns the live settings snapshot for a session,
// inserting a default row the first time a session is seen. This is the
// Current Settings Provider the scheduler and tuners read; they never write
// it back, they write override patches.
func (s *Store) GetOrCreateSettings(ctx context.Context, key types.SessionKey) (*types.StrategySettings, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("settings: invalid session key %q", key)
	}

	settings, err := s.querySettings(ctx, key)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := fmtTime(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategy_settings (account_id, strategy_type, exchange, network, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, strategy_type, exchange, network) DO NOTHING`,
		key.AccountID, string(key.Strategy), key.Exchange, string(key.Network), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert default settings: %w", err)
	}

	s.logger.Info("created default strategy settings", zap.String("session", key.String()))
	return s.querySettings(ctx, key)
}

// UpdateSettingsParams replaces the stored parameter snapshot for a session.
// Used by the admin API, not by the tuning pipeline.
func (s *Store) UpdateSettingsParams(ctx context.Context, key types.SessionKey, params types.Params) error {
	raw, err := types.MarshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal settings params: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategy_settings SET params_json = ?, updated_at = ?
		WHERE account_id = ? AND strategy_type = ? AND exchange = ? AND network = ?`,
		raw, fmtTime(s.now()),
		key.AccountID, string(key.Strategy), key.Exchange, string(key.Network),
	)
	if err != nil {
		return fmt.Errorf("update settings params: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("settings: no row for session %s", key)
	}
	return nil
}

func (s *Store) querySettings(ctx context.Context, key types.SessionKey) (*types.StrategySettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, timeframe, candles_limit, params_json, active, updated_at
		FROM strategy_settings
		WHERE account_id = ? AND strategy_type = ? AND exchange = ? AND network = ?`,
		key.AccountID, string(key.Strategy), key.Exchange, string(key.Network),
	)

	var (
		settings  types.StrategySettings
		paramsRaw string
		active    int
		updatedAt string
	)
	err := row.Scan(&settings.Symbol, &settings.Timeframe, &settings.CandlesLimit, &paramsRaw, &active, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("query settings: %w", err)
	}

	settings.Session = key
	settings.Active = active != 0
	if settings.Params, err = types.UnmarshalParams(paramsRaw); err != nil {
		return nil, fmt.Errorf("decode settings params: %w", err)
	}
	if settings.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &settings, nil
}
