package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/pkg/types"
)

// LoadEnabledSpace returns the enabled, validated tuning space for a
// strategy type, keyed by parameter name. Rows that fail domain validation
// are skipped with a warning; a strategy with only broken rows is simply a
// strategy with nothing to tune.
func (s *Store) LoadEnabledSpace(ctx context.Context, strategy types.StrategyType) (map[string]types.ParamSpaceItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT param_name, value_kind, min_value, max_value, step_value, fixed_value
		FROM tuning_space
		WHERE strategy_type = ? AND enabled = 1
		ORDER BY param_name ASC`,
		string(strategy),
	)
	if err != nil {
		return nil, fmt.Errorf("query tuning space: %w", err)
	}
	defer rows.Close()

	space := make(map[string]types.ParamSpaceItem)
	for rows.Next() {
		var (
			item             types.ParamSpaceItem
			kind             string
			minS, maxS, step sql.NullString
			fixed            sql.NullString
		)
		if err := rows.Scan(&item.Name, &kind, &minS, &maxS, &step, &fixed); err != nil {
			return nil, fmt.Errorf("scan tuning space row: %w", err)
		}
		item.Kind = types.ValueKind(kind)
		item.Fixed = fixed.String
		err = firstErr(
			assignDecimal(&item.Min, minS),
			assignDecimal(&item.Max, maxS),
			assignDecimal(&item.Step, step),
		)
		if err == nil {
			err = item.Validate()
		}
		if err != nil {
			s.logger.Warn("skipping invalid tuning space row",
				zap.String("strategy", string(strategy)),
				zap.String("param", item.Name),
				zap.Error(err),
			)
			continue
		}
		space[item.Name] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tuning space: %w", err)
	}

	s.logger.Debug("loaded tuning space",
		zap.String("strategy", string(strategy)),
		zap.Int("params", len(space)),
	)
	return space, nil
}

// UpsertSpaceItem inserts or replaces one tuning-space row. Used by the
// admin API and by tests to seed spaces.
func (s *Store) UpsertSpaceItem(ctx context.Context, strategy types.StrategyType, item types.ParamSpaceItem, enabled bool) error {
	if err := item.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tuning_space (strategy_type, param_name, value_kind, min_value, max_value, step_value, fixed_value, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (strategy_type, param_name) DO UPDATE SET
			value_kind = excluded.value_kind,
			min_value = excluded.min_value,
			max_value = excluded.max_value,
			step_value = excluded.step_value,
			fixed_value = excluded.fixed_value,
			enabled = excluded.enabled`,
		string(strategy), item.Name, string(item.Kind),
		decimalString(item.Min), decimalString(item.Max), decimalString(item.Step),
		nullString(item.Fixed), boolInt(enabled),
	)
	if err != nil {
		return fmt.Errorf("upsert tuning space item %q: %w", item.Name, err)
	}
	return nil
}

func assignDecimal(dst **decimal.Decimal, v sql.NullString) error {
	if !v.Valid || v.String == "" {
		*dst = nil
		return nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return fmt.Errorf("parse stored decimal %q: %w", v.String, err)
	}
	*dst = &d
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func decimalString(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
