package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/internal/store"
	"github.com/quantatlas/tuner-backend/pkg/types"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(zap.NewNop(), ":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testKey() types.SessionKey {
	return types.SessionKey{
		AccountID: 42,
		Strategy:  types.StrategyScalping,
		Exchange:  "BINANCE",
		Network:   types.NetworkTestnet,
	}
}

func decPtr(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return &d
}

func TestGetOrCreateSettings(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first, err := st.GetOrCreateSettings(ctx, testKey())
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if first.Symbol == "" || first.Timeframe == "" {
		t.Error("defaults must carry a symbol and timeframe")
	}
	if len(first.Params) != 0 {
		t.Errorf("fresh settings must have empty params, got %v", first.Params)
	}

	// Second call returns the same row, not a new one.
	second, err := st.GetOrCreateSettings(ctx, testKey())
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if second.Symbol != first.Symbol || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Error("second call must return the existing row")
	}

	if _, err := st.GetOrCreateSettings(ctx, types.SessionKey{}); err == nil {
		t.Error("invalid key must be rejected")
	}
}

func TestUpdateSettingsParams(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetOrCreateSettings(ctx, testKey()); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	params := types.Params{"windowSize": int64(12), "takeProfitPct": 1.5}
	if err := st.UpdateSettingsParams(ctx, testKey(), params); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := st.GetOrCreateSettings(ctx, testKey())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	ws, ok := types.AsDecimal(got.Params["windowSize"])
	if !ok || !ws.Equal(decimal.NewFromInt(12)) {
		t.Errorf("windowSize not persisted: %v", got.Params)
	}

	other := testKey()
	other.AccountID = 999
	if err := st.UpdateSettingsParams(ctx, other, params); err == nil {
		t.Error("updating a missing row must fail")
	}
}

func TestTuningSpaceRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	items := []types.ParamSpaceItem{
		{Name: "windowSize", Kind: types.KindInt, Min: decPtr("5"), Max: decPtr("30"), Step: decPtr("1")},
		{Name: "takeProfitPct", Kind: types.KindDecimal, Min: decPtr("0.5"), Max: decPtr("3"), Step: decPtr("0.1")},
		{Name: "trailing", Kind: types.KindBoolean},
	}
	for _, item := range items {
		if err := st.UpsertSpaceItem(ctx, types.StrategyScalping, item, true); err != nil {
			t.Fatalf("upsert %s failed: %v", item.Name, err)
		}
	}
	// A disabled item must not show up.
	disabled := types.ParamSpaceItem{Name: "hidden", Kind: types.KindBoolean}
	if err := st.UpsertSpaceItem(ctx, types.StrategyScalping, disabled, false); err != nil {
		t.Fatalf("upsert disabled failed: %v", err)
	}

	space, err := st.LoadEnabledSpace(ctx, types.StrategyScalping)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(space) != 3 {
		t.Fatalf("expected 3 enabled items, got %d", len(space))
	}
	if _, ok := space["hidden"]; ok {
		t.Error("disabled item must not be loaded")
	}
	ws := space["windowSize"]
	if ws.Kind != types.KindInt || !ws.Min.Equal(decimal.NewFromInt(5)) || !ws.Max.Equal(decimal.NewFromInt(30)) {
		t.Errorf("windowSize bounds did not survive: %+v", ws)
	}

	// Upsert replaces in place.
	ws.Max = decPtr("60")
	if err := st.UpsertSpaceItem(ctx, types.StrategyScalping, ws, true); err != nil {
		t.Fatalf("re-upsert failed: %v", err)
	}
	space, _ = st.LoadEnabledSpace(ctx, types.StrategyScalping)
	if !space["windowSize"].Max.Equal(decimal.NewFromInt(60)) {
		t.Error("upsert did not replace the row")
	}

	// Other strategies see nothing.
	other, err := st.LoadEnabledSpace(ctx, types.StrategyFibonacciGrid)
	if err != nil {
		t.Fatalf("load other failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected empty space for other strategy, got %d items", len(other))
	}
}

func TestApplyTuningAtomicPair(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	key := testKey()

	apply := func(windowSize int64, before, after string) (int64, int64) {
		t.Helper()
		patch := &types.OverridePatch{
			Session:      key,
			Patch:        types.Params{"windowSize": windowSize},
			Source:       types.SourceAuto,
			Reason:       "test pass",
			ModelVersion: "autotune-v1",
			Confidence:   0.7,
		}
		run := &types.TuningRun{
			Session:      key,
			Symbol:       "BTCUSDT",
			Timeframe:    "1m",
			OldParams:    types.Params{"windowSize": int64(10)},
			NewParams:    types.Params{"windowSize": windowSize},
			ScoreBefore:  decPtr(before),
			ScoreAfter:   decPtr(after),
			ModelVersion: "autotune-v1",
		}
		overrideID, runID, err := st.ApplyTuning(ctx, patch, run)
		if err != nil {
			t.Fatalf("ApplyTuning failed: %v", err)
		}
		return overrideID, runID
	}

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	firstID, _ := apply(12, "1.0", "2.0")

	active, err := st.ActivePatch(ctx, key, now)
	if err != nil {
		t.Fatalf("ActivePatch failed: %v", err)
	}
	if active == nil || active.ID != firstID {
		t.Fatal("first override must be active")
	}

	// A second pass supersedes the first.
	now = now.Add(time.Hour)
	st.SetClock(func() time.Time { return now })
	secondID, _ := apply(14, "2.0", "3.0")

	active, err = st.ActivePatch(ctx, key, now)
	if err != nil {
		t.Fatalf("ActivePatch after supersede failed: %v", err)
	}
	if active == nil || active.ID != secondID {
		t.Fatal("second override must be the active one")
	}
	ws, _ := types.AsDecimal(active.Patch["windowSize"])
	if !ws.Equal(decimal.NewFromInt(14)) {
		t.Errorf("active patch carries wrong value: %s", ws)
	}

	history, err := st.OverrideHistory(ctx, key, 0)
	if err != nil {
		t.Fatalf("OverrideHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 override rows, got %d", len(history))
	}
	if history[0].ID != secondID || !history[0].Active {
		t.Error("most recent override must come first and be active")
	}
	if history[1].ID != firstID || history[1].Active {
		t.Error("superseded override must be inactive")
	}

	runs, err := st.RunHistory(ctx, key, 0)
	if err != nil {
		t.Fatalf("RunHistory failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected exactly 2 audit rows, got %d", len(runs))
	}
	if runs[0].ScoreAfter == nil || !runs[0].ScoreAfter.Equal(decimal.NewFromInt(3)) {
		t.Errorf("latest run scoreAfter wrong: %v", runs[0].ScoreAfter)
	}

	latest, err := st.LatestRun(ctx, key)
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if latest == nil || latest.ID != runs[0].ID {
		t.Error("LatestRun must return the newest audit row")
	}
}

func TestTimestampOrderingWithinSecond(t *testing.T) {
	// Timestamps are stored as text and ordered lexicographically, so a row
	// written at an exact second must not sort after one written half a
	// second later within the same second.
	st := openTestStore(t)
	ctx := context.Background()
	key := testKey()

	apply := func(version string) {
		t.Helper()
		patch := &types.OverridePatch{
			Session:      key,
			Patch:        types.Params{"windowSize": int64(12)},
			Source:       types.SourceAuto,
			Reason:       "test pass",
			ModelVersion: version,
		}
		run := &types.TuningRun{
			Session:      key,
			Symbol:       "BTCUSDT",
			Timeframe:    "1m",
			OldParams:    types.Params{"windowSize": int64(10)},
			NewParams:    types.Params{"windowSize": int64(12)},
			ModelVersion: version,
		}
		if _, _, err := st.ApplyTuning(ctx, patch, run); err != nil {
			t.Fatalf("ApplyTuning failed: %v", err)
		}
	}

	exact := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return exact })
	apply("first")

	st.SetClock(func() time.Time { return exact.Add(500 * time.Millisecond) })
	apply("second")

	latest, err := st.LatestRun(ctx, key)
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if latest == nil || latest.ModelVersion != "second" {
		t.Fatalf("LatestRun returned the wrong row: %+v", latest)
	}

	history, err := st.OverrideHistory(ctx, key, 0)
	if err != nil {
		t.Fatalf("OverrideHistory failed: %v", err)
	}
	if len(history) != 2 || history[0].ModelVersion != "second" {
		t.Fatalf("override history out of order: %+v", history)
	}
}

func TestActivePatchLazyExpiry(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	key := testKey()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	expires := created.Add(2 * time.Hour)
	st.SetClock(func() time.Time { return created })

	patch := &types.OverridePatch{
		Session:   key,
		Patch:     types.Params{"windowSize": int64(12)},
		Source:    types.SourceAuto,
		ExpiresAt: &expires,
	}
	run := &types.TuningRun{Session: key, NewParams: patch.Patch}
	if _, _, err := st.ApplyTuning(ctx, patch, run); err != nil {
		t.Fatalf("ApplyTuning failed: %v", err)
	}

	// Before expiry the patch reads back.
	active, err := st.ActivePatch(ctx, key, created.Add(time.Hour))
	if err != nil || active == nil {
		t.Fatalf("expected active patch before expiry, got %v, %v", active, err)
	}

	// After expiry the read deactivates the row and returns nothing.
	active, err = st.ActivePatch(ctx, key, expires.Add(time.Minute))
	if err != nil {
		t.Fatalf("expired read failed: %v", err)
	}
	if active != nil {
		t.Fatal("expired patch must not be returned")
	}

	history, _ := st.OverrideHistory(ctx, key, 0)
	if len(history) != 1 || history[0].Active {
		t.Error("expired row must be deactivated in place")
	}
}

func TestActivePatchNone(t *testing.T) {
	st := openTestStore(t)
	active, err := st.ActivePatch(context.Background(), testKey(), time.Now())
	if err != nil {
		t.Fatalf("ActivePatch on empty store failed: %v", err)
	}
	if active != nil {
		t.Error("empty store must yield no active patch")
	}

	latest, err := st.LatestRun(context.Background(), testKey())
	if err != nil {
		t.Fatalf("LatestRun on empty store failed: %v", err)
	}
	if latest != nil {
		t.Error("empty store must yield no latest run")
	}
}
