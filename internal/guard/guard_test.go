package guard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/internal/config"
	"github.com/quantatlas/tuner-backend/internal/guard"
	"github.com/quantatlas/tuner-backend/pkg/types"
)

type fakeRuns struct {
	run *types.TuningRun
	err error
}

func (f *fakeRuns) LatestRun(_ context.Context, _ types.SessionKey) (*types.TuningRun, error) {
	return f.run, f.err
}

func testKey() types.SessionKey {
	return types.SessionKey{
		AccountID: 1,
		Strategy:  types.StrategyScalping,
		Exchange:  "BINANCE",
		Network:   types.NetworkTestnet,
	}
}

func newGuard(runs *fakeRuns) *guard.Guard {
	cfg := config.GuardConfig{
		MaxDeltaPct:     0.25,
		RequireTpGteSl:  true,
		MinHoursBetween: 6 * time.Hour,
	}
	return guard.New(zap.NewNop(), cfg, runs)
}

func TestCheckCandidateMagnitude(t *testing.T) {
	g := newGuard(&fakeRuns{})
	current := types.Params{"windowSize": int64(10)}

	// 10 -> 20 is a 100% change, far past the 25% limit.
	d := g.CheckCandidate(testKey(), current, types.TuningCandidate{
		Params: types.Params{"windowSize": int64(20)},
	})
	if d.Allowed {
		t.Error("100% change must be denied")
	}
	if d.Reason == "" {
		t.Error("denial must carry a reason")
	}

	// 10 -> 12 is 20%, inside the limit.
	d = g.CheckCandidate(testKey(), current, types.TuningCandidate{
		Params: types.Params{"windowSize": int64(12)},
	})
	if !d.Allowed {
		t.Errorf("20%% change must be allowed, got: %s", d.Reason)
	}
}

func TestCheckCandidateSkipsUnsharedFields(t *testing.T) {
	g := newGuard(&fakeRuns{})

	// Fields missing on one side or non-numeric are skipped, not denied.
	d := g.CheckCandidate(testKey(),
		types.Params{"mode": "fast"},
		types.TuningCandidate{Params: types.Params{"windowSize": int64(50), "mode": "slow"}},
	)
	if !d.Allowed {
		t.Errorf("unshared fields must not deny: %s", d.Reason)
	}
}

func TestCheckCandidateTakeProfitVsStopLoss(t *testing.T) {
	g := newGuard(&fakeRuns{})
	current := types.Params{"takeProfitPct": 100.0, "stopLossPct": 100.0}

	d := g.CheckCandidate(testKey(), current, types.TuningCandidate{
		Params: types.Params{"takeProfitPct": 100.0, "stopLossPct": 110.0},
	})
	if d.Allowed {
		t.Error("take-profit below stop-loss must be denied")
	}

	d = g.CheckCandidate(testKey(), current, types.TuningCandidate{
		Params: types.Params{"takeProfitPct": 120.0, "stopLossPct": 110.0},
	})
	if !d.Allowed {
		t.Errorf("take-profit above stop-loss must pass, got: %s", d.Reason)
	}
}

func TestCheckCandidateEmpty(t *testing.T) {
	g := newGuard(&fakeRuns{})
	if d := g.CheckCandidate(testKey(), types.Params{}, types.TuningCandidate{}); d.Allowed {
		t.Error("empty candidate must be denied")
	}
}

func TestCheckFrequency(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		lastRun *time.Time
		allowed bool
	}{
		{"no prior run", nil, true},
		{"tuned one hour ago", timePtr(now.Add(-1 * time.Hour)), false},
		{"tuned seven hours ago", timePtr(now.Add(-7 * time.Hour)), true},
	}
	for _, tc := range cases {
		runs := &fakeRuns{}
		if tc.lastRun != nil {
			runs.run = &types.TuningRun{Session: testKey(), CreatedAt: *tc.lastRun}
		}
		g := newGuard(runs)
		g.SetClock(func() time.Time { return now })

		d := g.CheckFrequency(context.Background(), testKey())
		if d.Allowed != tc.allowed {
			t.Errorf("%s: allowed=%v, want %v (%s)", tc.name, d.Allowed, tc.allowed, d.Reason)
		}
	}
}

func TestCheckFrequencyStoreError(t *testing.T) {
	g := newGuard(&fakeRuns{err: errors.New("db locked")})
	if d := g.CheckFrequency(context.Background(), testKey()); d.Allowed {
		t.Error("a failing audit read must not allow tuning")
	}
}

func timePtr(t time.Time) *time.Time { return &t }
