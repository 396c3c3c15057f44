package types_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantatlas/tuner-backend/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestSessionKeyString(t *testing.T) {
	key := types.SessionKey{
		AccountID: 7,
		Strategy:  types.StrategyScalping,
		Exchange:  "BINANCE",
		Network:   types.NetworkMainnet,
	}
	if got := key.String(); got != "7:SCALPING:BINANCE:MAINNET" {
		t.Errorf("unexpected key string: %s", got)
	}
	if !key.Valid() {
		t.Error("expected key to be valid")
	}

	if (types.SessionKey{}).Valid() {
		t.Error("zero key must not be valid")
	}
}

func TestAsDecimalCoercions(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
		ok   bool
	}{
		{"decimal", dec("1.5"), "1.5", true},
		{"int", 7, "7", true},
		{"int64", int64(-3), "-3", true},
		{"float64", 0.25, "0.25", true},
		{"numeric string", "12.50", "12.5", true},
		{"bool", true, "", false},
		{"nil", nil, "", false},
		{"garbage string", "not-a-number", "", false},
	}
	for _, tc := range cases {
		got, ok := types.AsDecimal(tc.in)
		if ok != tc.ok {
			t.Errorf("%s: ok=%v, want %v", tc.name, ok, tc.ok)
			continue
		}
		if ok && !got.Equal(dec(tc.want)) {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestParamsRoundTrip(t *testing.T) {
	p := types.Params{
		"windowSize":    int64(12),
		"takeProfitPct": dec("1.8"),
		"trailing":      true,
		"mode":          "aggressive",
	}

	raw, err := types.MarshalParams(p)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	back, err := types.UnmarshalParams(raw)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	// Numeric values survive as numbers readable through AsDecimal even
	// though JSON flattens their Go types.
	ws, ok := types.AsDecimal(back["windowSize"])
	if !ok || !ws.Equal(dec("12")) {
		t.Errorf("windowSize did not survive round trip: %v", back["windowSize"])
	}
	tp, ok := types.AsDecimal(back["takeProfitPct"])
	if !ok || !tp.Equal(dec("1.8")) {
		t.Errorf("takeProfitPct did not survive round trip: %v", back["takeProfitPct"])
	}
	if b, ok := types.AsBool(back["trailing"]); !ok || !b {
		t.Errorf("trailing did not survive round trip: %v", back["trailing"])
	}
	if back["mode"] != "aggressive" {
		t.Errorf("mode did not survive round trip: %v", back["mode"])
	}
}

func TestUnmarshalParamsEmpty(t *testing.T) {
	p, err := types.UnmarshalParams("")
	if err != nil {
		t.Fatalf("empty payload must decode: %v", err)
	}
	if len(p) != 0 {
		t.Errorf("expected empty map, got %v", p)
	}
}

func TestParamSpaceItemValidate(t *testing.T) {
	cases := []struct {
		name    string
		item    types.ParamSpaceItem
		wantErr bool
	}{
		{"valid int", types.ParamSpaceItem{Name: "windowSize", Kind: types.KindInt, Min: decPtr("5"), Max: decPtr("30"), Step: decPtr("1")}, false},
		{"valid decimal", types.ParamSpaceItem{Name: "tp", Kind: types.KindDecimal, Min: decPtr("0.5"), Max: decPtr("3"), Step: decPtr("0.1")}, false},
		{"boolean needs no bounds", types.ParamSpaceItem{Name: "trailing", Kind: types.KindBoolean}, false},
		{"min above max", types.ParamSpaceItem{Name: "x", Kind: types.KindInt, Min: decPtr("10"), Max: decPtr("5"), Step: decPtr("1")}, true},
		{"zero step", types.ParamSpaceItem{Name: "x", Kind: types.KindDecimal, Min: decPtr("0"), Max: decPtr("1"), Step: decPtr("0")}, true},
		{"fractional int bound", types.ParamSpaceItem{Name: "x", Kind: types.KindInt, Min: decPtr("1.5"), Max: decPtr("5"), Step: decPtr("1")}, true},
		{"missing bounds", types.ParamSpaceItem{Name: "x", Kind: types.KindInt}, true},
		{"unknown kind", types.ParamSpaceItem{Name: "x", Kind: "WEIRD"}, true},
		{"empty name", types.ParamSpaceItem{Kind: types.KindBoolean}, true},
	}
	for _, tc := range cases {
		err := tc.item.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err=%v, wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestStepsCount(t *testing.T) {
	item := types.ParamSpaceItem{
		Name: "tp", Kind: types.KindDecimal,
		Min: decPtr("0.5"), Max: decPtr("3.0"), Step: decPtr("0.4"),
	}
	// (3.0 - 0.5) / 0.4 = 6.25 -> 6 steps above min.
	if got := item.StepsCount(); got != 6 {
		t.Errorf("StepsCount = %d, want 6", got)
	}
}
