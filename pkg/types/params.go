package types

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Params is a full parameter-name -> value mapping. Values are one of
// int64, decimal.Decimal, bool or string when produced in-process; after a
// JSON round-trip through the store they may come back as float64 or string,
// so all numeric consumers go through AsDecimal.
type Params map[string]any

// Clone returns a shallow copy. Values are immutable scalars, so a shallow
// copy is a safe snapshot.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// SortedKeys returns the parameter names in lexical order. Candidate
// generation and delta computations iterate in this order so results are
// reproducible.
func (p Params) SortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalParams encodes a parameter map for persistence.
func MarshalParams(p Params) (string, error) {
	if p == nil {
		p = Params{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// UnmarshalParams decodes a persisted parameter map. An empty payload is an
// empty map, not an error.
func UnmarshalParams(raw string) (Params, error) {
	if strings.TrimSpace(raw) == "" {
		return Params{}, nil
	}
	var p Params
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return p, nil
}

// AsDecimal coerces a parameter value to a decimal. The second return is
// false for nil, booleans, and non-numeric strings; such values are skipped
// by numeric checks rather than treated as violations.
func AsDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case *decimal.Decimal:
		if x == nil {
			return decimal.Zero, false
		}
		return *x, true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case float64:
		return decimal.NewFromFloat(x), true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// AsBool coerces a parameter value to a bool.
func AsBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}
