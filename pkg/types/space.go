package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValueKind is the value domain of one tunable parameter.
type ValueKind string

const (
	KindInt     ValueKind = "INT"
	KindDecimal ValueKind = "DECIMAL"
	KindBoolean ValueKind = "BOOLEAN"
	KindString  ValueKind = "STRING"
)

// ParamSpaceItem describes the domain of one tunable parameter. Min/Max/Step
// are required for INT and DECIMAL and absent for BOOLEAN; STRING items carry
// a single fixed value and pass through candidate generation unchanged.
type ParamSpaceItem struct {
	Name  string           `json:"name"`
	Kind  ValueKind        `json:"kind"`
	Min   *decimal.Decimal `json:"min,omitempty"`
	Max   *decimal.Decimal `json:"max,omitempty"`
	Step  *decimal.Decimal `json:"step,omitempty"`
	Fixed string           `json:"fixed,omitempty"`
}

// Validate checks the domain invariants: min <= max, step > 0, and for INT
// all three bounds integral. Invalid items are rejected at load time so the
// pipeline sees only well-formed spaces.
func (it ParamSpaceItem) Validate() error {
	if it.Name == "" {
		return fmt.Errorf("param space item: empty name")
	}
	switch it.Kind {
	case KindBoolean, KindString:
		return nil
	case KindInt, KindDecimal:
	default:
		return fmt.Errorf("param %q: unknown value kind %q", it.Name, it.Kind)
	}

	if it.Min == nil || it.Max == nil || it.Step == nil {
		return fmt.Errorf("param %q: min/max/step required for %s", it.Name, it.Kind)
	}
	if it.Min.GreaterThan(*it.Max) {
		return fmt.Errorf("param %q: min %s > max %s", it.Name, it.Min, it.Max)
	}
	if it.Step.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("param %q: step %s <= 0", it.Name, it.Step)
	}
	if it.Kind == KindInt {
		for _, v := range []*decimal.Decimal{it.Min, it.Max, it.Step} {
			if !v.IsInteger() {
				return fmt.Errorf("param %q: INT bounds must be integral, got %s", it.Name, v)
			}
		}
	}
	return nil
}

// StepsCount returns the number of valid steps above Min, i.e.
// floor((max-min)/step). Only meaningful for INT/DECIMAL items.
func (it ParamSpaceItem) StepsCount() int64 {
	if it.Min == nil || it.Max == nil || it.Step == nil {
		return 0
	}
	return it.Max.Sub(*it.Min).Div(*it.Step).Floor().IntPart()
}
