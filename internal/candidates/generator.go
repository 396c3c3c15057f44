// Package candidates samples concrete parameter sets from a tuning space.
package candidates

import (
	"math/rand"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quantatlas/tuner-backend/pkg/types"
)

// Generator produces candidate parameter sets from a tuning space.
type Generator interface {
	Generate(space map[string]types.ParamSpaceItem, count int, seed int64) []types.TuningCandidate
}

// RandomGenerator draws candidates uniformly from each parameter's domain,
// quantized to the parameter's step. Identical (space, count, seed) inputs
// always yield the identical ordered candidate list: the generator seeds its
// own source and walks parameters in name order.
type RandomGenerator struct{}

// NewRandomGenerator creates a seeded-uniform candidate generator.
func NewRandomGenerator() *RandomGenerator { return &RandomGenerator{} }

// Generate samples count candidates. An empty space yields an empty list;
// there is nothing to tune, which is not an error.
func (g *RandomGenerator) Generate(space map[string]types.ParamSpaceItem, count int, seed int64) []types.TuningCandidate {
	if len(space) == 0 || count <= 0 {
		return nil
	}

	names := make([]string, 0, len(space))
	for name := range space {
		names = append(names, name)
	}
	sort.Strings(names)

	rng := rand.New(rand.NewSource(seed))
	out := make([]types.TuningCandidate, 0, count)

	for i := 0; i < count; i++ {
		params := make(types.Params, len(names))
		for _, name := range names {
			params[name] = sampleValue(space[name], rng)
		}
		out = append(out, types.TuningCandidate{Params: params})
	}
	return out
}

func sampleValue(item types.ParamSpaceItem, rng *rand.Rand) any {
	switch item.Kind {
	case types.KindBoolean:
		return rng.Intn(2) == 1
	case types.KindString:
		// Fixed value, untouched across candidates.
		return item.Fixed
	}

	// INT/DECIMAL: pick a step index in [0, steps] and offset from min.
	steps := item.StepsCount()
	k := int64(0)
	if steps > 0 {
		k = rng.Int63n(steps + 1)
	}
	v := item.Min.Add(item.Step.Mul(decimal.NewFromInt(k)))
	if v.GreaterThan(*item.Max) {
		v = *item.Max
	}

	if item.Kind == types.KindInt {
		return v.IntPart()
	}
	return v
}
