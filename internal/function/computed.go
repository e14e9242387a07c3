package function

import (
	"math"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/formula"
)

// computedMetric replaces the value with the result of its formula.
type computedMetric struct {
	formulas *formula.Cache
}

func (c *computedMetric) ID() string {
	return ComputedMetric
}

func (c *computedMetric) Apply(ctx *Context, params entity.Parameters, state *State, value interface{}) (bool, error) {
	s := stateOf[pending](state)

	f, err := c.formulas.Get(params.String("formula", ""))
	if err != nil {
		return false, err
	}

	result := f.Evaluate(ctx.Analog)
	if math.IsNaN(result) || math.IsInf(result, 0) {
		s.clear()
		return false, nil
	}

	s.put(result)
	return true, nil
}

func (c *computedMetric) Get(ctx *Context, params entity.Parameters, state *State) (interface{}, error) {
	s, ok := peekState[pending](state)
	if !ok {
		return nil, nil
	}
	return s.take(), nil
}

func (c *computedMetric) Describe(params entity.Parameters) string {
	return describe(ComputedMetric, params, "formula")
}
