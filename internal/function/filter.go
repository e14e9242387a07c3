package function

import (
	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/formula"
)

// filterCondition drops the value when the condition is true.
type filterCondition struct {
	formulas *formula.Cache
}

func (f *filterCondition) ID() string {
	return FilterCondition
}

func (f *filterCondition) Apply(ctx *Context, params entity.Parameters, state *State, value interface{}) (bool, error) {
	s := stateOf[pending](state)

	condition, err := f.formulas.Get(params.String("condition", ""))
	if err != nil {
		return false, err
	}

	if formula.IsTrue(condition.Evaluate(ctx.Analog)) {
		s.clear()
		return false, nil
	}

	s.put(value)
	return true, nil
}

func (f *filterCondition) Get(ctx *Context, params entity.Parameters, state *State) (interface{}, error) {
	s, ok := peekState[pending](state)
	if !ok {
		return nil, nil
	}
	return s.take(), nil
}

func (f *filterCondition) Describe(params entity.Parameters) string {
	return describe(FilterCondition, params, "condition")
}
