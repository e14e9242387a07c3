package function

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/formula"
	"go.uber.org/zap"
)

// alertCondition queues an alert when the condition is true.
// With filter=true (the default) the value which raised the alert is dropped.
type alertCondition struct {
	formulas *formula.Cache
}

func (a *alertCondition) ID() string {
	return AlertCondition
}

func (a *alertCondition) Apply(ctx *Context, params entity.Parameters, state *State, value interface{}) (bool, error) {
	s := stateOf[pending](state)

	fired, err := evaluateCondition(a.formulas, ctx, params)
	if err != nil {
		return false, err
	}

	if fired {
		alert, err := a.alert(ctx, params)
		if err != nil {
			return false, err
		}
		ctx.Analog.QueueMessage(alert)

		filter, err := params.Bool("filter", true)
		if err != nil {
			return false, err
		}
		if filter {
			s.clear()
			return false, nil
		}
	}

	s.put(value)
	return true, nil
}

func (a *alertCondition) Get(ctx *Context, params entity.Parameters, state *State) (interface{}, error) {
	s, ok := peekState[pending](state)
	if !ok {
		return nil, nil
	}
	return s.take(), nil
}

func (a *alertCondition) Describe(params entity.Parameters) string {
	return describe(AlertCondition, params, "condition", "urn", "severity", "filter")
}

func (a *alertCondition) alert(ctx *Context, params entity.Parameters) (entity.Message, error) {
	urn := params.String("urn", "")
	if urn == "" {
		return entity.Message{}, fmt.Errorf("%w: alert urn is missing", entity.ErrInvalidParameter)
	}

	severity, err := entity.ParseSeverity(params.String("severity", entity.SeveritySignificant.String()))
	if err != nil {
		return entity.Message{}, err
	}

	fields := params.Map("fields")
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]entity.DataItem, 0, len(names))
	for _, name := range names {
		items = append(items, entity.DataItem{Name: name, Value: evaluateField(a.formulas, ctx, fields[name])})
	}

	alert := entity.NewAlertMessage(ctx.Analog.EndpointID(), ctx.Analog.DeviceModelURN(), urn, severity, ctx.Now, items...)
	alert.Description = params.String("description", "")

	return alert, nil
}

// actionCondition invokes a device action when the condition is true.
type actionCondition struct {
	formulas *formula.Cache
}

func (a *actionCondition) ID() string {
	return ActionCondition
}

func (a *actionCondition) Apply(ctx *Context, params entity.Parameters, state *State, value interface{}) (bool, error) {
	s := stateOf[pending](state)

	fired, err := evaluateCondition(a.formulas, ctx, params)
	if err != nil {
		return false, err
	}

	if fired {
		name := params.String("name", "")
		if _, found := ctx.Analog.DeviceModel().Action(name); !found {
			return false, fmt.Errorf("%w: action '%s' is not defined by '%s'", entity.ErrInvalidParameter, name, ctx.Analog.DeviceModelURN())
		}

		var arg interface{}
		if args := params.List("arguments"); len(args) > 0 {
			arg = evaluateField(a.formulas, ctx, args[0])
		}

		if err := ctx.Analog.Invoke(name, arg); err != nil {
			zap.S().Errorw("failed to invoke action", "endpoint_id", ctx.Analog.EndpointID(), "action", name, "error", err)
		}

		filter, err := params.Bool("filter", true)
		if err != nil {
			return false, err
		}
		if filter {
			s.clear()
			return false, nil
		}
	}

	s.put(value)
	return true, nil
}

func (a *actionCondition) Get(ctx *Context, params entity.Parameters, state *State) (interface{}, error) {
	s, ok := peekState[pending](state)
	if !ok {
		return nil, nil
	}
	return s.take(), nil
}

func (a *actionCondition) Describe(params entity.Parameters) string {
	return describe(ActionCondition, params, "condition", "name", "arguments", "filter")
}

// evaluateField evaluates the strings referencing attributes as formulas. Anything else is copied as is.
func evaluateField(formulas *formula.Cache, ctx *Context, raw interface{}) interface{} {
	s, ok := raw.(string)
	if !ok || !strings.Contains(s, "$(") {
		return raw
	}

	f, err := formulas.Get(s)
	if err != nil {
		return s
	}

	return f.Evaluate(ctx.Analog)
}

func evaluateCondition(formulas *formula.Cache, ctx *Context, params entity.Parameters) (bool, error) {
	condition, err := formulas.Get(params.String("condition", ""))
	if err != nil {
		return false, err
	}
	return formula.IsTrue(condition.Evaluate(ctx.Analog)), nil
}
