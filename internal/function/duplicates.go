package function

import (
	"math"
	"reflect"
	"time"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"go.uber.org/zap"
)

type lastValue struct {
	last  interface{}
	seen  bool
	since time.Time
}

type eliminateState struct {
	lastValue
	pending
}

// eliminateDuplicates drops a value equal to the previous one until the window elapses.
// Without window a repeated value is dropped forever.
type eliminateDuplicates struct{}

func (e *eliminateDuplicates) ID() string {
	return EliminateDuplicates
}

func (e *eliminateDuplicates) Apply(ctx *Context, params entity.Parameters, state *State, value interface{}) (bool, error) {
	window, err := params.Window()
	if err != nil {
		return false, err
	}

	s := stateOf[eliminateState](state)

	if s.seen && sameValue(s.last, value) && (window == 0 || ctx.Now.Sub(s.since) < window) {
		s.clear()
		return false, nil
	}

	// the first value of a run opens the window
	s.last = value
	s.seen = true
	s.since = ctx.Now

	s.put(value)
	return true, nil
}

func (e *eliminateDuplicates) Get(ctx *Context, params entity.Parameters, state *State) (interface{}, error) {
	s, ok := peekState[eliminateState](state)
	if !ok {
		return nil, nil
	}
	return s.take(), nil
}

func (e *eliminateDuplicates) Describe(params entity.Parameters) string {
	return describe(EliminateDuplicates, params, "window")
}

type detectState struct {
	lastValue
	pending
	alerted bool
}

// detectDuplicates passes every value and queues one alert per burst of duplicates.
// With a window the burst is cut every window.
type detectDuplicates struct{}

func (d *detectDuplicates) ID() string {
	return DetectDuplicates
}

func (d *detectDuplicates) Apply(ctx *Context, params entity.Parameters, state *State, value interface{}) (bool, error) {
	window, err := params.Window()
	if err != nil {
		return false, err
	}

	s := stateOf[detectState](state)

	if s.seen && sameValue(s.last, value) {
		if window > 0 && ctx.Now.Sub(s.since) >= window {
			s.since = ctx.Now
			s.alerted = false
		}
		if !s.alerted {
			if err := d.alert(ctx, params, value); err != nil {
				return false, err
			}
			s.alerted = true
		}
	} else {
		s.last = value
		s.seen = true
		s.since = ctx.Now
		s.alerted = false
	}

	s.put(value)
	return true, nil
}

func (d *detectDuplicates) Get(ctx *Context, params entity.Parameters, state *State) (interface{}, error) {
	s, ok := peekState[detectState](state)
	if !ok {
		return nil, nil
	}
	return s.take(), nil
}

func (d *detectDuplicates) Describe(params entity.Parameters) string {
	return describe(DetectDuplicates, params, "window", "alertFormatURN", "alertSeverity")
}

func (d *detectDuplicates) alert(ctx *Context, params entity.Parameters, value interface{}) error {
	urn := params.String("alertFormatURN", "")
	if urn == "" {
		zap.S().Warnw("duplicate detected but no alert format configured", "endpoint_id", ctx.Analog.EndpointID(), "attribute", ctx.Attribute)
		return nil
	}

	severity, err := entity.ParseSeverity(params.String("alertSeverity", entity.SeveritySignificant.String()))
	if err != nil {
		return err
	}

	name := ctx.Attribute
	if name == "" {
		name = entity.AllAttributes
	}

	ctx.Analog.QueueMessage(entity.NewAlertMessage(
		ctx.Analog.EndpointID(),
		ctx.Analog.DeviceModelURN(),
		urn,
		severity,
		ctx.Now,
		entity.DataItem{Name: name, Value: value},
	))

	return nil
}

// sameValue compares two attribute values. Numbers are compared by value whatever their type.
func sameValue(a, b interface{}) bool {
	if ma, ok := a.(entity.Message); ok {
		mb, ok := b.(entity.Message)
		if !ok {
			return false
		}
		return ma.Kind == mb.Kind && ma.Format == mb.Format && ma.Severity == mb.Severity && reflect.DeepEqual(ma.Items, mb.Items)
	}

	_, aString := a.(string)
	_, bString := b.(string)
	if !aString && !bString {
		fa, errA := entity.ToFloat(a)
		fb, errB := entity.ToFloat(b)
		if errA == nil && errB == nil {
			if math.IsNaN(fa) && math.IsNaN(fb) {
				return true
			}
			return fa == fb
		}
	}

	return reflect.DeepEqual(a, b)
}
