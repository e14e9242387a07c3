// Package function holds the catalog of policy functions which compose a pipeline.
//
// A function is stateless: everything it needs to remember between two calls is kept in
// the State owned by the pipeline. Apply consumes a value and reports whether the pipeline
// should call Get now. Get produces the transformed value and clears the one-shot state.
package function

import (
	"fmt"
	"time"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/formula"
)

const (
	FilterCondition     = "filterCondition"
	AlertCondition      = "alertCondition"
	ActionCondition     = "actionCondition"
	ComputedMetric      = "computedMetric"
	BatchByTime         = "batchByTime"
	BatchBySize         = "batchBySize"
	BatchByCost         = "batchByCost"
	DetectDuplicates    = "detectDuplicates"
	EliminateDuplicates = "eliminateDuplicates"
	SampleQuality       = "sampleQuality"
	Mean                = "mean"
	Min                 = "min"
	Max                 = "max"
	StandardDeviation   = "standardDeviation"
)

// Analog is the view of the device a function works on.
type Analog interface {
	formula.Env

	EndpointID() string
	DeviceModelURN() string
	DeviceModel() *entity.DeviceModel
	// QueueMessage queues a message (i.e. an alert) created by a function.
	QueueMessage(m entity.Message)
	// Invoke calls a device action.
	Invoke(action string, arg interface{}) error
}

// WindowClock knows when the scheduled windows expire.
type WindowClock interface {
	// Expiry returns the next expiry of the (window, slide) pair. It returns false if the pair is not scheduled.
	Expiry(window, slide time.Duration) (time.Time, bool)
}

type Context struct {
	Analog Analog
	// Attribute is the attribute processed by the pipeline. It is empty for device-level pipelines.
	Attribute string
	Now       time.Time
	// Windows is nil when the windows are expired inline.
	Windows WindowClock
}

// windowStart returns the start of the oldest window of (window, slide) open at ctx.Now.
// The windows start with the first value unless they are scheduled.
func (ctx *Context) windowStart(window, slide time.Duration) time.Time {
	if ctx.Windows == nil {
		return ctx.Now
	}

	expiry, found := ctx.Windows.Expiry(window, slide)
	if !found {
		return ctx.Now
	}

	return expiry.Add(-window)
}

// State is the opaque storage of one function of one pipeline.
type State struct {
	data interface{}
}

func (s *State) Reset() {
	s.data = nil
}

// stateOf returns the typed state kept in s, creating it on first use.
func stateOf[T any](s *State) *T {
	if v, ok := s.data.(*T); ok {
		return v
	}
	v := new(T)
	s.data = v
	return v
}

// peekState returns the typed state kept in s without creating it.
func peekState[T any](s *State) (*T, bool) {
	v, ok := s.data.(*T)
	return v, ok
}

type Function interface {
	ID() string
	// Apply consumes value. It returns true if Get must be called now.
	Apply(ctx *Context, params entity.Parameters, state *State, value interface{}) (bool, error)
	// Get returns the value produced by the function or nil if there is nothing to produce.
	Get(ctx *Context, params entity.Parameters, state *State) (interface{}, error)
	// Describe returns a short description used in diagnostics.
	Describe(params entity.Parameters) string
}

// Scheduled is implemented by the functions whose Apply always returns false.
// Their Get is called by the window expiry scheduler.
type Scheduled interface {
	Function
	Schedule(params entity.Parameters) (window, slide time.Duration, err error)
}

// Batch is the value produced by the batching functions.
type Batch []interface{}

// pending holds the value waiting for Get.
type pending struct {
	value interface{}
	set   bool
}

func (p *pending) put(v interface{}) {
	p.value = v
	p.set = true
}

func (p *pending) take() interface{} {
	v := p.value
	p.value = nil
	p.set = false
	return v
}

func (p *pending) clear() {
	p.take()
}

func describe(id string, params entity.Parameters, keys ...string) string {
	s := id + "("
	first := true
	for _, k := range keys {
		if !params.Has(k) {
			continue
		}
		if !first {
			s += ", "
		}
		first = false
		switch k {
		case "window", "slide":
			d, _, _ := params.Duration(k)
			s += fmt.Sprintf("%s: %s", k, d)
		default:
			s += fmt.Sprintf("%s: %v", k, params[k])
		}
	}
	return s + ")"
}
