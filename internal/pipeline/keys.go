package pipeline

import (
	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/function"
)

// StateKey identifies the pipeline of an attribute of an endpoint.
// The device-level pipeline uses entity.AllAttributes as attribute.
type StateKey struct {
	EndpointID     string
	DeviceModelURN string
	Attribute      string
}

func (s StateKey) matches(endpointID, urn string) bool {
	return s.EndpointID == endpointID && s.DeviceModelURN == urn
}

func (s StateKey) deviceLevel() bool {
	return s.Attribute == entity.AllAttributes
}

// WindowKey identifies the window of a function of a pipeline.
type WindowKey struct {
	StateKey
	FunctionID string
}

type runtime struct {
	hash   string
	states []*function.State
}

// state returns the state of the function at index. The list grows as the functions are first invoked.
func (r *runtime) state(index int) *function.State {
	for len(r.states) <= index {
		r.states = append(r.states, &function.State{})
	}
	return r.states[index]
}
