// Package device holds the local view of the devices behind an endpoint.
package device

import (
	"fmt"
	"sync"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"go.uber.org/zap"
)

// InProcessSource returns the value an attribute pipeline is processing.
type InProcessSource interface {
	InProcess(endpointID, urn, attribute string) (interface{}, bool)
}

// ActionInvoker calls an action on a device.
type ActionInvoker interface {
	Invoke(endpointID, urn, action string, arg interface{}) error
}

// LogInvoker logs the actions instead of calling them.
type LogInvoker struct{}

func (LogInvoker) Invoke(endpointID, urn, action string, arg interface{}) error {
	zap.S().Infow("action invoked", "endpoint_id", endpointID, "device_model_urn", urn, "action", action, "argument", arg)
	return nil
}

type AnalogOption func(a *Analog)

func WithInProcess(source InProcessSource) AnalogOption {
	return func(a *Analog) {
		a.inProcess = source
	}
}

func WithInvoker(invoker ActionInvoker) AnalogOption {
	return func(a *Analog) {
		a.invoker = invoker
	}
}

// Analog is the device of one endpoint for one device model.
// It implements function.Analog.
type Analog struct {
	lock       sync.Mutex
	endpointID string
	model      *entity.DeviceModel
	values     map[string]interface{}
	queue      []entity.Message
	inProcess  InProcessSource
	invoker    ActionInvoker
}

func NewAnalog(endpointID string, model *entity.DeviceModel, opts ...AnalogOption) *Analog {
	a := &Analog{
		endpointID: endpointID,
		model:      model,
		values:     make(map[string]interface{}),
		queue:      make([]entity.Message, 0),
		invoker:    LogInvoker{},
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

func (a *Analog) EndpointID() string {
	return a.endpointID
}

func (a *Analog) DeviceModelURN() string {
	return a.model.URN
}

func (a *Analog) DeviceModel() *entity.DeviceModel {
	return a.model
}

// Value returns the current value of the attribute. An attribute never set has its default value.
func (a *Analog) Value(name string) (interface{}, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.value(name)
}

func (a *Analog) value(name string) (interface{}, bool) {
	if v, ok := a.values[name]; ok {
		return v, true
	}

	attr, found := a.model.Attribute(name)
	if !found || attr.DefaultValue == nil {
		return nil, false
	}

	v, err := attr.Type.Coerce(attr.DefaultValue)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Set stores the value of the attribute. The value is converted to the attribute type first.
func (a *Analog) Set(name string, value interface{}) error {
	v, err := a.Coerce(name, value)
	if err != nil {
		return err
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	a.values[name] = v
	return nil
}

// Coerce converts value to the type of the attribute. Attributes unknown to the model are not converted.
func (a *Analog) Coerce(name string, value interface{}) (interface{}, error) {
	attr, found := a.model.Attribute(name)
	if !found {
		return value, nil
	}

	v, err := attr.Type.Coerce(value)
	if err != nil {
		return nil, fmt.Errorf("attribute '%s' of type %s: %w", name, attr.Type, err)
	}
	return v, nil
}

// Attribute returns the numeric current value of the attribute.
func (a *Analog) Attribute(name string) (float64, bool) {
	v, ok := a.Value(name)
	if !ok {
		return 0, false
	}

	f, err := entity.ToFloat(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

// InProcessAttribute returns the numeric value being processed by the pipeline of the attribute
// or its current value.
func (a *Analog) InProcessAttribute(name string) (float64, bool) {
	if a.inProcess != nil {
		if v, ok := a.inProcess.InProcess(a.endpointID, a.model.URN, name); ok {
			f, err := entity.ToFloat(v)
			if err != nil {
				return 0, false
			}
			return f, true
		}
	}
	return a.Attribute(name)
}

func (a *Analog) QueueMessage(m entity.Message) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.queue = append(a.queue, m)
}

// Drain returns the queued messages and empties the queue.
func (a *Analog) Drain() []entity.Message {
	a.lock.Lock()
	defer a.lock.Unlock()

	queued := a.queue
	a.queue = make([]entity.Message, 0)

	return queued
}

func (a *Analog) Invoke(action string, arg interface{}) error {
	act, found := a.model.Action(action)
	if !found {
		return fmt.Errorf("%w: unknown action '%s' for device model '%s'", entity.ErrInvalidParameter, action, a.model.URN)
	}

	if act.ArgType != "" && arg != nil {
		v, err := act.ArgType.Coerce(arg)
		if err != nil {
			return fmt.Errorf("action '%s': %w", action, err)
		}
		arg = v
	}

	return a.invoker.Invoke(a.endpointID, a.model.URN, action, arg)
}
