// Package pipeline runs the pipelines of a device policy and owns their runtime state.
package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/function"
	"github.com/tupyy/device-policy-ng/internal/metrics"
	"go.uber.org/zap"
)

const (
	attributePipeline = "attribute"
	devicePipeline    = "device"
)

type Option func(e *Executor)

// WithInlineWindows makes the executor expire the windows of the scheduled functions on updates.
// It is used when no window scheduler is running.
func WithInlineWindows() Option {
	return func(e *Executor) {
		e.inlineWindows = true
	}
}

// WithWindowClock aligns the windows of the scheduled functions to the windows of clock.
func WithWindowClock(clock function.WindowClock) Option {
	return func(e *Executor) {
		e.clock = clock
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// Executor runs pipelines. It keeps the runtime state of every pipeline, the start of the windows
// and the values being processed. All of them live as long as the process unless Reset or Clear is called.
type Executor struct {
	lock          sync.Mutex
	catalog       *function.Catalog
	states        map[StateKey]*runtime
	hashes        map[StateKey]pipelineHash
	windows       map[WindowKey]time.Time
	inProcess     map[StateKey]interface{}
	broken        map[StateKey]string
	inlineWindows bool
	clock         function.WindowClock
	metrics       *metrics.Metrics
}

func New(catalog *function.Catalog, opts ...Option) *Executor {
	e := &Executor{
		catalog: catalog,
	}
	e.init()

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Executor) init() {
	e.states = make(map[StateKey]*runtime)
	e.hashes = make(map[StateKey]pipelineHash)
	e.windows = make(map[WindowKey]time.Time)
	e.inProcess = make(map[StateKey]interface{})
	e.broken = make(map[StateKey]string)
}

func (e *Executor) Catalog() *function.Catalog {
	return e.catalog
}

// ApplyAttribute runs the pipeline of attribute against value.
// It returns false if the value did not make it through the pipeline. An error means the value is dropped.
func (e *Executor) ApplyAttribute(analog function.Analog, attribute string, pipeline []entity.FunctionConfig, value interface{}, now time.Time) (interface{}, bool, error) {
	key := StateKey{EndpointID: analog.EndpointID(), DeviceModelURN: analog.DeviceModelURN(), Attribute: attribute}

	result, ok, err := e.run(key, analog, pipeline, 0, value, now, false)
	e.metrics.Evaluation(attributePipeline, ok)

	return result, ok, err
}

// Expire calls Get on the function at index of the attribute pipeline and runs the rest of the pipeline with its result.
func (e *Executor) Expire(analog function.Analog, attribute string, pipeline []entity.FunctionConfig, index int, now time.Time) (interface{}, bool, error) {
	key := StateKey{EndpointID: analog.EndpointID(), DeviceModelURN: analog.DeviceModelURN(), Attribute: attribute}

	result, ok, err := e.run(key, analog, pipeline, index, nil, now, true)
	e.metrics.Evaluation(attributePipeline, ok)

	return result, ok, err
}

// ApplyDevice runs the device-level pipeline against msg and returns the messages to send.
func (e *Executor) ApplyDevice(analog function.Analog, pipeline []entity.FunctionConfig, msg entity.Message, now time.Time) ([]entity.Message, error) {
	if len(pipeline) == 0 {
		return []entity.Message{msg}, nil
	}

	key := StateKey{EndpointID: analog.EndpointID(), DeviceModelURN: analog.DeviceModelURN(), Attribute: entity.AllAttributes}

	result, ok, err := e.run(key, analog, pipeline, 0, msg, now, false)
	e.metrics.Evaluation(devicePipeline, ok)
	if err != nil || !ok {
		return nil, err
	}

	return toMessages(result), nil
}

// ExpireDevice is Expire for the device-level pipeline.
func (e *Executor) ExpireDevice(analog function.Analog, pipeline []entity.FunctionConfig, index int, now time.Time) ([]entity.Message, error) {
	key := StateKey{EndpointID: analog.EndpointID(), DeviceModelURN: analog.DeviceModelURN(), Attribute: entity.AllAttributes}

	result, ok, err := e.run(key, analog, pipeline, index, nil, now, true)
	e.metrics.Evaluation(devicePipeline, ok)
	if err != nil || !ok {
		return nil, err
	}

	return toMessages(result), nil
}

func (e *Executor) run(key StateKey, analog function.Analog, pipeline []entity.FunctionConfig, from int, value interface{}, now time.Time, expire bool) (interface{}, bool, error) {
	if from >= len(pipeline) {
		return value, !expire, nil
	}

	hash := e.hash(key, pipeline)
	if e.isBroken(key, hash) {
		// a broken pipeline behaves like no pipeline
		return value, !expire, nil
	}
	rt := e.runtime(key, hash)

	attribute := key.Attribute
	if key.deviceLevel() {
		attribute = ""
	}
	ctx := &function.Context{Analog: analog, Attribute: attribute, Now: now}
	if !e.inlineWindows {
		ctx.Windows = e.clock
	}
	input := value

	for i := from; i < len(pipeline); i++ {
		cfg := pipeline[i]
		logger := zap.S().With("endpoint_id", key.EndpointID, "device_model_urn", key.DeviceModelURN, "attribute", key.Attribute, "function_id", cfg.ID)

		fn, err := e.catalog.Lookup(cfg.ID)
		if err != nil {
			e.metrics.FunctionError(cfg.ID, "unknown_function")
			logger.Warnw("skip unknown function", "error", err)
			if expire && i == from {
				return nil, false, nil
			}
			continue
		}

		state := e.state(rt, i)

		call := expire && i == from
		if !call {
			expired := e.windowExpired(key, cfg, fn, now)
			ok, err := fn.Apply(ctx, cfg.Parameters, state, value)
			if err != nil {
				switch {
				case errors.Is(err, entity.ErrFormulaParse):
					e.metrics.FunctionError(cfg.ID, "formula")
					logger.Warnw("skip function with malformed formula", "function", fn.Describe(cfg.Parameters), "error", err)
					continue
				case errors.Is(err, entity.ErrInvalidWindow):
					e.metrics.FunctionError(cfg.ID, "invalid_window")
					logger.Errorw("pipeline is broken until its configuration changes", "function", fn.Describe(cfg.Parameters), "error", err)
					e.markBroken(key, hash)
					return input, !expire, nil
				default:
					e.metrics.FunctionError(cfg.ID, "invalid_parameter")
					return nil, false, fmt.Errorf("function '%s' of attribute '%s': %w", cfg.ID, key.Attribute, err)
				}
			}

			call = ok || expired || (key.deviceLevel() && alertOverride(cfg.Parameters, value))
		}

		if !call {
			return nil, false, nil
		}

		result, err := fn.Get(ctx, cfg.Parameters, state)
		if err != nil {
			e.metrics.FunctionError(cfg.ID, "invalid_parameter")
			return nil, false, fmt.Errorf("function '%s' of attribute '%s': %w", cfg.ID, key.Attribute, err)
		}
		if isEmpty(result) {
			logger.Debugw("pipeline stopped", "function", fn.Describe(cfg.Parameters))
			return nil, false, nil
		}

		value = result
	}

	return value, true, nil
}

// pipelineHash is the hash of the last pipeline run for a key.
type pipelineHash struct {
	pipeline []entity.FunctionConfig
	hash     string
}

// hash returns the hash of pipeline. It is computed again only when the pipeline of key is a different slice.
func (e *Executor) hash(key StateKey, pipeline []entity.FunctionConfig) string {
	e.lock.Lock()
	defer e.lock.Unlock()

	if h, found := e.hashes[key]; found && samePipeline(h.pipeline, pipeline) {
		return h.hash
	}

	hash := entity.PipelineHash(pipeline)
	e.hashes[key] = pipelineHash{pipeline: pipeline, hash: hash}

	return hash
}

// samePipeline reports whether a and b are the same slice. The policies are replaced and never edited in place.
func samePipeline(a, b []entity.FunctionConfig) bool {
	return len(a) == len(b) && len(a) > 0 && &a[0] == &b[0]
}

// runtime returns the runtime of key. A pipeline whose configuration changed gets a new runtime.
func (e *Executor) runtime(key StateKey, hash string) *runtime {
	e.lock.Lock()
	defer e.lock.Unlock()

	rt, found := e.states[key]
	if found && rt.hash == hash {
		return rt
	}

	if found {
		zap.S().Debugw("pipeline configuration changed", "endpoint_id", key.EndpointID, "device_model_urn", key.DeviceModelURN, "attribute", key.Attribute)
		for wk := range e.windows {
			if wk.StateKey == key {
				delete(e.windows, wk)
			}
		}
	}

	rt = &runtime{hash: hash}
	e.states[key] = rt

	return rt
}

func (e *Executor) state(rt *runtime, index int) *function.State {
	e.lock.Lock()
	defer e.lock.Unlock()

	return rt.state(index)
}

// windowExpired reports whether the window of the function elapsed at now. The window restarts at now when it did.
// The windows of the scheduled functions are expired by the scheduler unless the executor runs them inline.
func (e *Executor) windowExpired(key StateKey, cfg entity.FunctionConfig, fn function.Function, now time.Time) bool {
	if _, scheduled := fn.(function.Scheduled); scheduled && !e.inlineWindows {
		return false
	}

	window, err := cfg.Parameters.Window()
	if err != nil || window == 0 {
		return false
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	wk := WindowKey{StateKey: key, FunctionID: cfg.ID}
	start, found := e.windows[wk]
	if !found {
		e.windows[wk] = now
		return false
	}

	if start.Add(window).After(now) {
		return false
	}

	e.windows[wk] = now
	return true
}

func (e *Executor) isBroken(key StateKey, hash string) bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	h, found := e.broken[key]
	if found && h != hash {
		// the configuration was corrected
		delete(e.broken, key)
		return false
	}
	return found
}

func (e *Executor) markBroken(key StateKey, hash string) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.broken[key] = hash
	delete(e.states, key)
}

// SetInProcess records the value being processed for the attribute.
func (e *Executor) SetInProcess(endpointID, urn, attribute string, value interface{}) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.inProcess[StateKey{EndpointID: endpointID, DeviceModelURN: urn, Attribute: attribute}] = value
}

func (e *Executor) ClearInProcess(endpointID, urn, attribute string) {
	e.lock.Lock()
	defer e.lock.Unlock()

	delete(e.inProcess, StateKey{EndpointID: endpointID, DeviceModelURN: urn, Attribute: attribute})
}

// InProcess returns the value being processed for the attribute.
func (e *Executor) InProcess(endpointID, urn, attribute string) (interface{}, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()

	v, ok := e.inProcess[StateKey{EndpointID: endpointID, DeviceModelURN: urn, Attribute: attribute}]
	return v, ok
}

// Reset drops the state of every pipeline of the endpoint for the device model.
func (e *Executor) Reset(endpointID, urn string) {
	e.lock.Lock()
	defer e.lock.Unlock()

	for k := range e.states {
		if k.matches(endpointID, urn) {
			delete(e.states, k)
		}
	}
	for k := range e.windows {
		if k.matches(endpointID, urn) {
			delete(e.windows, k)
		}
	}
	for k := range e.hashes {
		if k.matches(endpointID, urn) {
			delete(e.hashes, k)
		}
	}
	for k := range e.inProcess {
		if k.matches(endpointID, urn) {
			delete(e.inProcess, k)
		}
	}
	for k := range e.broken {
		if k.matches(endpointID, urn) {
			delete(e.broken, k)
		}
	}
}

// Clear drops everything.
func (e *Executor) Clear() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.init()
}

// alertOverride reports whether value is an alert severe enough to skip the policy.
func alertOverride(params entity.Parameters, value interface{}) bool {
	msg, ok := value.(entity.Message)
	if !ok || msg.Kind != entity.AlertMessage {
		return false
	}

	threshold, err := entity.ParseSeverity(params.String("alertSeverity", entity.SeverityCritical.String()))
	if err != nil {
		threshold = entity.SeverityCritical
	}

	return msg.Severity >= threshold
}

func isEmpty(v interface{}) bool {
	switch vv := v.(type) {
	case nil:
		return true
	case function.Batch:
		return len(vv) == 0
	default:
		return false
	}
}

func toMessages(v interface{}) []entity.Message {
	switch vv := v.(type) {
	case entity.Message:
		return []entity.Message{vv}
	case function.Batch:
		messages := make([]entity.Message, 0, len(vv))
		for _, item := range vv {
			messages = append(messages, toMessages(item)...)
		}
		return messages
	default:
		return nil
	}
}
