// Package messaging runs the device policies against the attribute updates and the outgoing messages
// of the endpoints and assembles the messages to send.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/tupyy/device-policy-ng/internal/device"
	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/metrics"
	"github.com/tupyy/device-policy-ng/internal/pipeline"
	"github.com/tupyy/device-policy-ng/internal/policy"
	"github.com/tupyy/device-policy-ng/internal/scheduler"
	"github.com/tupyy/device-policy-ng/internal/trigger"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("orchestrator closed")

// PolicyStore resolves the policy of the devices. It is implemented by policy.Manager.
type PolicyStore interface {
	GetPolicy(ctx context.Context, urn, deviceID string) (*entity.DevicePolicy, error)
	PolicyChanged(ctx context.Context, event entity.PolicyEvent) error
	AddListener(l policy.Listener)
	Reset()
}

type Option func(o *Orchestrator)

func WithInvoker(invoker device.ActionInvoker) Option {
	return func(o *Orchestrator) {
		o.invoker = invoker
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock sets the clock used when windows expire.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator is the entry point of the pipeline engine.
// The work of an endpoint is serialized: updates, window expirations and policy drains of the same endpoint
// never run concurrently.
type Orchestrator struct {
	policies   PolicyStore
	executor   *pipeline.Executor
	scheduler  *scheduler.Scheduler
	analogs    *device.Cache
	dispatcher Dispatcher
	triggers   *trigger.Cache
	invoker    device.ActionInvoker
	metrics    *metrics.Metrics
	now        func() time.Time

	lock    sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

// New returns an orchestrator. sched may be nil in which case the executor must expire the windows inline.
func New(policies PolicyStore, executor *pipeline.Executor, sched *scheduler.Scheduler, registry device.Registry, dispatcher Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		policies:   policies,
		executor:   executor,
		scheduler:  sched,
		dispatcher: dispatcher,
		triggers:   trigger.NewCache(executor.Catalog().Formulas()),
		now:        time.Now,
		workers:    make(map[string]*worker),
	}

	for _, opt := range opts {
		opt(o)
	}

	analogOpts := []device.AnalogOption{device.WithInProcess(executor)}
	if o.invoker != nil {
		analogOpts = append(analogOpts, device.WithInvoker(o.invoker))
	}
	o.analogs = device.NewCache(registry, analogOpts...)

	if sched != nil {
		sched.OnExpired(o.expired)
	}
	policies.AddListener(o)

	return o
}

// OnAttributeUpdate runs the pipelines affected by the new value of the attribute and returns the messages to send.
// The returned error aggregates the errors of the attributes which were dropped. The messages are valid even if err is not nil.
func (o *Orchestrator) OnAttributeUpdate(ctx context.Context, urn, endpointID, attribute string, value interface{}, ts time.Time) ([]entity.Message, error) {
	var (
		msgs []entity.Message
		err  error
	)

	if cerr := o.call(ctx, endpointID, func() {
		msgs, err = o.update(ctx, urn, endpointID, attribute, value, ts)
	}); cerr != nil {
		return nil, cerr
	}

	o.emitted(msgs)
	return msgs, err
}

// OnOutgoingMessage runs the device-level pipeline of the message source against msg.
func (o *Orchestrator) OnOutgoingMessage(ctx context.Context, msg entity.Message, ts time.Time) ([]entity.Message, error) {
	var (
		msgs []entity.Message
		err  error
	)

	if cerr := o.call(ctx, msg.Source, func() {
		analog, aerr := o.analogs.Get(msg.Source, msg.DeviceModelURN)
		if aerr != nil {
			err = aerr
			return
		}

		a := newAssembly(analog, ts)
		msgs = o.applyDevice(a, o.policy(ctx, msg.DeviceModelURN, msg.Source), []entity.Message{msg})
		err = a.errs.ErrorOrNil()
	}); cerr != nil {
		return nil, cerr
	}

	o.emitted(msgs)
	return msgs, err
}

// OnPolicyChanged hands the server notification to the policy store.
// Windows of the unassigned policies are drained before it returns.
func (o *Orchestrator) OnPolicyChanged(ctx context.Context, event entity.PolicyEvent) error {
	zap.S().Infow("policy event received", "event", event.String())
	return o.policies.PolicyChanged(ctx, event)
}

// Reset drops every cached policy, pipeline state and scheduled window.
func (o *Orchestrator) Reset() {
	o.policies.Reset()
	o.executor.Clear()
	o.triggers.Reset()
	if o.scheduler != nil {
		o.scheduler.Clear()
	}
	zap.S().Info("orchestrator reset")
}

// Close stops the windows and the endpoint workers. Tasks already posted are run.
func (o *Orchestrator) Close() {
	if o.scheduler != nil {
		o.scheduler.Stop()
	}

	o.lock.Lock()
	o.closed = true
	workers := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.lock.Unlock()

	for _, w := range workers {
		w.stop()
	}
	o.wg.Wait()

	zap.S().Info("orchestrator closed")
}

func (o *Orchestrator) update(ctx context.Context, urn, endpointID, attribute string, value interface{}, ts time.Time) ([]entity.Message, error) {
	analog, err := o.analogs.Get(endpointID, urn)
	if err != nil {
		return nil, err
	}

	policy := o.policy(ctx, urn, endpointID)

	v, err := analog.Coerce(attribute, value)
	if err != nil {
		zap.S().Warnw("attribute value dropped", "endpoint_id", endpointID, "device_model_urn", urn, "attribute", attribute, "error", err)
		return nil, fmt.Errorf("endpoint '%s': %w", endpointID, err)
	}

	a := newAssembly(analog, ts)

	o.executor.SetInProcess(endpointID, urn, attribute, v)
	result, ok, err := o.executor.ApplyAttribute(analog, attribute, policy.Pipeline(attribute), v, ts)
	o.executor.ClearInProcess(endpointID, urn, attribute)
	a.add(attribute, result, ok, err)

	o.computed(a, policy)

	return o.assemble(a, policy), a.errs.ErrorOrNil()
}

// computed evaluates the computed metrics referencing the updated attributes.
func (o *Orchestrator) computed(a *assembly, policy *entity.DevicePolicy) {
	if policy == nil || len(a.updated) == 0 {
		return
	}

	for _, attribute := range o.triggers.Get(policy).Triggered(a.updated...) {
		result, ok, err := o.executor.ApplyAttribute(a.analog, attribute, policy.Pipeline(attribute), nil, a.now)
		a.add(attribute, result, ok, err)
	}
}

// assemble builds the data messages, appends the queued alerts and runs all of them through the device-level pipeline.
func (o *Orchestrator) assemble(a *assembly, policy *entity.DevicePolicy) []entity.Message {
	endpointID, urn := a.analog.EndpointID(), a.analog.DeviceModelURN()

	msgs := make([]entity.Message, 0, 1+len(a.batches))
	if len(a.items) > 0 {
		msgs = append(msgs, entity.NewDataMessage(endpointID, urn, a.now, a.items...))
	}
	for _, item := range a.batches {
		msgs = append(msgs, entity.NewDataMessage(endpointID, urn, a.now, item))
	}
	msgs = append(msgs, a.analog.Drain()...)

	return o.applyDevice(a, policy, msgs)
}

func (o *Orchestrator) applyDevice(a *assembly, policy *entity.DevicePolicy, msgs []entity.Message) []entity.Message {
	pipeline := policy.DevicePipeline()
	if len(pipeline) == 0 {
		return msgs
	}

	result := make([]entity.Message, 0, len(msgs))
	for _, m := range msgs {
		produced, err := o.executor.ApplyDevice(a.analog, pipeline, m, a.now)
		if err != nil {
			zap.S().Warnw("message dropped", "endpoint_id", a.analog.EndpointID(), "device_model_urn", a.analog.DeviceModelURN(), "message_id", m.ID, "error", err)
			a.errs = multierror.Append(a.errs, err)
			continue
		}
		result = append(result, produced...)
	}

	// alerts raised by the device-level pipeline
	return append(result, a.analog.Drain()...)
}

// policy returns the enabled policy of the endpoint or nil.
func (o *Orchestrator) policy(ctx context.Context, urn, endpointID string) *entity.DevicePolicy {
	p, err := o.policies.GetPolicy(ctx, urn, endpointID)
	if err != nil {
		zap.S().Warnw("no policy for now", "endpoint_id", endpointID, "device_model_urn", urn, "error", err)
		return nil
	}
	if p != nil && !p.Enabled {
		return nil
	}
	return p
}

// expired is called by the scheduler. It only posts the work to the endpoint workers.
func (o *Orchestrator) expired(members []scheduler.Member) {
	type key struct {
		endpointID string
		urn        string
	}

	groups := make(map[key][]scheduler.Member)
	for _, m := range members {
		k := key{endpointID: m.EndpointID, urn: m.DeviceModelURN}
		groups[k] = append(groups[k], m)
	}

	for k, members := range groups {
		k, members := k, members
		o.submit(k.endpointID, func() {
			policy := o.policy(context.Background(), k.urn, k.endpointID)
			if policy == nil {
				return
			}
			o.dispatch(o.expire(policy, k.endpointID, members, o.now()))
		})
	}
}

// expire calls Get on the windowed functions of the members and runs the rest of their pipelines.
func (o *Orchestrator) expire(policy *entity.DevicePolicy, endpointID string, members []scheduler.Member, now time.Time) ([]entity.Message, error) {
	analog, found := o.analogs.Lookup(endpointID, policy.DeviceModelURN)
	if !found {
		return nil, nil
	}

	a := newAssembly(analog, now)

	devices := make([]scheduler.Member, 0)
	for _, m := range members {
		if m.Attribute == entity.AllAttributes {
			devices = append(devices, m)
			continue
		}
		result, ok, err := o.executor.Expire(analog, m.Attribute, policy.Pipeline(m.Attribute), m.PipelineIndex, now)
		a.add(m.Attribute, result, ok, err)
	}

	o.computed(a, policy)
	msgs := o.assemble(a, policy)

	for _, m := range devices {
		produced, err := o.executor.ExpireDevice(analog, policy.DevicePipeline(), m.PipelineIndex, now)
		if err != nil {
			zap.S().Warnw("device window dropped", "endpoint_id", endpointID, "device_model_urn", policy.DeviceModelURN, "error", err)
			a.errs = multierror.Append(a.errs, err)
			continue
		}
		msgs = append(msgs, produced...)
	}
	msgs = append(msgs, analog.Drain()...)

	return msgs, a.errs.ErrorOrNil()
}

func (o *Orchestrator) dispatch(msgs []entity.Message, err error) {
	if err != nil {
		zap.S().Warnw("window expired with errors", "error", err)
	}
	if len(msgs) == 0 {
		return
	}

	o.emitted(msgs)
	if err := o.dispatcher.Enqueue(msgs...); err != nil {
		zap.S().Errorw("failed to dispatch messages", "count", len(msgs), "error", err)
	}
}

func (o *Orchestrator) emitted(msgs []entity.Message) {
	counts := make(map[entity.MessageKind]int)
	for _, m := range msgs {
		counts[m.Kind]++
	}
	for kind, count := range counts {
		o.metrics.Emitted(kind.String(), count)
	}
}

// submit posts t on the worker of the endpoint. It returns false if the orchestrator is closed.
func (o *Orchestrator) submit(endpointID string, t task) bool {
	o.lock.Lock()
	if o.closed {
		o.lock.Unlock()
		return false
	}

	w, found := o.workers[endpointID]
	if !found {
		w = newWorker()
		o.workers[endpointID] = w
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			w.run()
		}()
	}
	o.lock.Unlock()

	return w.post(t)
}

// call runs fn on the worker of the endpoint and waits for it to return.
func (o *Orchestrator) call(ctx context.Context, endpointID string, fn func()) error {
	done := make(chan struct{})
	if !o.submit(endpointID, func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
