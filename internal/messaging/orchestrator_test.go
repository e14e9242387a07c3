package messaging_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/mock/gomock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tupyy/device-policy-ng/internal/device"
	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/function"
	"github.com/tupyy/device-policy-ng/internal/messaging"
	"github.com/tupyy/device-policy-ng/internal/pipeline"
	"github.com/tupyy/device-policy-ng/internal/policy"
	"github.com/tupyy/device-policy-ng/internal/scheduler"
)

const (
	urn      = "urn:com:example:thermostat"
	endpoint = "e1"
)

var model = &entity.DeviceModel{
	URN:  urn,
	Name: "thermostat",
	Attributes: []entity.Attribute{
		{Name: "temperature", Type: entity.NumberType},
		{Name: "fahrenheit", Type: entity.NumberType},
		{Name: "humidity", Type: entity.NumberType},
	},
}

type identity struct{}

func (identity) EndpointID() string { return endpoint }

func (identity) IsActivated() bool { return true }

type dispatcher struct {
	lock     sync.Mutex
	messages []entity.Message
}

func (d *dispatcher) Enqueue(msgs ...entity.Message) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.messages = append(d.messages, msgs...)
	return nil
}

// values returns the values of the attribute found in the dispatched data messages.
func (d *dispatcher) values(attribute string) []interface{} {
	d.lock.Lock()
	defer d.lock.Unlock()

	values := make([]interface{}, 0)
	for _, m := range d.messages {
		if v, ok := m.Item(attribute); ok && m.Kind == entity.DataMessage {
			values = append(values, v)
		}
	}
	return values
}

func newPolicy(id string, pipelines map[string][]entity.FunctionConfig) *entity.DevicePolicy {
	return &entity.DevicePolicy{
		ID:             id,
		DeviceModelURN: urn,
		Enabled:        true,
		LastModified:   time.Now(),
		Pipelines:      pipelines,
	}
}

func fn(id string, params entity.Parameters) entity.FunctionConfig {
	return entity.FunctionConfig{ID: id, Parameters: params}
}

var _ = Describe("orchestrator", func() {
	var (
		ctx       context.Context
		ctrl      *gomock.Controller
		transport *policy.MockTransport
		sched     *scheduler.Scheduler
		output    *dispatcher
		o         *messaging.Orchestrator
		now       time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		ctrl = gomock.NewController(GinkgoT())
		transport = policy.NewMockTransport(ctrl)

		catalog, err := function.NewCatalog()
		Expect(err).To(BeNil())

		sched = scheduler.New(nil)
		output = &dispatcher{}
		o = messaging.New(
			policy.New(transport, identity{}),
			pipeline.New(catalog, pipeline.WithWindowClock(sched)),
			sched,
			device.NewStaticRegistry(model),
			output,
		)
		now = time.Now()
	})

	AfterEach(func() {
		o.Close()
		ctrl.Finish()
	})

	Context("without policy", func() {
		BeforeEach(func() {
			transport.EXPECT().LookupPolicy(gomock.Any(), urn, endpoint).Return(nil, nil).Times(1)
		})

		It("sends the value as it is", func() {
			msgs, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", "21.5", now)
			Expect(err).To(BeNil())
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].Kind).To(Equal(entity.DataMessage))
			Expect(msgs[0].Format).To(Equal(entity.DataFormat(urn)))
			Expect(msgs[0].Source).To(Equal(endpoint))
			Expect(msgs[0].Items).To(Equal([]entity.DataItem{{Name: "temperature", Value: 21.5}}))

			// no policy is cached too
			msgs, err = o.OnAttributeUpdate(ctx, urn, endpoint, "humidity", 40, now)
			Expect(err).To(BeNil())
			Expect(msgs).To(HaveLen(1))
		})

		It("drops values of the wrong type", func() {
			msgs, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", "warm", now)
			Expect(errors.Is(err, entity.ErrInvalidParameter)).To(BeTrue())
			Expect(msgs).To(BeEmpty())
		})

		It("fails for unknown device models", func() {
			_, err := o.OnAttributeUpdate(ctx, "urn:unknown", endpoint, "temperature", 1, now)
			Expect(errors.Is(err, device.ErrDeviceModelNotFound)).To(BeTrue())
			// the lookup expectation is consumed by a known model
			_, err = o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 1, now)
			Expect(err).To(BeNil())
		})
	})

	It("treats lookup failures as no policy", func() {
		gomock.InOrder(
			transport.EXPECT().LookupPolicy(gomock.Any(), urn, endpoint).Return(nil, errors.New("connection refused")),
			transport.EXPECT().LookupPolicy(gomock.Any(), urn, endpoint).Return(newPolicy("p1", map[string][]entity.FunctionConfig{
				"temperature": {fn(function.FilterCondition, entity.Parameters{"condition": "$$(temperature) > 100"})},
			}), nil),
		)

		msgs, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 150, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(HaveLen(1))

		// retried on the next update
		msgs, err = o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 150, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(BeEmpty())
	})

	It("filters values", func() {
		transport.EXPECT().LookupPolicy(gomock.Any(), urn, endpoint).Return(newPolicy("p1", map[string][]entity.FunctionConfig{
			"temperature": {fn(function.FilterCondition, entity.Parameters{"condition": "$$(temperature) > 100"})},
		}), nil)

		msgs, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 150, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(BeEmpty())

		msgs, err = o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 50, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Items).To(Equal([]entity.DataItem{{Name: "temperature", Value: 50.0}}))
	})

	It("computes the metrics referencing the updated attribute", func() {
		transport.EXPECT().LookupPolicy(gomock.Any(), urn, endpoint).Return(newPolicy("p1", map[string][]entity.FunctionConfig{
			"fahrenheit": {fn(function.ComputedMetric, entity.Parameters{"formula": "$(temperature) * 2 + 32"})},
		}), nil)

		msgs, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 100, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Items).To(Equal([]entity.DataItem{
			{Name: "temperature", Value: 100.0},
			{Name: "fahrenheit", Value: 232.0},
		}))

		// humidity is not referenced
		msgs, err = o.OnAttributeUpdate(ctx, urn, endpoint, "humidity", 30, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Items).To(HaveLen(1))
	})

	It("computes chained metrics after the metrics they reference", func() {
		transport.EXPECT().LookupPolicy(gomock.Any(), urn, endpoint).Return(newPolicy("p1", map[string][]entity.FunctionConfig{
			"fahrenheit": {fn(function.ComputedMetric, entity.Parameters{"formula": "$(humidity) + $(temperature)"})},
			"humidity":   {fn(function.ComputedMetric, entity.Parameters{"formula": "$(temperature) * 2"})},
		}), nil)

		msgs, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 10, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Items).To(Equal([]entity.DataItem{
			{Name: "temperature", Value: 10.0},
			{Name: "humidity", Value: 20.0},
			{Name: "fahrenheit", Value: 30.0},
		}))
	})

	It("sends the alerts after the data", func() {
		transport.EXPECT().LookupPolicy(gomock.Any(), urn, endpoint).Return(newPolicy("p1", map[string][]entity.FunctionConfig{
			"temperature": {fn(function.AlertCondition, entity.Parameters{
				"condition": "$$(temperature) > 50",
				"urn":       "urn:com:example:alert:hot",
				"severity":  "CRITICAL",
				"filter":    false,
				"fields":    map[string]interface{}{"value": "$$(temperature)"},
			})},
		}), nil)

		msgs, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 60, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(HaveLen(2))
		Expect(msgs[0].Kind).To(Equal(entity.DataMessage))
		Expect(msgs[1].Kind).To(Equal(entity.AlertMessage))
		Expect(msgs[1].Format).To(Equal("urn:com:example:alert:hot"))
		Expect(msgs[1].Severity).To(Equal(entity.SeverityCritical))
		Expect(msgs[1].Items).To(Equal([]entity.DataItem{{Name: "value", Value: 60.0}}))

		msgs, err = o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 20, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(HaveLen(1))
	})

	It("sends every element of a batch in its own message", func() {
		transport.EXPECT().LookupPolicy(gomock.Any(), urn, endpoint).Return(newPolicy("p1", map[string][]entity.FunctionConfig{
			"temperature": {fn(function.BatchBySize, entity.Parameters{"batchSize": 2})},
		}), nil)

		msgs, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 1, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(BeEmpty())

		msgs, err = o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 2, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(HaveLen(2))
		Expect(msgs[0].Items).To(Equal([]entity.DataItem{{Name: "temperature", Value: 1.0}}))
		Expect(msgs[1].Items).To(Equal([]entity.DataItem{{Name: "temperature", Value: 2.0}}))
	})

	It("runs the device-level pipeline on the messages", func() {
		transport.EXPECT().LookupPolicy(gomock.Any(), urn, endpoint).Return(newPolicy("p1", map[string][]entity.FunctionConfig{
			entity.AllAttributes: {fn(function.BatchBySize, entity.Parameters{"batchSize": 2})},
		}), nil)

		msgs, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 1, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(BeEmpty())

		msgs, err = o.OnAttributeUpdate(ctx, urn, endpoint, "humidity", 2, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(HaveLen(2))
		Expect(msgs[0].Items[0].Name).To(Equal("temperature"))
		Expect(msgs[1].Items[0].Name).To(Equal("humidity"))

		alert := entity.NewAlertMessage(endpoint, urn, "urn:com:example:alert", entity.SeverityCritical, now)
		msgs, err = o.OnOutgoingMessage(ctx, alert, now)
		Expect(err).To(BeNil())
		// critical alerts skip the batch
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].ID).To(Equal(alert.ID))
	})

	It("expires the windows", func() {
		transport.EXPECT().LookupPolicy(gomock.Any(), urn, endpoint).Return(newPolicy("p1", map[string][]entity.FunctionConfig{
			"temperature": {fn(function.Mean, entity.Parameters{"window": 200})},
		}), nil)

		msgs, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 10, time.Now())
		Expect(err).To(BeNil())
		Expect(msgs).To(BeEmpty())
		Expect(sched.Len()).To(Equal(1))

		msgs, err = o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 30, time.Now())
		Expect(err).To(BeNil())
		Expect(msgs).To(BeEmpty())

		Eventually(func() []interface{} { return output.values("temperature") }, "2s", "20ms").Should(ContainElement(20.0))
	})

	It("drains the windows when the policy is unassigned", func() {
		gomock.InOrder(
			transport.EXPECT().LookupPolicy(gomock.Any(), urn, endpoint).Return(newPolicy("p1", map[string][]entity.FunctionConfig{
				"temperature": {fn(function.Mean, entity.Parameters{"window": 3600000})},
			}), nil),
			transport.EXPECT().LookupPolicy(gomock.Any(), urn, endpoint).Return(nil, nil),
		)

		for _, v := range []int{10, 30} {
			msgs, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", v, now)
			Expect(err).To(BeNil())
			Expect(msgs).To(BeEmpty())
		}

		err := o.OnPolicyChanged(ctx, entity.PolicyEvent{Op: entity.PolicyUnassigned, DeviceModelURN: urn, PolicyID: "p1"})
		Expect(err).To(BeNil())
		Expect(output.values("temperature")).To(Equal([]interface{}{20.0}))
		Expect(sched.Len()).To(Equal(0))
	})

	It("drains the old policy before the changed one applies", func() {
		old := newPolicy("p1", map[string][]entity.FunctionConfig{
			"temperature": {fn(function.Max, entity.Parameters{"window": 3600000})},
		})
		changed := newPolicy("p1", map[string][]entity.FunctionConfig{})
		changed.LastModified = old.LastModified.Add(time.Minute)

		transport.EXPECT().LookupPolicy(gomock.Any(), urn, endpoint).Return(old, nil)
		transport.EXPECT().DownloadPolicy(gomock.Any(), urn, "p1").Return(changed, nil)

		for _, v := range []int{10, 30, 20} {
			_, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", v, now)
			Expect(err).To(BeNil())
		}

		err := o.OnPolicyChanged(ctx, entity.PolicyEvent{Op: entity.PolicyChanged, DeviceModelURN: urn, PolicyID: "p1", LastModified: changed.LastModified})
		Expect(err).To(BeNil())
		Expect(output.values("temperature")).To(Equal([]interface{}{30.0}))
		Expect(sched.Len()).To(Equal(0))

		msgs, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 5, now)
		Expect(err).To(BeNil())
		Expect(msgs).To(HaveLen(1))
	})

	It("refuses updates once closed", func() {
		o.Close()

		_, err := o.OnAttributeUpdate(ctx, urn, endpoint, "temperature", 1, now)
		Expect(errors.Is(err, messaging.ErrClosed)).To(BeTrue())
	})
})
