package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	. "github.com/onsi/gomega"
	"github.com/tupyy/device-policy-ng/internal/entity"
)

const (
	urn  = "urn:test:thermometer"
	self = "gateway-1"
)

type identity string

func (i identity) EndpointID() string { return string(i) }

func (i identity) IsActivated() bool { return true }

type event struct {
	assigned bool
	policyID string
	devices  []string
}

type recorder struct {
	lock   sync.Mutex
	events []event
}

func (r *recorder) PolicyAssigned(policy *entity.DevicePolicy, deviceIDs []string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, event{assigned: true, policyID: policy.ID, devices: deviceIDs})
}

func (r *recorder) PolicyUnassigned(policy *entity.DevicePolicy, deviceIDs []string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, event{policyID: policy.ID, devices: deviceIDs})
}

func (r *recorder) get() []event {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]event{}, r.events...)
}

func newPolicy(id string, lastModified time.Time) *entity.DevicePolicy {
	return &entity.DevicePolicy{
		ID:             id,
		DeviceModelURN: urn,
		Enabled:        true,
		LastModified:   lastModified,
		Pipelines: map[string][]entity.FunctionConfig{
			"temperature": {{ID: "mean", Parameters: entity.Parameters{"window": 1000}}},
		},
	}
}

func setup(t *testing.T, opts ...Option) (*Manager, *MockTransport, *recorder) {
	ctrl := gomock.NewController(t)
	transport := NewMockTransport(ctrl)
	m := New(transport, identity(self), opts...)
	r := &recorder{}
	m.AddListener(r)
	return m, transport, r
}

func TestGetPolicy(t *testing.T) {
	g := NewWithT(t)
	m, transport, r := setup(t)

	policy := newPolicy("p1", time.Now())
	transport.EXPECT().LookupPolicy(gomock.Any(), urn, "device-1").Return(policy, nil).Times(1)

	for i := 0; i < 2; i++ {
		p, err := m.GetPolicy(context.TODO(), urn, "device-1")
		g.Expect(err).To(BeNil())
		g.Expect(p).To(Equal(policy))
	}

	g.Expect(r.get()).To(Equal([]event{{assigned: true, policyID: "p1", devices: []string{"device-1"}}}))
}

func TestGetPolicyNone(t *testing.T) {
	g := NewWithT(t)
	m, transport, r := setup(t)

	transport.EXPECT().LookupPolicy(gomock.Any(), urn, "device-1").Return(nil, nil).Times(1)

	for i := 0; i < 2; i++ {
		p, err := m.GetPolicy(context.TODO(), urn, "device-1")
		g.Expect(err).To(BeNil())
		g.Expect(p).To(BeNil())
	}

	o, found := m.Assignment(urn, "device-1")
	g.Expect(found).To(BeTrue())
	g.Expect(o.None).To(BeTrue())

	_, found = m.Assignment(urn, "device-2")
	g.Expect(found).To(BeFalse())
	g.Expect(r.get()).To(BeEmpty())
}

func TestGetPolicyError(t *testing.T) {
	g := NewWithT(t)
	m, transport, _ := setup(t)

	gomock.InOrder(
		transport.EXPECT().LookupPolicy(gomock.Any(), urn, "device-1").Return(nil, errors.New("connection refused")),
		transport.EXPECT().LookupPolicy(gomock.Any(), urn, "device-1").Return(newPolicy("p1", time.Now()), nil),
	)

	_, err := m.GetPolicy(context.TODO(), urn, "device-1")
	g.Expect(errors.Is(err, entity.ErrPolicyLookup)).To(BeTrue())

	_, found := m.Assignment(urn, "device-1")
	g.Expect(found).To(BeFalse())

	p, err := m.GetPolicy(context.TODO(), urn, "device-1")
	g.Expect(err).To(BeNil())
	g.Expect(p.ID).To(Equal("p1"))
}

func TestGetPolicySingleFlight(t *testing.T) {
	g := NewWithT(t)
	m, transport, r := setup(t)

	transport.EXPECT().LookupPolicy(gomock.Any(), urn, "device-1").DoAndReturn(func(ctx context.Context, urn, deviceID string) (*entity.DevicePolicy, error) {
		<-time.After(200 * time.Millisecond)
		return newPolicy("p1", time.Now()), nil
	}).Times(1)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := m.GetPolicy(context.TODO(), urn, "device-1")
			g.Expect(err).To(BeNil())
			g.Expect(p.ID).To(Equal("p1"))
		}()
	}
	wg.Wait()

	g.Expect(r.get()).To(HaveLen(1))
}

func TestAssignedIdempotent(t *testing.T) {
	g := NewWithT(t)
	m, transport, r := setup(t)

	transport.EXPECT().DownloadPolicy(gomock.Any(), urn, "p1").Return(newPolicy("p1", time.Now()), nil).Times(1)

	ev := entity.PolicyEvent{Op: entity.PolicyAssigned, DeviceModelURN: urn, PolicyID: "p1"}
	g.Expect(m.PolicyChanged(context.TODO(), ev)).To(Succeed())
	g.Expect(m.PolicyChanged(context.TODO(), ev)).To(Succeed())

	g.Expect(r.get()).To(Equal([]event{{assigned: true, policyID: "p1", devices: []string{self}}}))

	o, _ := m.Assignment(urn, self)
	g.Expect(o).To(Equal(entity.Some("p1")))
}

func TestAssignedReplacesPolicy(t *testing.T) {
	g := NewWithT(t)
	m, transport, r := setup(t)

	transport.EXPECT().LookupPolicy(gomock.Any(), urn, self).Return(newPolicy("p1", time.Now()), nil)
	transport.EXPECT().DownloadPolicy(gomock.Any(), urn, "p2").Return(newPolicy("p2", time.Now()), nil)

	_, err := m.GetPolicy(context.TODO(), urn, self)
	g.Expect(err).To(BeNil())

	g.Expect(m.PolicyChanged(context.TODO(), entity.PolicyEvent{Op: entity.PolicyAssigned, DeviceModelURN: urn, PolicyID: "p2"})).To(Succeed())

	g.Expect(r.get()).To(Equal([]event{
		{assigned: true, policyID: "p1", devices: []string{self}},
		{assigned: false, policyID: "p1", devices: []string{self}},
		{assigned: true, policyID: "p2", devices: []string{self}},
	}))

	// p1 is not used anymore
	g.Expect(m.policy("p1")).To(BeNil())
}

func TestGatewayAssigned(t *testing.T) {
	g := NewWithT(t)
	m, transport, r := setup(t, WithGateway())

	transport.EXPECT().DownloadPolicy(gomock.Any(), urn, "p1").Return(newPolicy("p1", time.Now()), nil)
	transport.EXPECT().GetDependentDeviceIDs(gomock.Any(), urn, "p1", self).Return([]string{"device-1", "device-2"}, nil)

	g.Expect(m.PolicyChanged(context.TODO(), entity.PolicyEvent{Op: entity.PolicyAssigned, DeviceModelURN: urn, PolicyID: "p1"})).To(Succeed())
	g.Expect(r.get()).To(Equal([]event{{assigned: true, policyID: "p1", devices: []string{"device-1", "device-2"}}}))

	// device-2 is not assigned anymore
	transport.EXPECT().GetDependentDeviceIDs(gomock.Any(), urn, "p1", self).Return([]string{"device-1"}, nil)
	g.Expect(m.PolicyChanged(context.TODO(), entity.PolicyEvent{Op: entity.PolicyUnassigned, DeviceModelURN: urn, PolicyID: "p1"})).To(Succeed())

	g.Expect(r.get()[1]).To(Equal(event{policyID: "p1", devices: []string{"device-2"}}))
	_, found := m.Assignment(urn, "device-2")
	g.Expect(found).To(BeFalse())
	o, _ := m.Assignment(urn, "device-1")
	g.Expect(o).To(Equal(entity.Some("p1")))
}

func TestUnassigned(t *testing.T) {
	g := NewWithT(t)
	m, transport, r := setup(t)

	transport.EXPECT().DownloadPolicy(gomock.Any(), urn, "p1").Return(newPolicy("p1", time.Now()), nil)
	g.Expect(m.PolicyChanged(context.TODO(), entity.PolicyEvent{Op: entity.PolicyAssigned, DeviceModelURN: urn, PolicyID: "p1"})).To(Succeed())

	transport.EXPECT().LookupPolicy(gomock.Any(), urn, self).Return(nil, nil)
	g.Expect(m.PolicyChanged(context.TODO(), entity.PolicyEvent{Op: entity.PolicyUnassigned, DeviceModelURN: urn, PolicyID: "p1"})).To(Succeed())

	g.Expect(r.get()).To(Equal([]event{
		{assigned: true, policyID: "p1", devices: []string{self}},
		{assigned: false, policyID: "p1", devices: []string{self}},
	}))

	_, found := m.Assignment(urn, self)
	g.Expect(found).To(BeFalse())
}

func TestUnassignedStillAssigned(t *testing.T) {
	g := NewWithT(t)
	m, transport, r := setup(t)

	transport.EXPECT().DownloadPolicy(gomock.Any(), urn, "p1").Return(newPolicy("p1", time.Now()), nil)
	g.Expect(m.PolicyChanged(context.TODO(), entity.PolicyEvent{Op: entity.PolicyAssigned, DeviceModelURN: urn, PolicyID: "p1"})).To(Succeed())

	transport.EXPECT().LookupPolicy(gomock.Any(), urn, self).Return(newPolicy("p1", time.Now()), nil)
	g.Expect(m.PolicyChanged(context.TODO(), entity.PolicyEvent{Op: entity.PolicyUnassigned, DeviceModelURN: urn, PolicyID: "p1"})).To(Succeed())

	g.Expect(r.get()).To(HaveLen(1))
	o, _ := m.Assignment(urn, self)
	g.Expect(o).To(Equal(entity.Some("p1")))
}

func TestUnassignedInconsistency(t *testing.T) {
	g := NewWithT(t)
	m, transport, r := setup(t)

	transport.EXPECT().LookupPolicy(gomock.Any(), urn, self).Return(newPolicy("p2", time.Now()), nil)
	_, err := m.GetPolicy(context.TODO(), urn, self)
	g.Expect(err).To(BeNil())

	// the client runs p2 but the server unassigns p1
	transport.EXPECT().LookupPolicy(gomock.Any(), urn, self).Return(nil, nil)
	g.Expect(m.PolicyChanged(context.TODO(), entity.PolicyEvent{Op: entity.PolicyUnassigned, DeviceModelURN: urn, PolicyID: "p1"})).To(Succeed())

	g.Expect(r.get()[1]).To(Equal(event{policyID: "p2", devices: []string{self}}))
	_, found := m.Assignment(urn, self)
	g.Expect(found).To(BeFalse())

	// the device is resolved again
	transport.EXPECT().LookupPolicy(gomock.Any(), urn, self).Return(nil, nil)
	p, err := m.GetPolicy(context.TODO(), urn, self)
	g.Expect(err).To(BeNil())
	g.Expect(p).To(BeNil())
}

func TestChanged(t *testing.T) {
	g := NewWithT(t)
	m, transport, r := setup(t)

	t0 := time.Now()
	old := newPolicy("p1", t0)
	updated := newPolicy("p1", t0.Add(time.Minute))
	updated.Pipelines["humidity"] = []entity.FunctionConfig{{ID: "max", Parameters: entity.Parameters{"window": 1000}}}

	transport.EXPECT().LookupPolicy(gomock.Any(), urn, self).Return(old, nil)
	_, err := m.GetPolicy(context.TODO(), urn, self)
	g.Expect(err).To(BeNil())

	// stale notification
	g.Expect(m.PolicyChanged(context.TODO(), entity.PolicyEvent{Op: entity.PolicyChanged, DeviceModelURN: urn, PolicyID: "p1", LastModified: t0.Add(-time.Minute)})).To(Succeed())
	g.Expect(r.get()).To(HaveLen(1))

	transport.EXPECT().DownloadPolicy(gomock.Any(), urn, "p1").Return(updated, nil)
	g.Expect(m.PolicyChanged(context.TODO(), entity.PolicyEvent{Op: entity.PolicyChanged, DeviceModelURN: urn, PolicyID: "p1", LastModified: t0.Add(time.Minute)})).To(Succeed())

	events := r.get()
	g.Expect(events).To(HaveLen(3))
	g.Expect(events[1]).To(Equal(event{assigned: false, policyID: "p1", devices: []string{self}}))
	g.Expect(events[2]).To(Equal(event{assigned: true, policyID: "p1", devices: []string{self}}))

	p, err := m.GetPolicy(context.TODO(), urn, self)
	g.Expect(err).To(BeNil())
	g.Expect(p).To(BeIdenticalTo(updated))
}

func TestChangedWithoutLastModified(t *testing.T) {
	g := NewWithT(t)
	m, transport, r := setup(t)

	t0 := time.Now()
	old := newPolicy("p1", t0)
	transport.EXPECT().LookupPolicy(gomock.Any(), urn, self).Return(old, nil)
	_, err := m.GetPolicy(context.TODO(), urn, self)
	g.Expect(err).To(BeNil())

	// the downloaded policy is not newer than the cached one
	transport.EXPECT().DownloadPolicy(gomock.Any(), urn, "p1").Return(newPolicy("p1", t0), nil)
	g.Expect(m.PolicyChanged(context.TODO(), entity.PolicyEvent{Op: entity.PolicyChanged, DeviceModelURN: urn, PolicyID: "p1", LastModified: t0})).To(Succeed())
	g.Expect(r.get()).To(HaveLen(1))

	updated := newPolicy("p1", t0.Add(time.Minute))
	transport.EXPECT().DownloadPolicy(gomock.Any(), urn, "p1").Return(updated, nil)
	g.Expect(m.PolicyChanged(context.TODO(), entity.PolicyEvent{Op: entity.PolicyChanged, DeviceModelURN: urn, PolicyID: "p1"})).To(Succeed())

	events := r.get()
	g.Expect(events).To(HaveLen(3))
	g.Expect(events[1]).To(Equal(event{assigned: false, policyID: "p1", devices: []string{self}}))
	g.Expect(events[2]).To(Equal(event{assigned: true, policyID: "p1", devices: []string{self}}))

	p, err := m.GetPolicy(context.TODO(), urn, self)
	g.Expect(err).To(BeNil())
	g.Expect(p).To(BeIdenticalTo(updated))
}

func TestReset(t *testing.T) {
	g := NewWithT(t)
	m, transport, _ := setup(t)

	transport.EXPECT().LookupPolicy(gomock.Any(), urn, self).Return(newPolicy("p1", time.Now()), nil).Times(2)

	_, err := m.GetPolicy(context.TODO(), urn, self)
	g.Expect(err).To(BeNil())

	m.Reset()
	_, found := m.Assignment(urn, self)
	g.Expect(found).To(BeFalse())

	_, err = m.GetPolicy(context.TODO(), urn, self)
	g.Expect(err).To(BeNil())
}
