// Package policy caches the device policies and the policy assigned to every device.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

//go:generate mockgen -package=policy -destination=mock_transport.go --build_flags=--mod=mod . Transport

// Transport fetches the policies from the server.
type Transport interface {
	// LookupPolicy returns the policy currently assigned to the device or nil if there is none.
	LookupPolicy(ctx context.Context, urn, deviceID string) (*entity.DevicePolicy, error)
	DownloadPolicy(ctx context.Context, urn, policyID string) (*entity.DevicePolicy, error)
	// GetDependentDeviceIDs returns the ids of the devices of owner which are assigned the policy.
	GetDependentDeviceIDs(ctx context.Context, urn, policyID, ownerID string) ([]string, error)
}

type Identity interface {
	EndpointID() string
	IsActivated() bool
}

// Listener is notified when a policy is assigned to or unassigned from devices.
type Listener interface {
	PolicyAssigned(policy *entity.DevicePolicy, deviceIDs []string)
	PolicyUnassigned(policy *entity.DevicePolicy, deviceIDs []string)
}

type Option func(m *Manager)

// WithGateway makes the manager resolve the devices of a policy event from the server.
func WithGateway() Option {
	return func(m *Manager) {
		m.gateway = true
	}
}

func WithMetrics(metrics *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

type notification struct {
	assigned bool
	policy   *entity.DevicePolicy
	devices  []string
}

type Manager struct {
	lock      sync.Mutex
	transport Transport
	identity  Identity
	gateway   bool
	metrics   *metrics.Metrics
	group     singleflight.Group
	listeners []Listener

	// policies holds the downloaded policies by id
	policies map[string]*entity.DevicePolicy
	// assignments maps device id -> device model urn -> policy id.
	// None means the device is known to have no policy for the device model.
	assignments map[string]map[string]entity.Option[string]
}

func New(transport Transport, identity Identity, opts ...Option) *Manager {
	m := &Manager{
		transport:   transport,
		identity:    identity,
		policies:    make(map[string]*entity.DevicePolicy),
		assignments: make(map[string]map[string]entity.Option[string]),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// AddListener registers l. Listeners are notified in registration order.
func (m *Manager) AddListener(l Listener) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.listeners = append(m.listeners, l)
}

// GetPolicy returns the policy of the device for the device model or nil if the device has no policy.
// Concurrent lookups of the same device share the same request. A failed lookup is not cached.
func (m *Manager) GetPolicy(ctx context.Context, urn, deviceID string) (*entity.DevicePolicy, error) {
	if policy, found := m.cached(urn, deviceID); found {
		m.metrics.Lookup("hit")
		return policy, nil
	}

	v, err, _ := m.group.Do(urn+"/"+deviceID, func() (interface{}, error) {
		return m.lookup(ctx, urn, deviceID)
	})
	if err != nil {
		m.metrics.Lookup("error")
		return nil, err
	}
	m.metrics.Lookup("miss")

	return v.(*entity.DevicePolicy), nil
}

// Assignment returns the id of the policy assigned to the device. It returns false if the device was never looked up.
func (m *Manager) Assignment(urn, deviceID string) (entity.Option[string], bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	o, found := m.assignments[deviceID][urn]
	return o, found
}

func (m *Manager) cached(urn, deviceID string) (*entity.DevicePolicy, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	o, found := m.assignments[deviceID][urn]
	if !found {
		return nil, false
	}
	if o.None {
		return nil, true
	}

	policy, found := m.policies[o.Value]
	return policy, found
}

func (m *Manager) lookup(ctx context.Context, urn, deviceID string) (*entity.DevicePolicy, error) {
	// another lookup may have finished since the cache miss
	if policy, found := m.cached(urn, deviceID); found {
		return policy, nil
	}

	policy, err := m.transport.LookupPolicy(ctx, urn, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w for device '%s' of '%s': %s", entity.ErrPolicyLookup, deviceID, urn, err)
	}

	m.lock.Lock()
	if policy == nil {
		m.assign(deviceID, urn, entity.None[string]())
		m.lock.Unlock()

		zap.S().Debugw("device has no policy", "device_id", deviceID, "device_model_urn", urn)
		return policy, nil
	}

	policy = m.store(policy)
	m.assign(deviceID, urn, entity.Some(policy.ID))
	m.lock.Unlock()

	zap.S().Infow("policy found", "device_id", deviceID, "device_model_urn", urn, "policy_id", policy.ID)
	m.notify(notification{assigned: true, policy: policy, devices: []string{deviceID}})

	return policy, nil
}

// PolicyChanged handles a policy notification from the server.
func (m *Manager) PolicyChanged(ctx context.Context, event entity.PolicyEvent) error {
	zap.S().Infow("policy event", "event", event.String())

	switch event.Op {
	case entity.PolicyAssigned:
		return m.assigned(ctx, event)
	case entity.PolicyUnassigned:
		return m.unassigned(ctx, event)
	case entity.PolicyChanged:
		return m.changed(ctx, event)
	default:
		return fmt.Errorf("%w: unknown policy operation %d", entity.ErrInvalidParameter, event.Op)
	}
}

func (m *Manager) assigned(ctx context.Context, event entity.PolicyEvent) error {
	var (
		policy  = m.policy(event.PolicyID)
		devices = []string{m.identity.EndpointID()}
	)

	g, gctx := errgroup.WithContext(ctx)
	if policy == nil {
		g.Go(func() error {
			p, err := m.transport.DownloadPolicy(gctx, event.DeviceModelURN, event.PolicyID)
			if err != nil {
				return fmt.Errorf("%w: cannot download policy '%s': %s", entity.ErrPolicyLookup, event.PolicyID, err)
			}
			policy = p
			return nil
		})
	}
	if m.gateway {
		g.Go(func() error {
			ids, err := m.transport.GetDependentDeviceIDs(gctx, event.DeviceModelURN, event.PolicyID, m.identity.EndpointID())
			if err != nil {
				return fmt.Errorf("%w: cannot get the devices of policy '%s': %s", entity.ErrPolicyLookup, event.PolicyID, err)
			}
			devices = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if policy == nil {
		return fmt.Errorf("%w: policy '%s' not found", entity.ErrPolicyLookup, event.PolicyID)
	}

	var (
		notifications []notification
		assigned      []string
		previous      = make(map[string][]string)
	)

	m.lock.Lock()
	policy = m.store(policy)
	for _, deviceID := range devices {
		current, found := m.assignments[deviceID][event.DeviceModelURN]
		if found && !current.None && current.Value == policy.ID {
			continue
		}
		if found && !current.None {
			previous[current.Value] = append(previous[current.Value], deviceID)
		}
		m.assign(deviceID, event.DeviceModelURN, entity.Some(policy.ID))
		assigned = append(assigned, deviceID)
	}
	for _, id := range sortedKeys(previous) {
		if old, found := m.policies[id]; found {
			notifications = append(notifications, notification{policy: old, devices: previous[id]})
		}
		m.prune(id)
	}
	m.lock.Unlock()

	if len(assigned) > 0 {
		notifications = append(notifications, notification{assigned: true, policy: policy, devices: assigned})
	}
	m.notify(notifications...)

	return nil
}

func (m *Manager) unassigned(ctx context.Context, event entity.PolicyEvent) error {
	believed := m.believed(event)

	server := make(map[string]struct{})
	if m.gateway {
		ids, err := m.transport.GetDependentDeviceIDs(ctx, event.DeviceModelURN, event.PolicyID, m.identity.EndpointID())
		if err != nil {
			return fmt.Errorf("%w: cannot get the devices of policy '%s': %s", entity.ErrPolicyLookup, event.PolicyID, err)
		}
		for _, id := range ids {
			server[id] = struct{}{}
		}
	} else {
		current, err := m.transport.LookupPolicy(ctx, event.DeviceModelURN, m.identity.EndpointID())
		if err != nil {
			return fmt.Errorf("%w for device '%s' of '%s': %s", entity.ErrPolicyLookup, m.identity.EndpointID(), event.DeviceModelURN, err)
		}
		if current != nil && current.ID == event.PolicyID {
			server[m.identity.EndpointID()] = struct{}{}
		}
	}

	unassigned := make(map[string][]string)

	m.lock.Lock()
	for _, deviceID := range believed {
		if _, stillAssigned := server[deviceID]; stillAssigned {
			continue
		}

		current, found := m.assignments[deviceID][event.DeviceModelURN]
		if found && !current.None && current.Value == event.PolicyID {
			delete(m.assignments[deviceID], event.DeviceModelURN)
			unassigned[event.PolicyID] = append(unassigned[event.PolicyID], deviceID)
			continue
		}

		// the client believes the device runs another policy. Forget everything known about the device.
		zap.S().Warnw("drop device assignments", "device_id", deviceID, "device_model_urn", event.DeviceModelURN, "policy_id", event.PolicyID, "error", entity.ErrAssignmentInconsistency)
		if found && !current.None {
			unassigned[current.Value] = append(unassigned[current.Value], deviceID)
		}
		delete(m.assignments, deviceID)
	}

	notifications := make([]notification, 0, len(unassigned))
	for _, id := range sortedKeys(unassigned) {
		if policy, found := m.policies[id]; found {
			notifications = append(notifications, notification{policy: policy, devices: unassigned[id]})
		}
		m.prune(id)
	}
	m.lock.Unlock()

	m.notify(notifications...)

	return nil
}

// believed returns the devices the client believes are assigned the policy of the event.
func (m *Manager) believed(event entity.PolicyEvent) []string {
	if !m.gateway {
		return []string{m.identity.EndpointID()}
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	devices := make([]string, 0)
	for deviceID, byURN := range m.assignments {
		if o, found := byURN[event.DeviceModelURN]; found && !o.None && o.Value == event.PolicyID {
			devices = append(devices, deviceID)
		}
	}
	sort.Strings(devices)

	return devices
}

func (m *Manager) changed(ctx context.Context, event entity.PolicyEvent) error {
	old := m.policy(event.PolicyID)
	if old == nil {
		zap.S().Debugw("changed policy is not used", "policy_id", event.PolicyID)
		return nil
	}

	// an event without lastModified is checked against the downloaded policy
	if !event.LastModified.IsZero() && old.LastModified.After(event.LastModified) {
		zap.S().Infow("ignore stale policy change", "policy_id", event.PolicyID, "cached", old.LastModified, "event", event.LastModified)
		return nil
	}

	policy, err := m.transport.DownloadPolicy(ctx, event.DeviceModelURN, event.PolicyID)
	if err != nil {
		return fmt.Errorf("%w: cannot download policy '%s': %s", entity.ErrPolicyLookup, event.PolicyID, err)
	}

	m.lock.Lock()
	old = m.policies[event.PolicyID]
	if old != nil && !policy.LastModified.After(old.LastModified) {
		m.lock.Unlock()
		zap.S().Infow("policy unchanged", "policy_id", event.PolicyID, "cached", old.LastModified, "downloaded", policy.LastModified)
		return nil
	}
	m.policies[policy.ID] = policy

	devices := make([]string, 0)
	for deviceID, byURN := range m.assignments {
		if o, found := byURN[policy.DeviceModelURN]; found && !o.None && o.Value == policy.ID {
			devices = append(devices, deviceID)
		}
	}
	sort.Strings(devices)
	m.lock.Unlock()

	zap.S().Infow("policy changed", "policy_id", policy.ID, "devices", devices)

	if len(devices) == 0 {
		return nil
	}

	// drain the pipelines of the old policy before the new one is applied
	notifications := []notification{{assigned: true, policy: policy, devices: devices}}
	if old != nil {
		notifications = append([]notification{{policy: old, devices: devices}}, notifications...)
	}
	m.notify(notifications...)

	return nil
}

// Reset drops every cached policy and assignment.
func (m *Manager) Reset() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.policies = make(map[string]*entity.DevicePolicy)
	m.assignments = make(map[string]map[string]entity.Option[string])
}

func (m *Manager) policy(id string) *entity.DevicePolicy {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.policies[id]
}

// store caches policy unless a newer version is cached. It returns the cached version.
// It must be called with the lock held.
func (m *Manager) store(policy *entity.DevicePolicy) *entity.DevicePolicy {
	if cached, found := m.policies[policy.ID]; found && !policy.LastModified.After(cached.LastModified) {
		return cached
	}
	m.policies[policy.ID] = policy
	return policy
}

// assign must be called with the lock held.
func (m *Manager) assign(deviceID, urn string, policyID entity.Option[string]) {
	byURN, found := m.assignments[deviceID]
	if !found {
		byURN = make(map[string]entity.Option[string])
		m.assignments[deviceID] = byURN
	}
	byURN[urn] = policyID
}

// prune drops the policy if no device is assigned to it anymore. It must be called with the lock held.
func (m *Manager) prune(policyID string) {
	for _, byURN := range m.assignments {
		for _, o := range byURN {
			if !o.None && o.Value == policyID {
				return
			}
		}
	}
	delete(m.policies, policyID)
}

func (m *Manager) notify(notifications ...notification) {
	if len(notifications) == 0 {
		return
	}

	m.lock.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.lock.Unlock()

	for _, n := range notifications {
		for _, l := range listeners {
			if n.assigned {
				l.PolicyAssigned(n.policy, n.devices)
			} else {
				l.PolicyUnassigned(n.policy, n.devices)
			}
		}
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
