// Package scheduler expires the windows of the windowed policy functions.
//
// There is one entry per (window, slide) pair in use. The entry fires after window when it is created
// and every slide afterwards until its last member is removed. The windowed functions align their
// buckets to Expiry.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/metrics"
	"go.uber.org/zap"
)

// resolution of the expiry times. Windows expiring within the same resolution fire together.
const resolution = 100 * time.Microsecond

// Member is a windowed function of a pipeline. Attribute is entity.AllAttributes for the device-level pipeline.
type Member struct {
	EndpointID     string
	DeviceModelURN string
	Attribute      string
	PipelineIndex  int
}

func (m Member) String() string {
	return fmt.Sprintf("%s/%s/%s[%d]", m.EndpointID, m.DeviceModelURN, m.Attribute, m.PipelineIndex)
}

// ExpiredFunc is called with the members of an expired window. It must not block.
type ExpiredFunc func(expired []Member)

type key struct {
	window time.Duration
	slide  time.Duration
}

type entry struct {
	key     key
	expiry  time.Time
	members map[Member]struct{}
	timer   *time.Timer
}

type Option func(s *Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

type Scheduler struct {
	lock    sync.Mutex
	entries map[key]*entry
	expired ExpiredFunc
	stopped bool
	metrics *metrics.Metrics
}

func New(expired ExpiredFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		entries: make(map[key]*entry),
		expired: expired,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// OnExpired replaces the function called with the members of the expired windows.
func (s *Scheduler) OnExpired(expired ExpiredFunc) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.expired = expired
}

// Add registers member in the window. A slide not positive defaults to the window.
func (s *Scheduler) Add(window, slide time.Duration, member Member) error {
	if window <= 0 {
		return fmt.Errorf("%w: %s", entity.ErrInvalidWindow, window)
	}
	if slide <= 0 {
		slide = window
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.stopped {
		return nil
	}

	k := key{window: window, slide: slide}
	e, found := s.entries[k]
	if !found {
		now := time.Now()
		e = &entry{
			key:     k,
			expiry:  now.Add(window).Truncate(resolution),
			members: make(map[Member]struct{}),
		}
		e.timer = time.AfterFunc(e.expiry.Sub(now), func() { s.fire(k) })
		s.entries[k] = e

		zap.S().Debugw("window scheduled", "window", window, "slide", slide, "expiry", e.expiry)
		s.metrics.Windows(len(s.entries))
	}
	e.members[member] = struct{}{}

	return nil
}

// Remove removes the members of the endpoint for the device model. Empty windows are cancelled.
func (s *Scheduler) Remove(endpointID, urn string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.remove(endpointID, urn)
}

// Flush removes the members of the endpoint for the device model and returns them.
// The caller expires them synchronously.
func (s *Scheduler) Flush(endpointID, urn string) []Member {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.remove(endpointID, urn)
}

func (s *Scheduler) remove(endpointID, urn string) []Member {
	removed := make([]Member, 0)
	for k, e := range s.entries {
		for m := range e.members {
			if m.EndpointID == endpointID && m.DeviceModelURN == urn {
				removed = append(removed, m)
				delete(e.members, m)
			}
		}
		if len(e.members) == 0 {
			e.timer.Stop()
			delete(s.entries, k)
			zap.S().Debugw("window cancelled", "window", k.window, "slide", k.slide)
		}
	}
	s.metrics.Windows(len(s.entries))

	sortMembers(removed)
	return removed
}

// Len returns the number of scheduled windows.
func (s *Scheduler) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.entries)
}

// Expiry returns the next expiry of the window.
func (s *Scheduler) Expiry(window, slide time.Duration) (time.Time, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if slide <= 0 {
		slide = window
	}
	e, found := s.entries[key{window: window, slide: slide}]
	if !found {
		return time.Time{}, false
	}
	return e.expiry, true
}

// Clear cancels every window. The scheduler accepts new members afterwards.
func (s *Scheduler) Clear() {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, e := range s.entries {
		e.timer.Stop()
	}
	s.entries = make(map[key]*entry)
	s.metrics.Windows(0)
}

// Stop cancels every window.
func (s *Scheduler) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, e := range s.entries {
		e.timer.Stop()
	}
	s.entries = make(map[key]*entry)
	s.stopped = true
	s.metrics.Windows(0)
}

func (s *Scheduler) fire(k key) {
	s.lock.Lock()
	e, found := s.entries[k]
	if !found || s.stopped {
		s.lock.Unlock()
		return
	}

	members := make([]Member, 0, len(e.members))
	for m := range e.members {
		members = append(members, m)
	}
	sortMembers(members)

	// the next expiry follows the previous one so the windows stay a slide apart
	e.expiry = e.expiry.Add(k.slide)
	e.timer.Reset(time.Until(e.expiry))
	expired := s.expired
	s.lock.Unlock()

	s.metrics.Expiration()
	if expired != nil {
		expired(members)
	}
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if a.EndpointID != b.EndpointID {
			return a.EndpointID < b.EndpointID
		}
		if a.DeviceModelURN != b.DeviceModelURN {
			return a.DeviceModelURN < b.DeviceModelURN
		}
		if a.Attribute != b.Attribute {
			return a.Attribute < b.Attribute
		}
		return a.PipelineIndex < b.PipelineIndex
	})
}
