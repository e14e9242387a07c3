package device

import "sync"

type key struct {
	endpointID string
	urn        string
}

// Cache keeps one Analog per endpoint and device model.
type Cache struct {
	lock     sync.Mutex
	registry Registry
	analogs  map[key]*Analog
	opts     []AnalogOption
}

func NewCache(registry Registry, opts ...AnalogOption) *Cache {
	return &Cache{
		registry: registry,
		analogs:  make(map[key]*Analog),
		opts:     opts,
	}
}

// Get returns the analog creating it on first use.
func (c *Cache) Get(endpointID, urn string) (*Analog, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	k := key{endpointID: endpointID, urn: urn}
	if a, found := c.analogs[k]; found {
		return a, nil
	}

	model, err := c.registry.GetDeviceModel(urn)
	if err != nil {
		return nil, err
	}

	a := NewAnalog(endpointID, model, c.opts...)
	c.analogs[k] = a

	return a, nil
}

// Lookup returns the analog if it exists.
func (c *Cache) Lookup(endpointID, urn string) (*Analog, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	a, found := c.analogs[key{endpointID: endpointID, urn: urn}]
	return a, found
}
