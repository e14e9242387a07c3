package function

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/formula"
)

type NetworkCost int

const (
	Ethernet NetworkCost = iota + 1
	Cellular
	Satellite
)

func (n NetworkCost) String() string {
	switch n {
	case Ethernet:
		return "ETHERNET"
	case Cellular:
		return "CELLULAR"
	case Satellite:
		return "SATELLITE"
	default:
		return "unknown"
	}
}

func ParseNetworkCost(s string) (NetworkCost, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ETHERNET":
		return Ethernet, nil
	case "CELLULAR":
		return Cellular, nil
	case "SATELLITE":
		return Satellite, nil
	default:
		return 0, fmt.Errorf("%w: unknown network cost '%s'", entity.ErrInvalidParameter, s)
	}
}

// NetworkCostProvider returns the cost of the network the client is currently using.
type NetworkCostProvider interface {
	NetworkCost() NetworkCost
}

type StaticNetworkCost NetworkCost

func (s StaticNetworkCost) NetworkCost() NetworkCost {
	return NetworkCost(s)
}

// lockedRand is a rand.Rand safe for concurrent use.
type lockedRand struct {
	lock sync.Mutex
	r    *rand.Rand
}

func (l *lockedRand) Intn(n int) int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.r.Intn(n)
}

type options struct {
	formulas    *formula.Cache
	networkCost NetworkCostProvider
	rand        *rand.Rand
}

type Option func(o *options)

func WithFormulaCache(c *formula.Cache) Option {
	return func(o *options) {
		o.formulas = c
	}
}

func WithNetworkCost(p NetworkCostProvider) Option {
	return func(o *options) {
		o.networkCost = p
	}
}

func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		o.rand = r
	}
}

// Catalog is the closed set of functions a pipeline can reference.
type Catalog struct {
	functions map[string]Function
	formulas  *formula.Cache
}

func NewCatalog(opts ...Option) (*Catalog, error) {
	o := options{
		networkCost: StaticNetworkCost(Ethernet),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.formulas == nil {
		cache, err := formula.NewCache(formula.DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		o.formulas = cache
	}

	if o.rand == nil {
		o.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	c := &Catalog{
		functions: make(map[string]Function),
		formulas:  o.formulas,
	}

	c.register(&filterCondition{formulas: o.formulas})
	c.register(&alertCondition{formulas: o.formulas})
	c.register(&actionCondition{formulas: o.formulas})
	c.register(&computedMetric{formulas: o.formulas})
	c.register(&batchByTime{})
	c.register(&batchBySize{})
	c.register(&batchByCost{provider: o.networkCost})
	c.register(&detectDuplicates{})
	c.register(&eliminateDuplicates{})
	c.register(&sampleQuality{rand: &lockedRand{r: o.rand}})
	c.register(newMean())
	c.register(newMin())
	c.register(newMax())
	c.register(&standardDeviation{})

	return c, nil
}

func (c *Catalog) register(f Function) {
	c.functions[f.ID()] = f
}

// Lookup returns the function registered under id.
func (c *Catalog) Lookup(id string) (Function, error) {
	f, ok := c.functions[id]
	if !ok {
		return nil, fmt.Errorf("%w '%s'", entity.ErrUnknownFunction, id)
	}
	return f, nil
}

// IDs returns the sorted ids of the registered functions.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.functions))
	for id := range c.functions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Formulas returns the formula cache shared by the functions.
func (c *Catalog) Formulas() *formula.Cache {
	return c.formulas
}
