// Package trigger finds the computed metrics to evaluate again when attributes are updated.
package trigger

import (
	"sync"
	"time"

	"github.com/tupyy/device-policy-ng/internal/containers"
	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/formula"
	"github.com/tupyy/device-policy-ng/internal/function"
	"go.uber.org/zap"
)

// Graph links every attribute to the computed metrics whose formula references it.
type Graph struct {
	graph    *containers.Graph[string, string]
	computed map[string]struct{}
}

// Build returns the graph of the computed metrics of policy.
// A computed metric is an attribute whose pipeline starts with a computedMetric function.
func Build(policy *entity.DevicePolicy, formulas *formula.Cache) *Graph {
	g := &Graph{
		graph:    containers.NewGraph[string, string](),
		computed: make(map[string]struct{}),
	}

	for _, attribute := range policy.Attributes() {
		pipeline := policy.Pipeline(attribute)
		if len(pipeline) == 0 || pipeline[0].ID != function.ComputedMetric {
			continue
		}

		source := pipeline[0].Parameters.String("formula", "")
		f, err := formulas.Get(source)
		if err != nil {
			zap.S().Warnw("computed metric not triggered", "device_model_urn", policy.DeviceModelURN, "attribute", attribute, "error", err)
			continue
		}

		g.computed[attribute] = struct{}{}
		to := g.graph.CreateNode(attribute)
		for _, ref := range f.References() {
			g.graph.AddEdge(g.graph.CreateNode(ref), to, source)
		}
	}

	return g
}

// IsComputed reports whether attribute is a computed metric.
func (g *Graph) IsComputed(attribute string) bool {
	_, ok := g.computed[attribute]
	return ok
}

// Triggered returns the computed metrics to evaluate after the update of the attributes.
// Every computed metric is returned once, after the computed metrics it references.
// The updated attributes are never returned.
func (g *Graph) Triggered(updated ...string) []string {
	if len(g.computed) == 0 {
		return nil
	}

	skip := make(map[string]struct{}, len(updated))
	start := make([]string, 0, len(updated))
	for _, name := range updated {
		skip[name] = struct{}{}
		if g.graph.GetNode(name) != nil {
			start = append(start, name)
		}
	}
	if len(start) == 0 {
		return nil
	}

	reached := make([]string, 0)
	_ = g.graph.Walk(func(n *containers.Node[string, string]) bool {
		if _, isUpdated := skip[n.Value]; !isUpdated && g.IsComputed(n.Value) {
			reached = append(reached, n.Value)
		}
		return true
	}, start...)

	return g.sort(reached)
}

// sort orders the reached computed metrics so that a metric comes after the reached metrics it references.
// The walk order breaks ties. Metrics depending on each other are released in walk order.
func (g *Graph) sort(reached []string) []string {
	in := make(map[string]struct{}, len(reached))
	for _, name := range reached {
		in[name] = struct{}{}
	}

	pending := make(map[string]int, len(reached))
	for _, name := range reached {
		for _, e := range g.graph.GetNode(name).In {
			if _, ok := in[e.From.Value]; ok && e.From.Value != name {
				pending[name]++
			}
		}
	}

	sorted := make([]string, 0, len(reached))
	done := make(map[string]struct{}, len(reached))
	for len(sorted) < len(reached) {
		progress := false
		for _, name := range reached {
			if _, ok := done[name]; ok || pending[name] > 0 {
				continue
			}

			done[name] = struct{}{}
			sorted = append(sorted, name)
			progress = true

			for _, e := range g.graph.GetNode(name).Out {
				if _, ok := in[e.To.Value]; ok && e.To.Value != name {
					pending[e.To.Value]--
				}
			}
		}

		if !progress {
			// cycle
			for _, name := range reached {
				if _, ok := done[name]; !ok {
					pending[name] = 0
					break
				}
			}
		}
	}

	return sorted
}

type entry struct {
	policyID     string
	lastModified time.Time
	graph        *Graph
}

// Cache holds the graph of the policy of every device model.
type Cache struct {
	lock     sync.Mutex
	formulas *formula.Cache
	graphs   map[string]entry
}

func NewCache(formulas *formula.Cache) *Cache {
	return &Cache{
		formulas: formulas,
		graphs:   make(map[string]entry),
	}
}

// Get returns the graph of policy, building it on first use or when the policy changed.
func (c *Cache) Get(policy *entity.DevicePolicy) *Graph {
	c.lock.Lock()
	defer c.lock.Unlock()

	e, found := c.graphs[policy.DeviceModelURN]
	if found && e.policyID == policy.ID && e.lastModified.Equal(policy.LastModified) {
		return e.graph
	}

	g := Build(policy, c.formulas)
	c.graphs[policy.DeviceModelURN] = entry{policyID: policy.ID, lastModified: policy.LastModified, graph: g}

	return g
}

func (c *Cache) Reset() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.graphs = make(map[string]entry)
}
