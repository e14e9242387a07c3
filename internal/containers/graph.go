package containers

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNodeNotFound = errors.New("node not found")
)

type Node[S, T comparable] struct {
	Value T
	In    []*Edge[S, T]
	Out   []*Edge[S, T]
}

func (n *Node[S, T]) String() string {
	return fmt.Sprintf("[%v]", n.Value)
}

type Edge[S, T comparable] struct {
	From  *Node[S, T]
	To    *Node[S, T]
	Value S
}

func (e Edge[S, T]) String() string {
	return fmt.Sprintf("%v --[%v]--> %v", e.From.Value, e.Value, e.To.Value)
}

// Graph is a directed graph. Cycles are allowed: Walk visits every node at most once.
type Graph[S, T comparable] struct {
	Nodes []*Node[S, T]
	lock  sync.Mutex
	index map[T]*Node[S, T]
}

func NewGraph[S, T comparable]() *Graph[S, T] {
	return &Graph[S, T]{
		Nodes: make([]*Node[S, T], 0),
		index: make(map[T]*Node[S, T]),
	}
}

// CreateNode returns the Node for value, creating it if not present.
func (g *Graph[S, T]) CreateNode(value T) *Node[S, T] {
	g.lock.Lock()
	defer g.lock.Unlock()

	if n, found := g.index[value]; found {
		return n
	}
	n := &Node[S, T]{Value: value}
	g.Nodes = append(g.Nodes, n)
	g.index[value] = n
	return n
}

func (g *Graph[S, T]) GetNode(value T) *Node[S, T] {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.index[value]
}

// AddEdge adds the edge to graph. An edge already present between the two nodes is not added twice.
func (g *Graph[S, T]) AddEdge(from *Node[S, T], to *Node[S, T], value S) {
	g.lock.Lock()
	defer g.lock.Unlock()

	for _, e := range from.Out {
		if e.To == to && e.Value == value {
			return
		}
	}

	e := &Edge[S, T]{From: from, To: to, Value: value}
	to.In = append(to.In, e)
	from.Out = append(from.Out, e)
}

// Walk visits breadth first the nodes reachable from the start values, start nodes excluded unless reached by an edge.
// Every node is visited at most once. visit returns false to stop the walk.
func (g *Graph[S, T]) Walk(visit func(n *Node[S, T]) bool, start ...T) error {
	queue := make([]*Node[S, T], 0, len(start))
	for _, v := range start {
		n := g.GetNode(v)
		if n == nil {
			return fmt.Errorf("%w start node value: %v", ErrNodeNotFound, v)
		}
		queue = append(queue, n)
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	visited := make(map[*Node[S, T]]bool)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		for _, edge := range n.Out {
			if visited[edge.To] {
				continue
			}
			visited[edge.To] = true
			if !visit(edge.To) {
				return nil
			}
			queue = append(queue, edge.To)
		}
	}

	return nil
}
