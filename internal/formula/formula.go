// Package formula parses and evaluates the numeric expressions found in policy
// function parameters, e.g. "$(temperature) > 50 ? 1 : 0".
//
// Every value is a float64. Booleans are 1.0 and 0.0. A reference to an attribute
// which has no value yet evaluates to NaN and NaN flows through the operators
// without raising an error.
package formula

import (
	"sort"
)

// Env resolves attribute references while a formula is evaluated.
type Env interface {
	// Attribute returns the current value of the attribute. It resolves $(name).
	Attribute(name string) (float64, bool)
	// InProcessAttribute returns the value being processed by the pipeline of the attribute
	// or its current value if the attribute is not being processed. It resolves $$(name).
	InProcessAttribute(name string) (float64, bool)
}

// MapEnv is an Env backed by maps. It is handy for tests and for one-shot evaluations.
type MapEnv struct {
	Current   map[string]float64
	InProcess map[string]float64
}

func (m MapEnv) Attribute(name string) (float64, bool) {
	v, ok := m.Current[name]
	return v, ok
}

func (m MapEnv) InProcessAttribute(name string) (float64, bool) {
	if v, ok := m.InProcess[name]; ok {
		return v, true
	}
	return m.Attribute(name)
}

type Formula struct {
	source string
	expr   Expr
	refs   []string
}

// Parse returns the formula for expression or a *ParseError.
func Parse(expression string) (*Formula, error) {
	expr, err := parse([]byte(expression))
	if err != nil {
		return nil, err
	}

	return &Formula{
		source: expression,
		expr:   expr,
		refs:   references(expr),
	}, nil
}

// Evaluate evaluates the formula against env.
func (f *Formula) Evaluate(env Env) float64 {
	return f.expr.Accept(&evaluator{env: env})
}

// References returns the sorted names of the attributes referenced by the formula.
func (f *Formula) References() []string {
	return f.refs
}

func (f *Formula) Source() string {
	return f.source
}

// String returns the parenthesized form of the formula.
func (f *Formula) String() string {
	return f.expr.String()
}

func references(expr Expr) []string {
	seen := make(map[string]struct{})

	var walk func(e Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *AttributeExpr:
			seen[n.Name] = struct{}{}
		case *IdentExpr:
			if _, isConst := constants[n.Name]; !isConst {
				seen[n.Name] = struct{}{}
			}
		case *UnaryExpr:
			walk(n.Right)
		case *BinaryExpr:
			walk(n.Left)
			walk(n.Right)
		case *TernaryExpr:
			walk(n.Cond)
			walk(n.Then)
			walk(n.Else)
		case *CallExpr:
			for _, a := range n.Args {
				walk(a)
			}
		case *GroupExpr:
			walk(n.Expr)
		}
	}
	walk(expr)

	refs := make([]string, 0, len(seen))
	for name := range seen {
		refs = append(refs, name)
	}
	sort.Strings(refs)

	return refs
}
