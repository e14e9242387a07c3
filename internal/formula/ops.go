package formula

import (
	"math"
)

const (
	True  = 1.0
	False = 0.0
)

// IsTrue reports whether v is a true value.
// NaN is never true and neither is anything in the open interval (-1, 1).
func IsTrue(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	return v <= -1 || v >= 1
}

func boolean(b bool) float64 {
	if b {
		return True
	}
	return False
}

// canonical maps every NaN payload to the same bits so NaN == NaN.
func canonical(v float64) uint64 {
	if math.IsNaN(v) {
		return math.Float64bits(math.NaN())
	}
	return math.Float64bits(v)
}

func binary(op Token, lhs, rhs float64) float64 {
	lnan, rnan := math.IsNaN(lhs), math.IsNaN(rhs)

	switch op {
	case PLUS:
		return lhs + rhs
	case MINUS:
		return lhs - rhs
	case MUL:
		return lhs * rhs
	case DIV:
		return lhs / rhs
	case MOD:
		return math.Mod(lhs, rhs)
	case EQUALS:
		return boolean(canonical(lhs) == canonical(rhs))
	case NOT_EQUALS:
		return boolean(canonical(lhs) != canonical(rhs))
	case GREATER:
		if lnan || rnan {
			return False
		}
		return boolean(lhs > rhs)
	case LESS:
		if lnan || rnan {
			return False
		}
		return boolean(lhs < rhs)
	case GTE:
		if lnan && rnan {
			return True
		}
		if lnan || rnan {
			return False
		}
		return boolean(lhs >= rhs)
	case LTE:
		if lnan && rnan {
			return True
		}
		if lnan || rnan {
			return False
		}
		return boolean(lhs <= rhs)
	case AND:
		if lnan && rnan {
			return math.NaN()
		}
		return boolean(IsTrue(lhs) && IsTrue(rhs))
	case OR:
		if lnan && rnan {
			return math.NaN()
		}
		return boolean(IsTrue(lhs) || IsTrue(rhs))
	default:
		return math.NaN()
	}
}

func unary(op Token, v float64) float64 {
	switch op {
	case MINUS:
		return -v
	case PLUS:
		return v
	case NOT:
		if math.IsNaN(v) {
			return v
		}
		return boolean(!IsTrue(v))
	default:
		return math.NaN()
	}
}

type builtin struct {
	arity int // -1 means at least one argument
	call  func(args []float64) float64
}

var builtins = map[string]builtin{
	"abs":   {1, func(a []float64) float64 { return math.Abs(a[0]) }},
	"ceil":  {1, func(a []float64) float64 { return math.Ceil(a[0]) }},
	"floor": {1, func(a []float64) float64 { return math.Floor(a[0]) }},
	"round": {1, func(a []float64) float64 { return math.Round(a[0]) }},
	"sqrt":  {1, func(a []float64) float64 { return math.Sqrt(a[0]) }},
	"exp":   {1, func(a []float64) float64 { return math.Exp(a[0]) }},
	"log":   {1, func(a []float64) float64 { return math.Log(a[0]) }},
	"log10": {1, func(a []float64) float64 { return math.Log10(a[0]) }},
	"pow":   {2, func(a []float64) float64 { return math.Pow(a[0], a[1]) }},
	"min":   {-1, minOf},
	"max":   {-1, maxOf},
}

var constants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

// minOf ignores NaN arguments unless all of them are NaN.
func minOf(args []float64) float64 {
	result := math.NaN()
	for _, a := range args {
		if math.IsNaN(a) {
			continue
		}
		if math.IsNaN(result) || a < result {
			result = a
		}
	}
	return result
}

func maxOf(args []float64) float64 {
	result := math.NaN()
	for _, a := range args {
		if math.IsNaN(a) {
			continue
		}
		if math.IsNaN(result) || a > result {
			result = a
		}
	}
	return result
}
