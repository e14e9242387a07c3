package formula

import "math"

// evaluator walks the ast post-order and produces a float64.
type evaluator struct {
	env Env
}

func (e *evaluator) visitNumExpr(n *NumExpr) float64 {
	return n.Value
}

func (e *evaluator) visitIdentExpr(i *IdentExpr) float64 {
	if c, ok := constants[i.Name]; ok {
		return c
	}
	return e.attribute(i.Name, false)
}

func (e *evaluator) visitAttributeExpr(a *AttributeExpr) float64 {
	return e.attribute(a.Name, a.InProcess)
}

func (e *evaluator) visitUnaryExpr(u *UnaryExpr) float64 {
	return unary(u.Op, u.Right.Accept(e))
}

func (e *evaluator) visitBinaryExpr(b *BinaryExpr) float64 {
	lhs := b.Left.Accept(e)
	rhs := b.Right.Accept(e)
	return binary(b.Op, lhs, rhs)
}

func (e *evaluator) visitTernaryExpr(t *TernaryExpr) float64 {
	if IsTrue(t.Cond.Accept(e)) {
		return t.Then.Accept(e)
	}
	return t.Else.Accept(e)
}

func (e *evaluator) visitCallExpr(c *CallExpr) float64 {
	args := make([]float64, 0, len(c.Args))
	for _, a := range c.Args {
		args = append(args, a.Accept(e))
	}
	return c.fn.call(args)
}

func (e *evaluator) visitGroupExpr(g *GroupExpr) float64 {
	return g.Expr.Accept(e)
}

func (e *evaluator) attribute(name string, inProcess bool) float64 {
	if e.env == nil {
		return math.NaN()
	}

	var (
		v  float64
		ok bool
	)
	if inProcess {
		v, ok = e.env.InProcessAttribute(name)
	} else {
		v, ok = e.env.Attribute(name)
	}

	if !ok {
		return math.NaN()
	}
	return v
}
