package formula

import (
	"fmt"
	"strconv"
	"strings"
)

type Expr interface {
	String() string
	Accept(e *evaluator) float64 // visitor pattern
}

// NumExpr is an expression like 1234.5
type NumExpr struct {
	Value float64
}

func (n *NumExpr) String() string {
	return strconv.FormatFloat(n.Value, 'g', -1, 64)
}

func (n *NumExpr) Accept(e *evaluator) float64 {
	return e.visitNumExpr(n)
}

// IdentExpr is a bare identifier like 'pi' or 'temperature'.
// Identifiers which are not constants are read as current attribute values.
type IdentExpr struct {
	Name string
}

func (i *IdentExpr) String() string {
	return i.Name
}

func (i *IdentExpr) Accept(e *evaluator) float64 {
	return e.visitIdentExpr(i)
}

// AttributeExpr is an expression like $(temperature) or $$(temperature).
type AttributeExpr struct {
	Name string
	// InProcess is true for $$(name): the value being threaded through the pipeline.
	InProcess bool
}

func (a *AttributeExpr) String() string {
	if a.InProcess {
		return fmt.Sprintf("$$(%s)", a.Name)
	}
	return fmt.Sprintf("$(%s)", a.Name)
}

func (a *AttributeExpr) Accept(e *evaluator) float64 {
	return e.visitAttributeExpr(a)
}

// UnaryExpr is an expression like -x or !x
type UnaryExpr struct {
	Op    Token
	Right Expr
}

func (u *UnaryExpr) String() string {
	return u.Op.String() + u.Right.String()
}

func (u *UnaryExpr) Accept(e *evaluator) float64 {
	return e.visitUnaryExpr(u)
}

// BinaryExpr is an expression like x + 2 or x > 0 && y == 1
type BinaryExpr struct {
	Left  Expr
	Op    Token
	Right Expr
}

func (b *BinaryExpr) String() string {
	return fmt.Sprintf("( %s %s %s )", b.Left.String(), b.Op.String(), b.Right.String())
}

func (b *BinaryExpr) Accept(e *evaluator) float64 {
	return e.visitBinaryExpr(b)
}

// TernaryExpr is an expression like x > 50 ? 1 : 0
type TernaryExpr struct {
	Cond Expr
	Then Expr
	Else Expr
}

func (t *TernaryExpr) String() string {
	return fmt.Sprintf("( %s ? %s : %s )", t.Cond.String(), t.Then.String(), t.Else.String())
}

func (t *TernaryExpr) Accept(e *evaluator) float64 {
	return e.visitTernaryExpr(t)
}

// CallExpr is an expression like max(x, 2)
type CallExpr struct {
	Name string
	Args []Expr
	fn   builtin
}

func (c *CallExpr) String() string {
	args := make([]string, 0, len(c.Args))
	for _, a := range c.Args {
		args = append(args, a.String())
	}
	return fmt.Sprintf("%s(%s)", c.Name, strings.Join(args, ", "))
}

func (c *CallExpr) Accept(e *evaluator) float64 {
	return e.visitCallExpr(c)
}

// GroupExpr is an expression like ( x == 2 )
type GroupExpr struct {
	Expr Expr
}

func (g *GroupExpr) String() string {
	return g.Expr.String()
}

func (g *GroupExpr) Accept(e *evaluator) float64 {
	return e.visitGroupExpr(g)
}
