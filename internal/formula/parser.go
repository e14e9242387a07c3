// Grammar
//
// formula:        expression EOL													;
// expression:     binary ( "?" additive ":" additive )?							;
// binary:         unary ( op unary )*   (ops bound by precedence, left to right)	;
//                 || < && < relational < additive < multiplicative					;
// unary:          ( "!" | "+" | "-" )? primary										;
// primary:        "(" expression ")" | IDENT "(" args? ")" | NUMBER | IDENT
//                 | "$(" name ")" | "$$(" name ")"									;
// args:           expression ( "," expression )*									;

package formula

import (
	"fmt"
	"strconv"

	"github.com/tupyy/device-policy-ng/internal/entity"
)

const additivePrecedence = 4

// ParseError (actually *ParseError) is the type of error returned by parse.
type ParseError struct {
	// Zero based offset in the source where the error occurred.
	Position int
	// Error message.
	Message string
}

// Error returns a formatted version of the error, including the position.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at column %d: %s", e.Position, e.Message)
}

func (e *ParseError) Unwrap() error {
	return entity.ErrFormulaParse
}

type parser struct {
	// Lexer instance and current token values
	lexer *lexer
	pos   int    // position of last token (tok)
	tok   Token  // last lexed token
	val   string // string value of last token (or "")
}

func parse(src []byte) (expr Expr, err error) {
	defer func() {
		if r := recover(); r != nil {
			// Convert to ParseError or re-panic
			pe, ok := r.(*ParseError)
			if !ok {
				panic(r)
			}
			expr = nil
			err = pe
		}
	}()

	p := parser{lexer: newLexer(src)}
	p.next() // initialize p.tok

	if p.matches(EOL) {
		panic(p.errorf("empty formula"))
	}

	expr = p.expression()

	if !p.matches(EOL) {
		panic(p.errorf("unexpected %s after expression", p.tok))
	}

	return
}

// Parse an expression
//
// expression: binary ( "?" additive ":" additive )?
func (p *parser) expression() Expr {
	cond := p.binary(1)

	if !p.matches(QUESTION) {
		return cond
	}
	p.next()

	then := p.binary(additivePrecedence)
	p.consume(COLON, "expected ':' in conditional expression")
	otherwise := p.binary(additivePrecedence)

	return &TernaryExpr{Cond: cond, Then: then, Else: otherwise}
}

// Parse a binary expression whose operators bind at least as tight as minPrecedence.
// Operators of equal precedence associate to the left.
func (p *parser) binary(minPrecedence int) Expr {
	left := p.unary()

	for {
		op := p.tok
		prec := op.precedence()
		if prec == 0 || prec < minPrecedence {
			return left
		}
		p.next()

		right := p.binary(prec + 1)

		if op.isRelational() && p.tok.isRelational() {
			panic(p.errorf("comparison operators cannot be chained"))
		}

		left = &BinaryExpr{Left: left, Op: op, Right: right}
	}
}

// Parse an unary expression
//
// unary: ( "!" | "+" | "-" )? primary
func (p *parser) unary() Expr {
	if p.matches(NOT, PLUS, MINUS) {
		op := p.tok
		p.next()
		return &UnaryExpr{Op: op, Right: p.primary()}
	}

	return p.primary()
}

func (p *parser) primary() Expr {
	switch p.tok {
	case LPAREN:
		p.next()
		expr := p.expression()
		p.consume(RPAREN, "expected ')' after expression")
		return &GroupExpr{Expr: expr}
	case NUMBER:
		value, err := strconv.ParseFloat(p.val, 64)
		if err != nil {
			panic(p.errorf("expected number instead of '%s'", p.val))
		}
		p.next()
		return &NumExpr{Value: value}
	case ATTRIBUTE, IN_PROCESS_ATTRIBUTE:
		expr := &AttributeExpr{Name: p.val, InProcess: p.tok == IN_PROCESS_ATTRIBUTE}
		p.next()
		return expr
	case IDENT:
		name, pos := p.val, p.pos
		p.next()
		if p.matches(LPAREN) {
			return p.call(name, pos)
		}
		return &IdentExpr{Name: name}
	default:
		panic(p.errorf("unexpected %s", p.tok))
	}
}

// Parse a function call. The name is already consumed.
//
// IDENT "(" args? ")"
func (p *parser) call(name string, pos int) Expr {
	fn, ok := builtins[name]
	if !ok {
		panic(&ParseError{Position: pos, Message: fmt.Sprintf("unknown function '%s'", name)})
	}

	p.consume(LPAREN, "expected '(' after function name")

	args := make([]Expr, 0, 2)
	if !p.matches(RPAREN) {
		args = append(args, p.expression())
		for p.matches(COMMA) {
			p.next()
			args = append(args, p.expression())
		}
	}
	p.consume(RPAREN, "expected ')' after function arguments")

	if (fn.arity >= 0 && len(args) != fn.arity) || (fn.arity < 0 && len(args) == 0) {
		panic(&ParseError{Position: pos, Message: fmt.Sprintf("wrong number of arguments for '%s'", name)})
	}

	return &CallExpr{Name: name, Args: args, fn: fn}
}

// Parse next token into p.tok (and set p.pos and p.val).
func (p *parser) next() {
	p.pos, p.tok, p.val = p.lexer.Scan()
	if p.tok == ILLEGAL {
		panic(p.errorf("%s", p.val))
	}
}

// Return true iff current token matches one of the given operators,
// but don't parse next token.
func (p *parser) matches(operators ...Token) bool {
	for _, operator := range operators {
		if p.tok == operator {
			return true
		}
	}
	return false
}

func (p *parser) consume(tok Token, msg string) {
	if !p.matches(tok) {
		panic(p.errorf("%s", msg))
	}
	p.next()
}

// Format given string and args with Sprintf and return an error
// with that message and the current position.
func (p *parser) errorf(format string, args ...interface{}) error {
	message := fmt.Sprintf(format, args...)
	return &ParseError{p.pos, message}
}
