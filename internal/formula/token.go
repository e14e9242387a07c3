package formula

type Token int

const (
	ILLEGAL Token = iota
	EOL

	// single character tokens
	LPAREN
	RPAREN
	COMMA
	QUESTION
	COLON
	PLUS
	MINUS
	MUL
	DIV
	MOD
	NOT

	// one or two character tokens
	AND
	OR
	EQUALS
	NOT_EQUALS
	GTE
	GREATER
	LTE
	LESS

	// literals
	NUMBER
	IDENT
	ATTRIBUTE
	IN_PROCESS_ATTRIBUTE
)

var tokenNames = map[Token]string{
	ILLEGAL:              "illegal",
	EOL:                  "EOL",
	LPAREN:               "(",
	RPAREN:               ")",
	COMMA:                ",",
	QUESTION:             "?",
	COLON:                ":",
	PLUS:                 "+",
	MINUS:                "-",
	MUL:                  "*",
	DIV:                  "/",
	MOD:                  "%",
	NOT:                  "!",
	AND:                  "&&",
	OR:                   "||",
	EQUALS:               "==",
	NOT_EQUALS:           "!=",
	GTE:                  ">=",
	GREATER:              ">",
	LTE:                  "<=",
	LESS:                 "<",
	NUMBER:               "number",
	IDENT:                "ident",
	ATTRIBUTE:            "$()",
	IN_PROCESS_ATTRIBUTE: "$$()",
}

func (t Token) String() string {
	return tokenNames[t]
}

// precedence returns the binding power of a binary operator. Zero means t is not a binary operator.
func (t Token) precedence() int {
	switch t {
	case OR:
		return 1
	case AND:
		return 2
	case EQUALS, NOT_EQUALS, GREATER, GTE, LESS, LTE:
		return 3
	case PLUS, MINUS:
		return 4
	case MUL, DIV, MOD:
		return 5
	default:
		return 0
	}
}

func (t Token) isRelational() bool {
	return t.precedence() == 3
}
