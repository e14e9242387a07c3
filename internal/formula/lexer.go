package formula

type lexer struct {
	src    []byte
	ch     byte
	offset int // offset of the next character to read
	pos    int // position of ch
}

func newLexer(src []byte) *lexer {
	l := &lexer{src: src, pos: -1}
	l.next()

	return l
}

// Scan returns the position, the token and the token's value.
// Positions are zero based offsets into the source.
func (l *lexer) Scan() (int, Token, string) {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.next()
	}

	pos := l.pos
	if l.ch == 0 {
		return pos, EOL, ""
	}

	ch := l.ch

	if isAlpha(ch) || ch == '_' {
		start := l.pos
		for isAlpha(l.ch) || isDigit(l.ch) || l.ch == '_' {
			l.next()
		}
		return pos, IDENT, string(l.src[start:l.pos])
	}

	if isDigit(ch) || (ch == '.' && isDigit(l.peek())) {
		tok, val := l.number()
		return pos, tok, val
	}

	l.next()

	tok := ILLEGAL
	val := ""

	switch ch {
	case '(':
		tok = LPAREN
	case ')':
		tok = RPAREN
	case ',':
		tok = COMMA
	case '?':
		tok = QUESTION
	case ':':
		tok = COLON
	case '+':
		tok = PLUS
	case '-':
		tok = MINUS
	case '*':
		tok = MUL
	case '/':
		tok = DIV
	case '%':
		tok = MOD
	case '$':
		tok, val := l.attribute()
		return pos, tok, val
	case '!':
		switch l.ch {
		case '=':
			tok = NOT_EQUALS
			l.next()
		default:
			tok = NOT
		}
	case '=':
		switch l.ch {
		case '=':
			tok = EQUALS
			l.next()
		default:
			val = "expected '=='"
		}
	case '<':
		switch l.ch {
		case '=':
			tok = LTE
			l.next()
		default:
			tok = LESS
		}
	case '>':
		switch l.ch {
		case '=':
			tok = GTE
			l.next()
		default:
			tok = GREATER
		}
	case '&':
		switch l.ch {
		case '&':
			tok = AND
			l.next()
		default:
			val = "expected '&&'"
		}
	case '|':
		switch l.ch {
		case '|':
			tok = OR
			l.next()
		default:
			val = "expected '||'"
		}
	default:
		val = "unexpected char"
	}

	return pos, tok, val
}

// number scans digits with an optional fraction and exponent.
func (l *lexer) number() (Token, string) {
	start := l.pos
	for isDigit(l.ch) {
		l.next()
	}

	if l.ch == '.' {
		l.next()
		for isDigit(l.ch) {
			l.next()
		}
		// allow only one dot in the number
		if l.ch == '.' {
			return ILLEGAL, "malformed number"
		}
	}

	if l.ch == 'e' || l.ch == 'E' {
		l.next()
		if l.ch == '+' || l.ch == '-' {
			l.next()
		}
		if !isDigit(l.ch) {
			return ILLEGAL, "malformed exponent"
		}
		for isDigit(l.ch) {
			l.next()
		}
	}

	return NUMBER, string(l.src[start:l.pos])
}

// attribute scans the rest of '$(name)' or '$$(name)'. The leading '$' is already consumed.
func (l *lexer) attribute() (Token, string) {
	tok := ATTRIBUTE
	if l.ch == '$' {
		tok = IN_PROCESS_ATTRIBUTE
		l.next()
	}

	if l.ch != '(' {
		return ILLEGAL, "expected '(' after '$'"
	}
	l.next()

	start := l.pos
	for isAttributeChar(l.ch) {
		l.next()
	}
	name := string(l.src[start:l.pos])

	if l.ch != ')' {
		return ILLEGAL, "expected ')' after attribute name"
	}
	l.next()

	if len(name) == 0 {
		return ILLEGAL, "empty attribute name"
	}

	return tok, name
}

// Load the next character into l.ch (or 0 on end of input).
func (l *lexer) next() {
	l.pos = l.offset
	if l.offset >= len(l.src) {
		l.ch = 0
		return
	}
	l.ch = l.src[l.offset]
	l.offset++
}

func (l *lexer) peek() byte {
	if l.offset >= len(l.src) {
		return 0
	}
	return l.src[l.offset]
}

func isAlpha(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isAttributeChar(ch byte) bool {
	return isAlpha(ch) || isDigit(ch) || ch == '_' || ch == '.' || ch == '-'
}
