// lexer.go — scanner for the Helix configuration language.
package helix

import (
	"fmt"
	"strconv"
	"unicode/utf8"
)

// TokenType represents the kind of token.
type TokenType int

const (
	// Special
	EOF TokenType = iota
	NEWLINE
	ILLEGAL

	// Punctuation
	LBRACE   // "{"
	RBRACE   // "}"
	LBRACKET // "["
	RBRACKET // "]"
	LPAREN   // "("
	RPAREN   // ")"
	COMMA    // ","
	ASSIGN   // "="
	ARROW    // "->" (pipeline stage separator)

	// Operators
	PLUS
	MINUS
	STAR
	SLASH
	EQ  // "=="
	NEQ // "!="
	LESS
	LESS_EQ
	GREATER
	GREATER_EQ

	// Literals & identifiers
	IDENT
	STRING
	NUMBER
	BOOL
	NULL
	DURATION  // digits with a unit suffix: 30s, 5m, 2h, 1d
	VARIABLE  // $name
	REFERENCE // @name ("[key]" suffix is the parser's business)

	// Keywords
	AGENT
	WORKFLOW
	MEMORY
	CONTEXT
	CREW
	PROJECT
	PIPELINE
	LOAD
	STEP
	TRIGGER
	CAPABILITIES
	BACKSTORY
	SECRETS
	VARIABLES
	EMBEDDINGS
	TIMEOUT
)

var tokenTypeNames = map[TokenType]string{
	EOF:          "end of file",
	NEWLINE:      "newline",
	ILLEGAL:      "illegal token",
	LBRACE:       "'{'",
	RBRACE:       "'}'",
	LBRACKET:     "'['",
	RBRACKET:     "']'",
	LPAREN:       "'('",
	RPAREN:       "')'",
	COMMA:        "','",
	ASSIGN:       "'='",
	ARROW:        "'->'",
	PLUS:         "'+'",
	MINUS:        "'-'",
	STAR:         "'*'",
	SLASH:        "'/'",
	EQ:           "'=='",
	NEQ:          "'!='",
	LESS:         "'<'",
	LESS_EQ:      "'<='",
	GREATER:      "'>'",
	GREATER_EQ:   "'>='",
	IDENT:        "identifier",
	STRING:       "string",
	NUMBER:       "number",
	BOOL:         "boolean",
	NULL:         "null",
	DURATION:     "duration",
	VARIABLE:     "variable",
	REFERENCE:    "reference",
	AGENT:        "'agent'",
	WORKFLOW:     "'workflow'",
	MEMORY:       "'memory'",
	CONTEXT:      "'context'",
	CREW:         "'crew'",
	PROJECT:      "'project'",
	PIPELINE:     "'pipeline'",
	LOAD:         "'load'",
	STEP:         "'step'",
	TRIGGER:      "'trigger'",
	CAPABILITIES: "'capabilities'",
	BACKSTORY:    "'backstory'",
	SECRETS:      "'secrets'",
	VARIABLES:    "'variables'",
	EMBEDDINGS:   "'embeddings'",
	TIMEOUT:      "'timeout'",
}

func (tt TokenType) String() string {
	if s, ok := tokenTypeNames[tt]; ok {
		return s
	}
	return fmt.Sprintf("TokenType(%d)", int(tt))
}

// Token is a lexical token with optional literal value.
type Token struct {
	Type    TokenType
	Lexeme  string      // raw text slice
	Literal interface{} // parsed value for literals
}

// SourceLocation pinpoints a token in the original source.
// Line and Column are 1-based; Pos is the absolute byte offset.
type SourceLocation struct {
	Line   int
	Column int
	Pos    int
}

// TokenWithLocation pairs a token with where it started.
type TokenWithLocation struct {
	Token
	Loc SourceLocation
}

// SourceMap retains the source text so later stages can render snippets
// around a failing token.
type SourceMap struct {
	Tokens []TokenWithLocation
	Source string
}

// Context returns up to `around` lines either side of the location, with
// the target line marked.
func (sm *SourceMap) Context(loc SourceLocation, around int) string {
	lines := splitLines(sm.Source)
	if len(lines) == 0 {
		return ""
	}
	line := loc.Line
	if line < 1 {
		line = 1
	}
	if line > len(lines) {
		line = len(lines)
	}
	lo := line - around
	if lo < 1 {
		lo = 1
	}
	hi := line + around
	if hi > len(lines) {
		hi = len(lines)
	}
	out := ""
	for i := lo; i <= hi; i++ {
		marker := "  "
		if i == line {
			marker = "> "
		}
		out += fmt.Sprintf("%s%4d | %s\n", marker, i, lines[i-1])
	}
	return out
}

// keywords map
var keywords = map[string]TokenType{
	"agent":        AGENT,
	"workflow":     WORKFLOW,
	"memory":       MEMORY,
	"context":      CONTEXT,
	"crew":         CREW,
	"project":      PROJECT,
	"pipeline":     PIPELINE,
	"load":         LOAD,
	"step":         STEP,
	"trigger":      TRIGGER,
	"capabilities": CAPABILITIES,
	"backstory":    BACKSTORY,
	"secrets":      SECRETS,
	"variables":    VARIABLES,
	"embeddings":   EMBEDDINGS,
	"timeout":      TIMEOUT,
	"true":         BOOL,
	"false":        BOOL,
	"null":         NULL,
}

// IsBlockKeyword reports whether a token type opens a declaration or
// sub-block (boolean and null literals excluded).
func IsBlockKeyword(tt TokenType) bool {
	return tt >= AGENT && tt <= TIMEOUT
}

// Lexer scans a Helix source string into tokens.
type Lexer struct {
	src   string
	start int // start index of current token
	cur   int // current index
	line  int // 1-based
	col   int // 0-based column within line

	tokens []TokenWithLocation

	tokStartLine int
	tokStartCol  int
	tokStartPos  int
}

// NewLexer creates a new lexer for the given source.
func NewLexer(src string) *Lexer {
	return &Lexer{src: src, line: 1, col: 0}
}

// Tokenize scans the source into plain tokens. The grammar is
// newline-sensitive inside blocks, so NEWLINE tokens are preserved (runs of
// blank lines collapse into one).
func Tokenize(source string) ([]Token, error) {
	withLoc, err := TokenizeWithLocations(source)
	if err != nil {
		return nil, err
	}
	out := make([]Token, len(withLoc))
	for i, t := range withLoc {
		out[i] = t.Token
	}
	return out, nil
}

// TokenizeWithLocations scans the source into location-carrying tokens.
func TokenizeWithLocations(source string) ([]TokenWithLocation, error) {
	return NewLexer(source).Scan()
}

// Scan tokenizes the entire source and returns tokens (EOF included).
func (l *Lexer) Scan() ([]TokenWithLocation, error) {
	for {
		tok, err := l.scanToken()
		if err != nil {
			return nil, err
		}
		if tok.Type == EOF {
			return l.tokens, nil
		}
	}
}

// ----- errors -----

// LexError reports a malformed token. Line is 1-based, Col 0-based.
type LexError struct {
	Line int
	Col  int
	Msg  string
}

func (e *LexError) Error() string {
	return fmt.Sprintf("LEXICAL ERROR at %d:%d: %s", e.Line, e.Col, e.Msg)
}

func (l *Lexer) errf(format string, args ...interface{}) error {
	return &LexError{Line: l.line, Col: l.col, Msg: fmt.Sprintf(format, args...)}
}

// ----- cursor primitives -----

func (l *Lexer) isAtEnd() bool { return l.cur >= len(l.src) }

func (l *Lexer) peek() (byte, bool) {
	if l.isAtEnd() {
		return 0, false
	}
	return l.src[l.cur], true
}

func (l *Lexer) peekN(n int) (byte, bool) {
	idx := l.cur + n
	if idx >= len(l.src) {
		return 0, false
	}
	return l.src[idx], true
}

func (l *Lexer) advance() (byte, bool) {
	if l.isAtEnd() {
		return 0, false
	}
	ch := l.src[l.cur]
	l.cur++
	if ch == '\n' {
		l.line++
		l.col = 0
	} else {
		l.col++
	}
	return ch, true
}

func (l *Lexer) rewindToStart() {
	l.col -= l.cur - l.start
	l.cur = l.start
}

func (l *Lexer) addToken(tt TokenType, lit interface{}) TokenWithLocation {
	lex := l.src[l.start:l.cur]
	tok := TokenWithLocation{
		Token: Token{Type: tt, Lexeme: lex, Literal: lit},
		Loc: SourceLocation{
			Line:   l.tokStartLine,
			Column: l.tokStartCol + 1,
			Pos:    l.tokStartPos,
		},
	}
	l.tokens = append(l.tokens, tok)
	l.start = l.cur
	return tok
}

func (l *Lexer) previousToken() *TokenWithLocation {
	if len(l.tokens) == 0 {
		return nil
	}
	return &l.tokens[len(l.tokens)-1]
}

// skipBlanks eats spaces, tabs and carriage returns. Newlines stay: they
// are tokens.
func (l *Lexer) skipBlanks() {
	for !l.isAtEnd() {
		ch, _ := l.peek()
		switch ch {
		case ' ', '\t', '\r':
			l.advance()
			l.start = l.cur
		default:
			return
		}
	}
}

// ----- character classes -----

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
func isAlpha(b byte) bool { return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || b == '_' }
func isAlphaNum(b byte) bool {
	return isAlpha(b) || isDigit(b)
}

func isDurationUnit(b byte) bool {
	switch b {
	case 's', 'm', 'h', 'd':
		return true
	}
	return false
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}

// ----- scanners -----

// scanString parses a string literal with either quote style. The cursor
// sits on the opening quote.
func (l *Lexer) scanString() (string, error) {
	del, _ := l.advance()

	var out []rune
	for !l.isAtEnd() {
		ch, _ := l.advance()
		if ch == del {
			return string(out), nil
		}
		if ch == '\n' {
			return "", l.errf("string was not terminated before end of line")
		}
		if ch == '\\' {
			if l.isAtEnd() {
				return "", l.errf("unfinished escape sequence")
			}
			esc, _ := l.advance()
			switch esc {
			case '"':
				out = append(out, '"')
			case '\'':
				out = append(out, '\'')
			case '\\':
				out = append(out, '\\')
			case '/':
				out = append(out, '/')
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'u':
				var hex string
				for i := 0; i < 4; i++ {
					b, ok := l.peek()
					if !ok || !isHexDigit(b) {
						return "", l.errf("unicode escape needs 4 hex digits")
					}
					hex += string(b)
					l.advance()
				}
				v, err := strconv.ParseInt(hex, 16, 32)
				if err != nil {
					return "", l.errf("invalid unicode escape")
				}
				out = append(out, rune(v))
			default:
				return "", l.errf("invalid escape sequence: \\%c", esc)
			}
			continue
		}
		if ch < utf8.RuneSelf {
			out = append(out, rune(ch))
			continue
		}
		// Non-ASCII: back up one byte and decode the full rune.
		l.cur--
		l.col--
		r, size := utf8.DecodeRuneInString(l.src[l.cur:])
		if r == utf8.RuneError && size == 1 {
			return "", l.errf("invalid UTF-8 in string literal")
		}
		l.cur += size
		l.col += size
		out = append(out, r)
	}
	return "", l.errf("string was not terminated")
}

// scanIdentifier parses [A-Za-z_][A-Za-z0-9_-]*. Hyphens are allowed inside
// identifiers (model names like "gpt-4"), but "->" always ends one.
func (l *Lexer) scanIdentifier() string {
	for {
		b, ok := l.peek()
		if !ok {
			break
		}
		if isAlphaNum(b) {
			l.advance()
			continue
		}
		if b == '-' {
			if b2, ok2 := l.peekN(1); ok2 && isAlphaNum(b2) && b2 != '>' {
				l.advance()
				continue
			}
		}
		break
	}
	return l.src[l.start:l.cur]
}

// scanNumber parses an integer or float, optionally negative, optionally
// followed by a duration unit.
func (l *Lexer) scanNumber() (TokenType, interface{}, error) {
	if b, ok := l.peek(); ok && b == '-' {
		l.advance()
	}
	sawDigits := false
	for {
		b, ok := l.peek()
		if !ok || !isDigit(b) {
			break
		}
		l.advance()
		sawDigits = true
	}
	sawDot := false
	if b, ok := l.peek(); ok && b == '.' {
		if b2, ok2 := l.peekN(1); ok2 && isDigit(b2) {
			l.advance()
			sawDot = true
			for {
				b, ok := l.peek()
				if !ok || !isDigit(b) {
					break
				}
				l.advance()
			}
		}
	}
	if !sawDigits {
		return ILLEGAL, nil, l.errf("malformed number")
	}

	// Duration literal: digits immediately followed by a unit letter that is
	// not the start of a longer identifier (5m yes, 5max no).
	if b, ok := l.peek(); ok && isDurationUnit(b) && !sawDot {
		if b2, ok2 := l.peekN(1); !ok2 || !isAlphaNum(b2) {
			lex := l.src[l.start:l.cur]
			if lex[0] == '-' {
				return ILLEGAL, nil, l.errf("durations must be non-negative, got %q", lex+string(b))
			}
			v, convErr := strconv.ParseUint(lex, 10, 64)
			if convErr != nil {
				return ILLEGAL, nil, l.errf("invalid duration literal %q", lex)
			}
			unit, _ := l.advance()
			return DURATION, Duration{Value: v, Unit: timeUnitFromByte(unit)}, nil
		}
	}

	lex := l.src[l.start:l.cur]
	v, convErr := strconv.ParseFloat(lex, 64)
	if convErr != nil {
		return ILLEGAL, nil, l.errf("invalid numeric literal %q", lex)
	}
	return NUMBER, v, nil
}

// ignoreUntilNewline eats bytes up to (not including) '\n'. Used for '#'
// comments.
func (l *Lexer) ignoreUntilNewline() {
	for {
		b, ok := l.peek()
		if !ok || b == '\n' {
			return
		}
		l.advance()
	}
}

// ----- main scanner -----

func (l *Lexer) scanToken() (TokenWithLocation, error) {
	for {
		l.skipBlanks()
		l.tokStartLine = l.line
		l.tokStartCol = l.col
		l.tokStartPos = l.cur
		l.start = l.cur

		if l.isAtEnd() {
			return l.addToken(EOF, nil), nil
		}

		ch, _ := l.advance()

		switch ch {
		case '\n':
			// Collapse runs of newlines into a single token.
			if prev := l.previousToken(); prev == nil || prev.Type == NEWLINE {
				l.start = l.cur
				continue
			}
			return l.addToken(NEWLINE, nil), nil
		case '{':
			return l.addToken(LBRACE, nil), nil
		case '}':
			return l.addToken(RBRACE, nil), nil
		case '[':
			return l.addToken(LBRACKET, nil), nil
		case ']':
			return l.addToken(RBRACKET, nil), nil
		case '(':
			return l.addToken(LPAREN, nil), nil
		case ')':
			return l.addToken(RPAREN, nil), nil
		case ',':
			return l.addToken(COMMA, nil), nil
		case '+':
			return l.addToken(PLUS, nil), nil
		case '*':
			return l.addToken(STAR, nil), nil
		case '/':
			return l.addToken(SLASH, nil), nil
		case '-':
			if b, ok := l.peek(); ok && b == '>' {
				l.advance()
				return l.addToken(ARROW, nil), nil
			}
			if b, ok := l.peek(); ok && isDigit(b) {
				l.rewindToStart()
				tt, lit, err := l.scanNumber()
				if err != nil {
					return TokenWithLocation{}, err
				}
				return l.addToken(tt, lit), nil
			}
			return l.addToken(MINUS, nil), nil
		case '=':
			if b, ok := l.peek(); ok && b == '=' {
				l.advance()
				return l.addToken(EQ, nil), nil
			}
			return l.addToken(ASSIGN, nil), nil
		case '!':
			if b, ok := l.peek(); ok && b == '=' {
				l.advance()
				return l.addToken(NEQ, nil), nil
			}
			return TokenWithLocation{}, l.errf("unexpected character: '!'")
		case '<':
			if b, ok := l.peek(); ok && b == '=' {
				l.advance()
				return l.addToken(LESS_EQ, nil), nil
			}
			return l.addToken(LESS, nil), nil
		case '>':
			if b, ok := l.peek(); ok && b == '=' {
				l.advance()
				return l.addToken(GREATER_EQ, nil), nil
			}
			return l.addToken(GREATER, nil), nil
		case '#':
			l.ignoreUntilNewline()
			l.start = l.cur
			continue
		case '"', '\'':
			l.rewindToStart()
			text, err := l.scanString()
			if err != nil {
				return TokenWithLocation{}, err
			}
			return l.addToken(STRING, text), nil
		case '$':
			if b, ok := l.peek(); !ok || !isAlpha(b) {
				return TokenWithLocation{}, l.errf("expected variable name after '$'")
			}
			nameStart := l.cur
			for {
				b, ok := l.peek()
				if !ok || !isAlphaNum(b) {
					break
				}
				l.advance()
			}
			return l.addToken(VARIABLE, l.src[nameStart:l.cur]), nil
		case '@':
			if b, ok := l.peek(); !ok || !isAlpha(b) {
				return TokenWithLocation{}, l.errf("expected reference name after '@'")
			}
			nameStart := l.cur
			for {
				b, ok := l.peek()
				if !ok || !(isAlphaNum(b) || b == '.') {
					break
				}
				l.advance()
			}
			return l.addToken(REFERENCE, l.src[nameStart:l.cur]), nil
		}

		if isDigit(ch) {
			l.rewindToStart()
			tt, lit, err := l.scanNumber()
			if err != nil {
				return TokenWithLocation{}, err
			}
			return l.addToken(tt, lit), nil
		}

		if isAlpha(ch) {
			l.rewindToStart()
			lex := l.scanIdentifier()
			if tt, ok := keywords[lex]; ok {
				switch tt {
				case BOOL:
					return l.addToken(BOOL, lex == "true"), nil
				case NULL:
					return l.addToken(NULL, nil), nil
				default:
					return l.addToken(tt, lex), nil
				}
			}
			return l.addToken(IDENT, lex), nil
		}

		return TokenWithLocation{}, l.errf("unexpected character: %q", ch)
	}
}
