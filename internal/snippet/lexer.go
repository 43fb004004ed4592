package snippet

import (
	"strings"
	"unicode"
)

// TokenType enumerates all token kinds.
type TokenType int

const (
	ILLEGAL TokenType = iota
	EOF
	IDENT   // any unquoted word / path / URL
	LBRACE  // {
	RBRACE  // }
	SEMI    // ;
	NEWLINE // \n (used to track line boundaries)
	COMMENT // # …
	STRING  // "…" or '…'
)

func (t TokenType) String() string {
	switch t {
	case EOF:
		return "EOF"
	case IDENT:
		return "IDENT"
	case LBRACE:
		return "LBRACE"
	case RBRACE:
		return "RBRACE"
	case SEMI:
		return "SEMI"
	case NEWLINE:
		return "NEWLINE"
	case COMMENT:
		return "COMMENT"
	case STRING:
		return "STRING"
	default:
		return "ILLEGAL"
	}
}

// Token is a single lexed token with its source position.
type Token struct {
	Type  TokenType
	Value string
	Line  int // 1-based
}

// lexer tokenizes a snippet source string.
type lexer struct {
	src    []rune
	pos    int
	line   int
	tokens []Token
}

// tokenize returns all tokens for src.
func tokenize(src string) []Token {
	l := &lexer{src: []rune(src), line: 1}
	l.run()
	return l.tokens
}

func (l *lexer) run() {
	for l.pos < len(l.src) {
		ch := l.src[l.pos]

		switch {
		case ch == '\n':
			l.emit(NEWLINE, "\n")
			l.pos++
			l.line++

		case ch == '\r':
			l.pos++

		case ch == '{':
			l.emit(LBRACE, "{")
			l.pos++

		case ch == '}':
			l.emit(RBRACE, "}")
			l.pos++

		case ch == ';':
			l.emit(SEMI, ";")
			l.pos++

		case ch == '#':
			l.lexComment()

		case ch == '"' || ch == '\'':
			l.lexQuoted(ch)

		case unicode.IsSpace(ch):
			l.pos++

		default:
			l.lexIdent()
		}
	}
	l.emit(EOF, "")
}

func (l *lexer) emit(t TokenType, value string) {
	l.tokens = append(l.tokens, Token{Type: t, Value: value, Line: l.line})
}

func (l *lexer) lexComment() {
	start := l.pos
	for l.pos < len(l.src) && l.src[l.pos] != '\n' {
		l.pos++
	}
	l.emit(COMMENT, string(l.src[start:l.pos]))
}

func (l *lexer) lexQuoted(quote rune) {
	startLine := l.line
	l.pos++ // consume opening quote
	var sb strings.Builder
	sb.WriteRune(quote)
	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		sb.WriteRune(ch)
		l.pos++
		if ch == '\n' {
			l.line++
		}
		if ch == quote {
			break
		}
	}
	l.tokens = append(l.tokens, Token{Type: STRING, Value: sb.String(), Line: startLine})
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		if ch == '{' || ch == '}' || ch == ';' || ch == '\n' || ch == '\r' || unicode.IsSpace(ch) {
			break
		}
		l.pos++
	}
	l.emit(IDENT, string(l.src[start:l.pos]))
}
