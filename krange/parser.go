// Package krange parses textual key-range expressions into engine
// ranges, for scan endpoints and the CLI.
//
//	*            every key
//	k            exactly k
//	k*           every key starting with k
//	[a,b]        a <= key <= b
//	(a,b)        a <  key <  b
//	[a,)  (,b]   one side empty leaves it unbounded
//
// Keys are bare words, "quoted strings", or 0x-prefixed hex for binary.
// Quote a key to keep a literal 0x prefix or a space.
package krange

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/aep/strata/engine"
)

type TokenType int

const (
	TOKEN_ILLEGAL TokenType = iota
	TOKEN_EOF
	TOKEN_KEY
	TOKEN_PREFIX
	TOKEN_STAR
	TOKEN_LBRACKET
	TOKEN_RBRACKET
	TOKEN_LPAREN
	TOKEN_RPAREN
	TOKEN_COMMA
)

func tokenName(i TokenType) string {
	switch i {
	case TOKEN_EOF:
		return "EOF"
	case TOKEN_KEY:
		return "KEY"
	case TOKEN_PREFIX:
		return "PREFIX"
	case TOKEN_STAR:
		return "STAR"
	case TOKEN_LBRACKET:
		return "LBRACKET"
	case TOKEN_RBRACKET:
		return "RBRACKET"
	case TOKEN_LPAREN:
		return "LPAREN"
	case TOKEN_RPAREN:
		return "RPAREN"
	case TOKEN_COMMA:
		return "COMMA"
	}
	return "ILLEGAL"
}

type Token struct {
	Type    TokenType
	Literal string
}

type Lexer struct {
	input        string
	position     int
	readPosition int
	ch           byte
}

func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
}

func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

func (l *Lexer) readWord() string {
	position := l.position
	for isKeyChar(l.ch) {
		l.readChar()
	}
	return l.input[position:l.position]
}

func (l *Lexer) readString() (string, error) {
	position := l.position + 1
	for {
		l.readChar()
		if l.ch == 0 {
			return "", errors.New("unterminated string")
		}
		if l.ch == '"' {
			break
		}
	}
	return l.input[position:l.position], nil
}

func (l *Lexer) NextToken() Token {
	var tok Token

	l.skipWhitespace()

	switch l.ch {
	case '*':
		tok = Token{TOKEN_STAR, string(l.ch)}
	case '[':
		tok = Token{TOKEN_LBRACKET, string(l.ch)}
	case ']':
		tok = Token{TOKEN_RBRACKET, string(l.ch)}
	case '(':
		tok = Token{TOKEN_LPAREN, string(l.ch)}
	case ')':
		tok = Token{TOKEN_RPAREN, string(l.ch)}
	case ',':
		tok = Token{TOKEN_COMMA, string(l.ch)}
	case '"':
		str, err := l.readString()
		if err != nil {
			tok = Token{TOKEN_ILLEGAL, ""}
			break
		}
		l.readChar() // past the closing quote
		typ := TOKEN_KEY
		if l.ch == '*' {
			l.readChar()
			typ = TOKEN_PREFIX
		}
		return Token{typ, str}
	case 0:
		tok = Token{TOKEN_EOF, ""}
	default:
		if isKeyChar(l.ch) {
			word := l.readWord()
			lit, ok := decodeKey(word)
			if !ok {
				return Token{TOKEN_ILLEGAL, word}
			}
			typ := TOKEN_KEY
			if l.ch == '*' {
				l.readChar()
				typ = TOKEN_PREFIX
			}
			return Token{typ, lit}
		}
		tok = Token{TOKEN_ILLEGAL, string(l.ch)}
	}

	l.readChar()
	return tok
}

// decodeKey turns a bare word into key bytes. 0x words are hex,
// everything else is taken literally.
func decodeKey(word string) (string, bool) {
	if !strings.HasPrefix(word, "0x") {
		return word, true
	}
	b, err := hex.DecodeString(word[2:])
	if err != nil {
		return word, false
	}
	return string(b), true
}

type Parser struct {
	l        *Lexer
	curToken Token
}

func NewParser(l *Lexer) *Parser {
	p := &Parser{l: l}
	p.nextToken()
	return p
}

func (p *Parser) nextToken() {
	p.curToken = p.l.NextToken()
}

func (p *Parser) badToken() error {
	if p.curToken.Type != TOKEN_ILLEGAL {
		return nil
	}
	if p.curToken.Literal == "" {
		return errors.New("unterminated string")
	}
	return fmt.Errorf("bad key %q", p.curToken.Literal)
}

func (p *Parser) ParseRange() (engine.Range, error) {
	if err := p.badToken(); err != nil {
		return engine.Range{}, err
	}

	switch p.curToken.Type {
	case TOKEN_STAR:
		p.nextToken()
		return engine.Range{}, nil
	case TOKEN_KEY:
		k := []byte(p.curToken.Literal)
		p.nextToken()
		return engine.Only(k), nil
	case TOKEN_PREFIX:
		k := []byte(p.curToken.Literal)
		p.nextToken()
		return engine.Prefix(k), nil
	case TOKEN_LBRACKET, TOKEN_LPAREN:
		return p.parseInterval()
	}
	return engine.Range{}, fmt.Errorf("expected key or interval, got %s", tokenName(p.curToken.Type))
}

func (p *Parser) parseInterval() (engine.Range, error) {
	r := engine.Range{LowerOpen: p.curToken.Type == TOKEN_LPAREN}
	p.nextToken()

	if err := p.badToken(); err != nil {
		return engine.Range{}, err
	}
	if p.curToken.Type == TOKEN_KEY {
		r.Lower = []byte(p.curToken.Literal)
		p.nextToken()
	}

	if p.curToken.Type != TOKEN_COMMA {
		return engine.Range{}, fmt.Errorf("expected , in interval, got %s", tokenName(p.curToken.Type))
	}
	p.nextToken()

	if err := p.badToken(); err != nil {
		return engine.Range{}, err
	}
	if p.curToken.Type == TOKEN_KEY {
		r.Upper = []byte(p.curToken.Literal)
		p.nextToken()
	}

	switch p.curToken.Type {
	case TOKEN_RBRACKET:
	case TOKEN_RPAREN:
		r.UpperOpen = true
	default:
		return engine.Range{}, fmt.Errorf("expected ] or ) closing the interval, got %s", tokenName(p.curToken.Type))
	}
	p.nextToken()

	// An unbounded side has no bound to exclude.
	if r.Lower == nil {
		r.LowerOpen = false
	}
	if r.Upper == nil {
		r.UpperOpen = false
	}

	if r.Lower != nil && r.Upper != nil {
		switch c := bytes.Compare(r.Lower, r.Upper); {
		case c > 0:
			return engine.Range{}, errors.New("empty interval: lower bound above upper")
		case c == 0 && (r.LowerOpen || r.UpperOpen):
			return engine.Range{}, errors.New("empty interval: equal bounds with an open side")
		}
	}
	return r, nil
}

func Parse(input string) (engine.Range, error) {
	p := NewParser(NewLexer(input))
	r, err := p.ParseRange()
	if err != nil {
		return engine.Range{}, err
	}
	if p.curToken.Type != TOKEN_EOF {
		return engine.Range{}, fmt.Errorf("expected end of expression, got %s", tokenName(p.curToken.Type))
	}
	return r, nil
}

func isKeyChar(ch byte) bool {
	return unicode.IsLetter(rune(ch)) || unicode.IsDigit(rune(ch)) ||
		ch == '_' || ch == '.' || ch == '-' || ch == '/' || ch == ':'
}
