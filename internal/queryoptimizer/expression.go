package queryoptimizer

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/lychee-technology/celldb"
)

// TokenType classifies lexer output.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIdent
	TokenKeyword
	TokenOperator
	TokenString
	TokenNumber
	TokenParam
	TokenStar
	TokenInvalid
)

// Token is one lexeme of an expression.
type Token struct {
	Type     TokenType
	Value    string
	Position int
}

var keywords = map[string]struct{}{
	"SELECT": {}, "FROM": {}, "WHERE": {}, "AND": {}, "ORDER": {}, "BY": {},
	"ASC": {}, "DESC": {}, "LIMIT": {}, "CONTAINS": {}, "STARTS_WITH": {},
	"TRUE": {}, "FALSE": {}, "NULL": {},
}

// Lexer splits an expression into tokens. Identifiers and strings keep their case.
type Lexer struct {
	input  string
	pos    int
	length int
}

func NewLexer(input string) *Lexer {
	input = strings.TrimSpace(input)
	return &Lexer{input: input, length: len(input)}
}

func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	if l.pos >= l.length {
		return Token{Type: TokenEOF, Position: l.pos}
	}

	start := l.pos
	ch := l.input[l.pos]

	switch {
	case ch == '*':
		l.pos++
		return Token{Type: TokenStar, Value: "*", Position: start}
	case ch == '=' || ch == '<' || ch == '>' || ch == '!':
		return l.readOperator(start)
	case ch == '\'' || ch == '"':
		return l.readString(start)
	case ch == ':':
		l.pos++
		tok := l.readWord(start + 1)
		if tok.Value == "" {
			return Token{Type: TokenInvalid, Value: ":", Position: start}
		}
		return Token{Type: TokenParam, Value: tok.Value, Position: start}
	case ch == '-' || ch == '.' || unicode.IsDigit(rune(ch)):
		return l.readNumber(start)
	case unicode.IsLetter(rune(ch)) || ch == '_':
		tok := l.readWord(start)
		if _, ok := keywords[strings.ToUpper(tok.Value)]; ok {
			tok.Type = TokenKeyword
			tok.Value = strings.ToUpper(tok.Value)
		}
		return tok
	default:
		l.pos++
		return Token{Type: TokenInvalid, Value: string(ch), Position: start}
	}
}

func (l *Lexer) skipWhitespace() {
	for l.pos < l.length && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
}

func (l *Lexer) readOperator(start int) Token {
	for l.pos < l.length && strings.ContainsRune("=<>!", rune(l.input[l.pos])) {
		l.pos++
	}
	return Token{Type: TokenOperator, Value: l.input[start:l.pos], Position: start}
}

func (l *Lexer) readString(start int) Token {
	quote := l.input[l.pos]
	l.pos++

	var sb strings.Builder
	for l.pos < l.length {
		ch := l.input[l.pos]
		if ch == quote {
			// doubled quote is an escaped quote
			if l.pos+1 < l.length && l.input[l.pos+1] == quote {
				sb.WriteByte(quote)
				l.pos += 2
				continue
			}
			l.pos++
			return Token{Type: TokenString, Value: sb.String(), Position: start}
		}
		sb.WriteByte(ch)
		l.pos++
	}
	return Token{Type: TokenInvalid, Value: "unterminated string", Position: start}
}

func (l *Lexer) readNumber(start int) Token {
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < l.length {
		ch := l.input[l.pos]
		if !unicode.IsDigit(rune(ch)) && ch != '.' && ch != 'e' && ch != 'E' {
			break
		}
		l.pos++
	}
	return Token{Type: TokenNumber, Value: l.input[start:l.pos], Position: start}
}

func (l *Lexer) readWord(start int) Token {
	for l.pos < l.length {
		ch := rune(l.input[l.pos])
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && ch != '_' && ch != '.' {
			break
		}
		l.pos++
	}
	return Token{Type: TokenIdent, Value: l.input[start:l.pos], Position: start}
}

// Expression is a parsed query expression.
type Expression struct {
	Source     string
	Conditions []celldb.FilterCondition
	SortBy     string
	SortOrder  celldb.SortOrder
	Limit      *uint64
}

// ParseExpression parses
//
//	[SELECT * [FROM name]] [WHERE] field op value [AND ...] [ORDER BY field [ASC|DESC]] [LIMIT n]
//
// where op is one of = != <> > >= < <= CONTAINS STARTS_WITH and a value is a quoted
// string, a number, TRUE/FALSE/NULL or a :param bound from params.
func ParseExpression(expr string, params map[string]any) (*Expression, error) {
	p := &exprParser{lexer: NewLexer(expr), params: params}
	p.advance()

	out := &Expression{Source: expr}
	if err := p.parse(out); err != nil {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidExpression, err.Error()).
			WithDetail("expression", expr)
	}
	return out, nil
}

type exprParser struct {
	lexer  *Lexer
	params map[string]any
	cur    Token
}

func (p *exprParser) advance() {
	p.cur = p.lexer.NextToken()
}

func (p *exprParser) isKeyword(kw string) bool {
	return p.cur.Type == TokenKeyword && p.cur.Value == kw
}

func (p *exprParser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return p.unexpected(kw)
	}
	p.advance()
	return nil
}

func (p *exprParser) unexpected(want string) error {
	if p.cur.Type == TokenEOF {
		return fmt.Errorf("expected %s at end of expression", want)
	}
	return fmt.Errorf("expected %s at position %d, found %q", want, p.cur.Position, p.cur.Value)
}

func (p *exprParser) parse(out *Expression) error {
	if p.isKeyword("SELECT") {
		p.advance()
		if p.cur.Type != TokenStar {
			return p.unexpected("*")
		}
		p.advance()
		if p.isKeyword("FROM") {
			p.advance()
			if p.cur.Type != TokenIdent {
				return p.unexpected("source name")
			}
			p.advance()
		}
	} else if p.cur.Type == TokenStar {
		p.advance()
	}

	if p.isKeyword("WHERE") {
		p.advance()
		if err := p.parseConditions(out); err != nil {
			return err
		}
	} else if p.cur.Type == TokenIdent {
		if err := p.parseConditions(out); err != nil {
			return err
		}
	}

	if p.isKeyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return err
		}
		if p.cur.Type != TokenIdent {
			return p.unexpected("sort field")
		}
		out.SortBy = p.cur.Value
		out.SortOrder = celldb.SortOrderAsc
		p.advance()
		switch {
		case p.isKeyword("ASC"):
			p.advance()
		case p.isKeyword("DESC"):
			out.SortOrder = celldb.SortOrderDesc
			p.advance()
		}
	}

	if p.isKeyword("LIMIT") {
		p.advance()
		if p.cur.Type != TokenNumber {
			return p.unexpected("limit count")
		}
		n, err := strconv.ParseUint(p.cur.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid limit %q", p.cur.Value)
		}
		out.Limit = &n
		p.advance()
	}

	if p.cur.Type != TokenEOF {
		return p.unexpected("end of expression")
	}
	return nil
}

func (p *exprParser) parseConditions(out *Expression) error {
	for {
		cond, err := p.parseCondition()
		if err != nil {
			return err
		}
		out.Conditions = append(out.Conditions, cond)
		if !p.isKeyword("AND") {
			return nil
		}
		p.advance()
	}
}

func (p *exprParser) parseCondition() (celldb.FilterCondition, error) {
	if p.cur.Type != TokenIdent {
		return celldb.FilterCondition{}, p.unexpected("field name")
	}
	field := p.cur.Value
	p.advance()

	op, err := p.parseOperator()
	if err != nil {
		return celldb.FilterCondition{}, err
	}

	value, err := p.parseValue()
	if err != nil {
		return celldb.FilterCondition{}, err
	}
	return celldb.FilterCondition{Field: field, Operator: op, Value: value}, nil
}

func (p *exprParser) parseOperator() (celldb.FilterOperator, error) {
	var op celldb.FilterOperator
	switch {
	case p.cur.Type == TokenOperator:
		switch p.cur.Value {
		case "=", "==":
			op = celldb.OpEquals
		case "!=", "<>":
			op = celldb.OpNotEquals
		case ">":
			op = celldb.OpGreaterThan
		case ">=":
			op = celldb.OpGreaterOrEqual
		case "<":
			op = celldb.OpLessThan
		case "<=":
			op = celldb.OpLessOrEqual
		default:
			return "", fmt.Errorf("unknown operator %q at position %d", p.cur.Value, p.cur.Position)
		}
	case p.isKeyword("CONTAINS"):
		op = celldb.OpContains
	case p.isKeyword("STARTS_WITH"):
		op = celldb.OpStartsWith
	default:
		return "", p.unexpected("operator")
	}
	p.advance()
	return op, nil
}

func (p *exprParser) parseValue() (any, error) {
	tok := p.cur
	switch {
	case tok.Type == TokenString:
		p.advance()
		return tok.Value, nil
	case tok.Type == TokenNumber:
		v := celldb.TryParseNumber(tok.Value)
		if _, isString := v.(string); isString {
			return nil, fmt.Errorf("invalid number %q at position %d", tok.Value, tok.Position)
		}
		p.advance()
		return v, nil
	case tok.Type == TokenParam:
		v, ok := p.params[tok.Value]
		if !ok {
			return nil, fmt.Errorf("parameter :%s is not bound", tok.Value)
		}
		p.advance()
		return v, nil
	case p.isKeyword("TRUE"):
		p.advance()
		return true, nil
	case p.isKeyword("FALSE"):
		p.advance()
		return false, nil
	case p.isKeyword("NULL"):
		p.advance()
		return nil, nil
	}
	return nil, p.unexpected("value")
}

// CanonicalExpression collapses whitespace and upper-cases keywords outside quoted
// strings so that formatting differences do not change a query's identity.
func CanonicalExpression(expr string) string {
	lexer := NewLexer(expr)
	parts := make([]string, 0, 16)
	for {
		tok := lexer.NextToken()
		if tok.Type == TokenEOF {
			break
		}
		switch tok.Type {
		case TokenString:
			parts = append(parts, "'"+strings.ReplaceAll(tok.Value, "'", "''")+"'")
		case TokenParam:
			parts = append(parts, ":"+tok.Value)
		default:
			parts = append(parts, tok.Value)
		}
	}
	return strings.Join(parts, " ")
}
