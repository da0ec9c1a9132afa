package spreadsheet

import (
	"fmt"
	"slices"
	"strings"
)

// TokenType represents different types of tokens in formulas
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenEquals
	TokenNumber
	TokenString
	TokenBoolean
	TokenErrorLiteral
	TokenCell
	TokenRange
	TokenFunction
	TokenUnaryPrefixOp
	TokenUnaryPostfixOp
	TokenBinaryOp
	TokenComma
	TokenColon
	TokenLeftParen
	TokenRightParen
	TokenIdentifier
	TokenError
)

// BinaryOp represents binary operators in AST nodes
type BinaryOp int

const (
	BinOpAdd BinaryOp = iota
	BinOpSubtract
	BinOpMultiply
	BinOpDivide
	BinOpPower
	BinOpConcat
	BinOpEqual
	BinOpNotEqual
	BinOpLess
	BinOpLessEqual
	BinOpGreater
	BinOpGreaterEqual
)

// UnaryOp represents unary operators in AST nodes
type UnaryOp int

const (
	UnaryOpPlus UnaryOp = iota
	UnaryOpMinus
	UnaryOpPercent
)

// character classification constants. slightly easier to read.
const (
	charNull       = 0
	charTab        = '\t'
	charNewline    = '\n'
	charReturn     = '\r'
	charSpace      = ' '
	charQuote      = '"'
	charHash       = '#'
	charDollar     = '$'
	charPercent    = '%'
	charAmpersand  = '&'
	charLParen     = '('
	charRParen     = ')'
	charAsterisk   = '*'
	charPlus       = '+'
	charComma      = ','
	charMinus      = '-'
	charPeriod     = '.'
	charSlash      = '/'
	charColon      = ':'
	charLess       = '<'
	charEqual      = '='
	charGreater    = '>'
	charCaret      = '^'
	charUnderscore = '_'
	charExclaim    = '!'
)

// operand tokens, valid wherever a value may start
var operandTokens = map[TokenType]bool{
	TokenNumber:       true,
	TokenString:       true,
	TokenBoolean:      true,
	TokenErrorLiteral: true,
	TokenCell:         true,
	TokenRange:        true,
	TokenFunction:     true,
	TokenIdentifier:   true,
	TokenLeftParen:    true,
}

func withOperands(extra ...TokenType) map[TokenType]bool {
	m := make(map[TokenType]bool, len(operandTokens)+len(extra))
	for t := range operandTokens {
		m[t] = true
	}
	for _, t := range extra {
		m[t] = true
	}
	return m
}

// tokenTransitions maps the current state to valid next token types
var tokenTransitions = map[TokenState]map[TokenType]bool{
	StateStart:          {TokenEquals: true},
	StateAfterEquals:    withOperands(TokenUnaryPrefixOp),
	StateAfterOperator:  withOperands(TokenUnaryPrefixOp),
	StateAfterLeftParen: withOperands(TokenUnaryPrefixOp, TokenRightParen), // empty parens for PI()
	StateAfterComma:     withOperands(TokenUnaryPrefixOp),
	StateAfterValue: {
		TokenBinaryOp:       true,
		TokenUnaryPostfixOp: true,
		TokenRightParen:     true,
		TokenComma:          true,
		TokenEOF:            true,
		// whitespace is significant - no consecutive values
	},
	StateAfterRightParen: {
		TokenBinaryOp:       true,
		TokenUnaryPostfixOp: true,
		TokenRightParen:     true,
		TokenComma:          true,
		TokenEOF:            true,
	},
	StateAfterIdentifier: {
		TokenLeftParen:      true, // function call
		TokenBinaryOp:       true, // label used as value
		TokenUnaryPostfixOp: true,
		TokenRightParen:     true,
		TokenComma:          true,
		TokenEOF:            true,
	},
}

// Token represents a lexical token. Pos and End are rune offsets into the
// input, so input[Pos:End] is the exact source text of the token.
type Token struct {
	Type  TokenType
	Value string
	Pos   int
	End   int
}

// TokenState represents the lexer state for validation
type TokenState int

const (
	StateStart TokenState = iota
	StateAfterEquals
	StateAfterValue
	StateAfterOperator
	StateAfterLeftParen
	StateAfterRightParen
	StateAfterComma
	StateAfterIdentifier
)

// ParseError is a formula syntax error at a rune offset of the source text.
type ParseError struct {
	Pos     int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d: %s", e.Pos, e.Message)
}

// Lexer tokenizes spreadsheet formula expressions
type Lexer struct {
	runes      []rune // UTF-8 aware representation
	pos        int
	state      TokenState
	parenDepth int
	tokens     []Token
}

// NewLexer creates a new lexer for the given formula input
func NewLexer(input string) *Lexer {
	return &Lexer{
		runes: []rune(input), // runes for UTF-8 support. could do without but a real pain
		state: StateStart,
	}
}

// Tokenize tokenizes the entire formula, which must start with '='. the
// returned slice always ends with a TokenEOF.
func (l *Lexer) Tokenize() ([]Token, error) {
	if len(l.runes) == 0 || l.runes[0] != charEqual {
		return nil, &ParseError{Pos: 0, Message: "formula must start with '='"}
	}

	for l.pos < len(l.runes) {
		tok := l.nextToken()
		if tok.Type == TokenError {
			return nil, &ParseError{Pos: tok.Pos, Message: tok.Value}
		}
		if tok.Type == TokenEOF {
			break // trailing whitespace
		}
		if !l.validateTransition(tok.Type) {
			return nil, &ParseError{Pos: tok.Pos, Message: "unexpected token: " + l.substring(tok.Pos, tok.End)}
		}
		l.tokens = append(l.tokens, tok)
		l.updateState(tok.Type)
	}

	if l.parenDepth > 0 {
		return nil, &ParseError{Pos: l.pos, Message: "unbalanced parentheses: missing closing parenthesis"}
	}
	if !l.validateTransition(TokenEOF) {
		return nil, &ParseError{Pos: l.pos, Message: "unexpected end of formula"}
	}

	l.tokens = append(l.tokens, Token{Type: TokenEOF, Pos: l.pos, End: l.pos})
	return l.tokens, nil
}

// validateTransition checks if the token type is valid in current state
func (l *Lexer) validateTransition(tokenType TokenType) bool {
	validTokens, exists := tokenTransitions[l.state]
	if !exists {
		return false
	}
	return validTokens[tokenType]
}

// updateState updates the lexer state based on the token type
func (l *Lexer) updateState(tokenType TokenType) {
	switch tokenType {
	case TokenEquals:
		l.state = StateAfterEquals
	case TokenNumber, TokenString, TokenBoolean, TokenErrorLiteral, TokenCell, TokenRange:
		l.state = StateAfterValue
	case TokenUnaryPrefixOp, TokenBinaryOp:
		l.state = StateAfterOperator
	case TokenUnaryPostfixOp:
		// postfix operators don't change state
	case TokenLeftParen:
		l.state = StateAfterLeftParen
	case TokenRightParen:
		l.state = StateAfterRightParen
	case TokenComma:
		l.state = StateAfterComma
	case TokenIdentifier, TokenFunction:
		l.state = StateAfterIdentifier
	}
}

// nextToken returns the next token from the input
func (l *Lexer) nextToken() Token {
	l.skipWhitespace()

	if l.pos >= len(l.runes) {
		return Token{Type: TokenEOF, Pos: l.pos, End: l.pos}
	}

	startPos := l.pos
	ch := l.current()

	if ch == charQuote {
		return l.scanString()
	}

	if ch == charHash {
		return l.scanErrorLiteral()
	}

	if isDigit(ch) || (ch == charPeriod && isDigit(l.peek(1))) {
		return l.scanNumber()
	}

	switch ch {
	case charLParen:
		l.pos++
		l.parenDepth++
		return l.token(TokenLeftParen, "(", startPos)
	case charRParen:
		l.pos++
		l.parenDepth--
		if l.parenDepth < 0 {
			return Token{Type: TokenError, Value: "unbalanced parentheses: too many closing parentheses", Pos: startPos}
		}
		return l.token(TokenRightParen, ")", startPos)
	case charComma:
		l.pos++
		return l.token(TokenComma, ",", startPos)
	case charColon:
		l.pos++
		return l.token(TokenColon, ":", startPos)
	case charPlus, charMinus:
		return l.scanUnaryPrefixOrBinaryOp()
	case charPercent:
		l.pos++
		return l.token(TokenUnaryPostfixOp, "%", startPos)
	case charEqual:
		l.pos++
		// distinguish between formula prefix = and comparison operator =
		if startPos == 0 {
			return l.token(TokenEquals, "=", startPos)
		}
		return l.token(TokenBinaryOp, "=", startPos)
	case charAsterisk, charSlash, charCaret, charAmpersand, charLess, charGreater, charExclaim:
		return l.scanBinaryOp()
	}

	if isAlpha(ch) || ch == charUnderscore || ch == charDollar {
		return l.scanIdentifierOrCell()
	}

	l.pos++
	return Token{Type: TokenError, Value: "unexpected character: " + string(ch), Pos: startPos}
}

func (l *Lexer) token(t TokenType, value string, start int) Token {
	return Token{Type: t, Value: value, Pos: start, End: l.pos}
}

// substring returns a substring of the original input based on rune positions
func (l *Lexer) substring(start, end int) string {
	if start < 0 || end > len(l.runes) || start > end {
		return ""
	}
	return string(l.runes[start:end])
}

func (l *Lexer) current() rune {
	if l.pos >= len(l.runes) {
		return charNull
	}
	return l.runes[l.pos]
}

func (l *Lexer) peek(offset int) rune {
	pos := l.pos + offset
	if pos >= len(l.runes) || pos < 0 {
		return charNull
	}
	return l.runes[pos]
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.runes) {
		switch l.current() {
		case charSpace, charTab, charNewline, charReturn:
			l.pos++
		default:
			return
		}
	}
}

func isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

func isAlpha(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isAlphaNumeric(ch rune) bool {
	return isAlpha(ch) || isDigit(ch)
}

// scanNumber scans a number token including decimals and scientific notation
func (l *Lexer) scanNumber() Token {
	startPos := l.pos

	for isDigit(l.current()) {
		l.pos++
	}

	if l.current() == charPeriod && isDigit(l.peek(1)) {
		l.pos++ // consume '.'
		for isDigit(l.current()) {
			l.pos++
		}
	}

	// scientific notation (e or E)
	if l.current() == 'e' || l.current() == 'E' {
		savedPos := l.pos
		l.pos++
		if l.current() == charPlus || l.current() == charMinus {
			l.pos++
		}
		if !isDigit(l.current()) {
			// not scientific notation, restore position
			l.pos = savedPos
		} else {
			for isDigit(l.current()) {
				l.pos++
			}
		}
	}

	return l.token(TokenNumber, l.substring(startPos, l.pos), startPos)
}

// scanString scans a string literal with support for double-quote escapes
func (l *Lexer) scanString() Token {
	startPos := l.pos
	l.pos++ // consume opening quote

	var result []rune
	for l.pos < len(l.runes) {
		ch := l.current()
		if ch != charQuote {
			result = append(result, ch)
			l.pos++
			continue
		}
		if l.peek(1) == charQuote {
			result = append(result, charQuote)
			l.pos += 2
			continue
		}
		l.pos++ // consume closing quote
		return l.token(TokenString, string(result), startPos)
	}

	return Token{Type: TokenError, Value: "unclosed string literal", Pos: startPos}
}

// error literals ordered longest first so "#NULL!" is not read as "#N/A"
var errorLiterals = func() []string {
	lits := make([]string, 0, len(ErrorMapper))
	for _, s := range ErrorMapper {
		lits = append(lits, s)
	}
	slices.SortFunc(lits, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
	return lits
}()

// scanErrorLiteral scans error values written in formula text, like #REF!
func (l *Lexer) scanErrorLiteral() Token {
	startPos := l.pos
	rest := strings.ToUpper(l.substring(l.pos, len(l.runes)))
	for _, lit := range errorLiterals {
		if strings.HasPrefix(rest, lit) {
			l.pos += len([]rune(lit))
			return l.token(TokenErrorLiteral, lit, startPos)
		}
	}
	l.pos++
	return Token{Type: TokenError, Value: "unexpected character: #", Pos: startPos}
}

func isIdentifierRune(ch rune) bool {
	return isAlphaNumeric(ch) || ch == charUnderscore || ch == charPeriod || ch == charDollar
}

// scanIdentifierOrCell scans identifiers, functions, cells, ranges, and booleans
func (l *Lexer) scanIdentifierOrCell() Token {
	startPos := l.pos
	for isIdentifierRune(l.current()) {
		l.pos++
	}

	value := l.substring(startPos, l.pos)
	upperValue := strings.ToUpper(value)

	if upperValue == "TRUE" || upperValue == "FALSE" {
		return l.token(TokenBoolean, upperValue, startPos)
	}

	if isCell(value) {
		if l.current() != charColon {
			return l.token(TokenCell, value, startPos)
		}
		savedPos := l.pos
		l.pos++ // consume ':'
		cellStart := l.pos
		for isAlphaNumeric(l.current()) || l.current() == charDollar {
			l.pos++
		}
		if isCell(l.substring(cellStart, l.pos)) {
			return l.token(TokenRange, l.substring(startPos, l.pos), startPos)
		}
		// not a valid range, restore position and return just the cell
		l.pos = savedPos
		return l.token(TokenCell, value, startPos)
	}

	if strings.ContainsRune(value, charDollar) {
		return Token{Type: TokenError, Value: "invalid reference: " + value, Pos: startPos}
	}

	if l.current() == charLParen {
		return l.token(TokenFunction, upperValue, startPos)
	}

	// it's an identifier, resolved as a label
	return l.token(TokenIdentifier, value, startPos)
}

// isCell checks if a string is a valid cell reference (e.g., A1, $B$12)
func isCell(s string) bool {
	_, err := ParseCellReference(s)
	return err == nil
}

// scanUnaryPrefixOrBinaryOp scans + and - which can be either unary
// prefix or binary
func (l *Lexer) scanUnaryPrefixOrBinaryOp() Token {
	startPos := l.pos
	ch := l.current()
	l.pos++

	if l.isUnaryContext() {
		return l.token(TokenUnaryPrefixOp, string(ch), startPos)
	}
	return l.token(TokenBinaryOp, string(ch), startPos)
}

// scanBinaryOp scans binary operators
func (l *Lexer) scanBinaryOp() Token {
	startPos := l.pos
	ch := l.current()
	l.pos++

	switch ch {
	case charLess:
		switch l.current() {
		case charEqual:
			l.pos++
			return l.token(TokenBinaryOp, "<=", startPos)
		case charGreater:
			l.pos++
			return l.token(TokenBinaryOp, "<>", startPos)
		}
		return l.token(TokenBinaryOp, "<", startPos)
	case charGreater:
		if l.current() == charEqual {
			l.pos++
			return l.token(TokenBinaryOp, ">=", startPos)
		}
		return l.token(TokenBinaryOp, ">", startPos)
	case charExclaim:
		if l.current() == charEqual {
			l.pos++
			return l.token(TokenBinaryOp, "!=", startPos)
		}
		return Token{Type: TokenError, Value: "unexpected '!'", Pos: startPos}
	case charAsterisk, charSlash, charCaret, charAmpersand:
		return l.token(TokenBinaryOp, string(ch), startPos)
	}

	return Token{Type: TokenError, Value: "unknown operator", Pos: startPos}
}

// isUnaryContext checks if the current context allows for unary operators
func (l *Lexer) isUnaryContext() bool {
	switch l.state {
	case StateAfterEquals, StateAfterOperator, StateAfterLeftParen, StateAfterComma:
		return true
	default:
		return false
	}
}
