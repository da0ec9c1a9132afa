package spreadsheet

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type NodePosition struct {
	Start int
	End   int
}

// ASTNode is a parsed formula. the tree is what the engine caches per cell;
// it enables reference extraction and volatile function detection through
// traversal rather than string manipulation.
type ASTNode interface {
	Eval(ctx *EvalContext) (Primitive, error)
	GetPosition() NodePosition
	ToString() string
}

// FormulaParser turns cell text into a token tree. failures are *ParseError.
type FormulaParser interface {
	Parse(text string, lc LocaleContext) (ASTNode, error)
}

// DefaultParser parses "=" prefixed text as a formula and anything else as
// a literal whose meaning depends on the locale at evaluation time.
type DefaultParser struct{}

var _ FormulaParser = DefaultParser{}

func (DefaultParser) Parse(text string, _ LocaleContext) (ASTNode, error) {
	if !strings.HasPrefix(text, "=") {
		return &LiteralNode{Text: text, Position: NodePosition{End: len([]rune(text))}}, nil
	}
	tokens, err := NewLexer(text).Tokenize()
	if err != nil {
		return nil, err
	}
	return NewParser(tokens).Parse()
}

// Parser parses tokens into an AST
type Parser struct {
	tokens []Token
	pos    int
}

// LiteralNode is non-formula cell text
type LiteralNode struct {
	Text     string
	Position NodePosition
}

func (n *LiteralNode) Eval(ctx *EvalContext) (Primitive, error) {
	if ctx.Locale == nil {
		return n.Text, nil
	}
	return ctx.Locale.ParseLiteral(n.Text), nil
}

func (n *LiteralNode) GetPosition() NodePosition {
	return n.Position
}

func (n *LiteralNode) ToString() string {
	return n.Text
}

// StringNode represents a string literal
type StringNode struct {
	Value    string
	Position NodePosition
}

func (n *StringNode) Eval(*EvalContext) (Primitive, error) {
	return n.Value, nil
}

func (n *StringNode) GetPosition() NodePosition {
	return n.Position
}

func (n *StringNode) ToString() string {
	return `"` + strings.ReplaceAll(n.Value, `"`, `""`) + `"`
}

// NumberNode represents a numeric literal
type NumberNode struct {
	Value    float64
	Position NodePosition
}

func (n *NumberNode) Eval(*EvalContext) (Primitive, error) {
	return n.Value, nil
}

func (n *NumberNode) GetPosition() NodePosition {
	return n.Position
}

func (n *NumberNode) ToString() string {
	return strconv.FormatFloat(n.Value, 'g', -1, 64)
}

// BooleanNode represents a boolean literal
type BooleanNode struct {
	Value    bool
	Position NodePosition
}

func (n *BooleanNode) Eval(*EvalContext) (Primitive, error) {
	return n.Value, nil
}

func (n *BooleanNode) GetPosition() NodePosition {
	return n.Position
}

func (n *BooleanNode) ToString() string {
	if n.Value {
		return "TRUE"
	}
	return "FALSE"
}

// ErrorNode is an error value written literally, e.g. a #REF! left behind
// when a referenced row was deleted
type ErrorNode struct {
	Code     ErrorCode
	Position NodePosition
}

func (n *ErrorNode) Eval(*EvalContext) (Primitive, error) {
	return nil, NewSpreadsheetError(n.Code, "")
}

func (n *ErrorNode) GetPosition() NodePosition {
	return n.Position
}

func (n *ErrorNode) ToString() string {
	return ErrorMapper[n.Code]
}

// CellRefNode represents a reference to a single cell
type CellRefNode struct {
	Ref      CellReference
	Position NodePosition
}

func (n *CellRefNode) Eval(ctx *EvalContext) (Primitive, error) {
	return ctx.Resolver.CellValue(n.Ref.CellAddress), nil
}

func (n *CellRefNode) GetPosition() NodePosition {
	return n.Position
}

func (n *CellRefNode) ToString() string {
	return n.Ref.String()
}

// RangeNode represents a rectangular range of cells
type RangeNode struct {
	Start    CellReference
	End      CellReference
	Position NodePosition
}

// Bounds returns the normalized range address.
func (n *RangeNode) Bounds() RangeAddress {
	return NewRangeAddress(n.Start.CellAddress, n.End.CellAddress)
}

func (n *RangeNode) Eval(ctx *EvalContext) (Primitive, error) {
	return &CellRange{bounds: n.Bounds(), resolver: ctx.Resolver}, nil
}

func (n *RangeNode) GetPosition() NodePosition {
	return n.Position
}

func (n *RangeNode) ToString() string {
	return n.Start.String() + ":" + n.End.String()
}

// LabelNode represents a label used as a value
type LabelNode struct {
	Name     LabelName
	Position NodePosition
}

func (n *LabelNode) Eval(ctx *EvalContext) (Primitive, error) {
	target, ok := ctx.Resolver.ResolveLabel(n.Name)
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeRef, fmt.Sprintf("Label '%s' does not resolve to a cell or range", n.Name))
	}
	if target.Kind == ReferenceRange {
		return &CellRange{bounds: target.Range, resolver: ctx.Resolver}, nil
	}
	return ctx.Resolver.CellValue(target.Cell), nil
}

func (n *LabelNode) GetPosition() NodePosition {
	return n.Position
}

func (n *LabelNode) ToString() string {
	return string(n.Name)
}

var binaryOpText = map[BinaryOp]string{
	BinOpAdd:          "+",
	BinOpSubtract:     "-",
	BinOpMultiply:     "*",
	BinOpDivide:       "/",
	BinOpPower:        "^",
	BinOpConcat:       "&",
	BinOpEqual:        "=",
	BinOpNotEqual:     "<>",
	BinOpLess:         "<",
	BinOpLessEqual:    "<=",
	BinOpGreater:      ">",
	BinOpGreaterEqual: ">=",
}

// BinaryOpNode represents a binary operation
type BinaryOpNode struct {
	Op       BinaryOp
	Left     ASTNode
	Right    ASTNode
	Position NodePosition
}

func (n *BinaryOpNode) Eval(ctx *EvalContext) (Primitive, error) {
	leftVal := evalOperand(n.Left, ctx)
	rightVal := evalOperand(n.Right, ctx)

	// propagate errors
	if err := checkForError(leftVal); err != nil {
		return nil, err
	}
	if err := checkForError(rightVal); err != nil {
		return nil, err
	}

	switch n.Op {
	case BinOpConcat:
		return toString(leftVal) + toString(rightVal), nil
	case BinOpEqual:
		return comparePrimitives(leftVal, rightVal) == 0, nil
	case BinOpNotEqual:
		return comparePrimitives(leftVal, rightVal) != 0, nil
	case BinOpLess:
		return comparePrimitives(leftVal, rightVal) < 0, nil
	case BinOpLessEqual:
		return comparePrimitives(leftVal, rightVal) <= 0, nil
	case BinOpGreater:
		return comparePrimitives(leftVal, rightVal) > 0, nil
	case BinOpGreaterEqual:
		return comparePrimitives(leftVal, rightVal) >= 0, nil
	}

	leftNum, leftOk := toNumber(leftVal)
	rightNum, rightOk := toNumber(rightVal)
	if !leftOk || !rightOk {
		return nil, NewSpreadsheetError(ErrorCodeValue, fmt.Sprintf("Operator %s requires numeric values", binaryOpText[n.Op]))
	}

	switch n.Op {
	case BinOpAdd:
		return leftNum + rightNum, nil
	case BinOpSubtract:
		return leftNum - rightNum, nil
	case BinOpMultiply:
		return leftNum * rightNum, nil
	case BinOpDivide:
		if rightNum == 0 {
			return nil, NewSpreadsheetError(ErrorCodeDiv0, "Division by zero")
		}
		return leftNum / rightNum, nil
	case BinOpPower:
		result := math.Pow(leftNum, rightNum)
		if math.IsNaN(result) || math.IsInf(result, 0) {
			return nil, NewSpreadsheetError(ErrorCodeNum, "Power result is not a finite number")
		}
		return result, nil
	default:
		return nil, NewSpreadsheetError(ErrorCodeValue, "Unknown operator")
	}
}

func (n *BinaryOpNode) GetPosition() NodePosition {
	return n.Position
}

func (n *BinaryOpNode) ToString() string {
	return fmt.Sprintf("(%s%s%s)", n.Left.ToString(), binaryOpText[n.Op], n.Right.ToString())
}

// UnaryOpNode represents a unary operation
type UnaryOpNode struct {
	Op       UnaryOp
	Operand  ASTNode
	Position NodePosition
}

func (n *UnaryOpNode) Eval(ctx *EvalContext) (Primitive, error) {
	val := evalOperand(n.Operand, ctx)
	if err := checkForError(val); err != nil {
		return nil, err
	}

	num, ok := toNumber(val)
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "Unary operator requires a numeric value")
	}

	switch n.Op {
	case UnaryOpPlus:
		return num, nil
	case UnaryOpMinus:
		return -num, nil
	case UnaryOpPercent:
		return num / 100.0, nil
	default:
		return nil, NewSpreadsheetError(ErrorCodeValue, "Unknown unary operator")
	}
}

func (n *UnaryOpNode) GetPosition() NodePosition {
	return n.Position
}

func (n *UnaryOpNode) ToString() string {
	switch n.Op {
	case UnaryOpMinus:
		return "-" + n.Operand.ToString()
	case UnaryOpPercent:
		return n.Operand.ToString() + "%"
	default:
		return "+" + n.Operand.ToString()
	}
}

// FunctionCallNode represents a function call
type FunctionCallNode struct {
	Name     string
	Args     []ASTNode
	Position NodePosition
}

func (n *FunctionCallNode) Eval(ctx *EvalContext) (Primitive, error) {
	// error arguments are passed through; functions decide how to handle them
	args := make([]any, len(n.Args))
	for i, argNode := range n.Args {
		args[i] = evalOperand(argNode, ctx)
	}

	if ctx.Functions == nil {
		return nil, NewSpreadsheetError(ErrorCodeName, fmt.Sprintf("Unknown function: %s", n.Name))
	}
	result, err := ctx.Functions.Call(n.Name, args...)
	if err != nil {
		return nil, asSpreadsheetError(err)
	}
	return result, nil
}

func (n *FunctionCallNode) GetPosition() NodePosition {
	return n.Position
}

func (n *FunctionCallNode) ToString() string {
	args := make([]string, len(n.Args))
	for i, arg := range n.Args {
		args[i] = arg.ToString()
	}
	return fmt.Sprintf("%s(%s)", n.Name, strings.Join(args, ","))
}

// FormulaText renders a tree back into cell text.
func FormulaText(node ASTNode) string {
	if lit, ok := node.(*LiteralNode); ok {
		return lit.Text
	}
	return "=" + node.ToString()
}

// evalOperand evaluates a child node, folding evaluation errors into values
func evalOperand(node ASTNode, ctx *EvalContext) Primitive {
	v, err := node.Eval(ctx)
	if err != nil {
		return asSpreadsheetError(err)
	}
	return v
}

func asSpreadsheetError(err error) *SpreadsheetError {
	if spreadsheetErr, ok := err.(*SpreadsheetError); ok {
		return spreadsheetErr
	}
	return NewSpreadsheetError(ErrorCodeValue, err.Error())
}

// NewParser creates a new parser with the given tokens
func NewParser(tokens []Token) *Parser {
	return &Parser{tokens: tokens}
}

func (p *Parser) errorf(format string, args ...any) *ParseError {
	pos := 0
	if p.pos < len(p.tokens) {
		pos = p.tokens[p.pos].Pos
	}
	return &ParseError{Pos: pos, Message: fmt.Sprintf(format, args...)}
}

// Parse parses the tokens into an AST
func (p *Parser) Parse() (ASTNode, error) {
	if len(p.tokens) == 0 {
		return nil, p.errorf("no tokens to parse")
	}

	if p.tokens[p.pos].Type != TokenEquals {
		return nil, p.errorf("formula must start with '='")
	}
	p.pos++

	node, err := p.parseComparison()
	if err != nil {
		return nil, err
	}

	if p.pos < len(p.tokens) && p.tokens[p.pos].Type != TokenEOF {
		return nil, p.errorf("unexpected token after expression: %s", p.tokens[p.pos].Value)
	}

	return node, nil
}

// parseBinaryLevel parses one left-associative precedence level
func (p *Parser) parseBinaryLevel(ops map[string]BinaryOp, next func() (ASTNode, error)) (ASTNode, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}

	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		if tok.Type != TokenBinaryOp {
			break
		}
		op, ok := ops[tok.Value]
		if !ok {
			break
		}

		p.pos++
		right, err := next()
		if err != nil {
			return nil, err
		}

		left = &BinaryOpNode{
			Op:       op,
			Left:     left,
			Right:    right,
			Position: NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}
	}

	return left, nil
}

var (
	comparisonOps = map[string]BinaryOp{
		"=": BinOpEqual, "<>": BinOpNotEqual, "!=": BinOpNotEqual,
		"<": BinOpLess, "<=": BinOpLessEqual, ">": BinOpGreater, ">=": BinOpGreaterEqual,
	}
	concatOps         = map[string]BinaryOp{"&": BinOpConcat}
	additiveOps       = map[string]BinaryOp{"+": BinOpAdd, "-": BinOpSubtract}
	multiplicativeOps = map[string]BinaryOp{"*": BinOpMultiply, "/": BinOpDivide}
)

// parseComparison handles comparison operators (lowest precedence)
func (p *Parser) parseComparison() (ASTNode, error) {
	return p.parseBinaryLevel(comparisonOps, p.parseConcatenation)
}

func (p *Parser) parseConcatenation() (ASTNode, error) {
	return p.parseBinaryLevel(concatOps, p.parseAddition)
}

func (p *Parser) parseAddition() (ASTNode, error) {
	return p.parseBinaryLevel(additiveOps, p.parseMultiplication)
}

func (p *Parser) parseMultiplication() (ASTNode, error) {
	return p.parseBinaryLevel(multiplicativeOps, p.parsePower)
}

// parsePower handles exponentiation
func (p *Parser) parsePower() (ASTNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	// right-associative
	if p.pos < len(p.tokens) && p.tokens[p.pos].Type == TokenBinaryOp && p.tokens[p.pos].Value == "^" {
		p.pos++
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		return &BinaryOpNode{
			Op:       BinOpPower,
			Left:     left,
			Right:    right,
			Position: NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}, nil
	}

	return left, nil
}

// parseUnary handles unary operators
func (p *Parser) parseUnary() (ASTNode, error) {
	if p.pos >= len(p.tokens) {
		return nil, p.errorf("unexpected end of expression")
	}

	tok := p.tokens[p.pos]
	if tok.Type != TokenUnaryPrefixOp {
		return p.parsePostfix()
	}

	op := UnaryOpPlus
	if tok.Value == "-" {
		op = UnaryOpMinus
	}
	p.pos++
	operand, err := p.parseUnary() // recurse for chained unary operators
	if err != nil {
		return nil, err
	}

	return &UnaryOpNode{
		Op:       op,
		Operand:  operand,
		Position: NodePosition{Start: tok.Pos, End: operand.GetPosition().End},
	}, nil
}

// parsePostfix handles postfix operators (percent)
func (p *Parser) parsePostfix() (ASTNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for p.pos < len(p.tokens) && p.tokens[p.pos].Type == TokenUnaryPostfixOp {
		end := p.tokens[p.pos].End
		p.pos++
		node = &UnaryOpNode{
			Op:       UnaryOpPercent,
			Operand:  node,
			Position: NodePosition{Start: node.GetPosition().Start, End: end},
		}
	}

	return node, nil
}

// parsePrimary handles primary expressions (literals, references,
// functions, parentheses)
func (p *Parser) parsePrimary() (ASTNode, error) {
	if p.pos >= len(p.tokens) {
		return nil, p.errorf("unexpected end of expression")
	}

	tok := p.tokens[p.pos]
	position := NodePosition{Start: tok.Pos, End: tok.End}

	switch tok.Type {
	case TokenNumber:
		p.pos++
		val, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, &ParseError{Pos: tok.Pos, Message: "invalid number: " + tok.Value}
		}
		return &NumberNode{Value: val, Position: position}, nil

	case TokenString:
		p.pos++
		return &StringNode{Value: tok.Value, Position: position}, nil

	case TokenBoolean:
		p.pos++
		return &BooleanNode{Value: tok.Value == "TRUE", Position: position}, nil

	case TokenErrorLiteral:
		p.pos++
		for code, text := range ErrorMapper {
			if text == tok.Value {
				return &ErrorNode{Code: code, Position: position}, nil
			}
		}
		return nil, &ParseError{Pos: tok.Pos, Message: "unknown error literal: " + tok.Value}

	case TokenCell:
		p.pos++
		ref, err := ParseCellReference(tok.Value)
		if err != nil {
			return nil, &ParseError{Pos: tok.Pos, Message: err.Error()}
		}
		return &CellRefNode{Ref: ref, Position: position}, nil

	case TokenRange:
		p.pos++
		return p.parseRange(tok)

	case TokenIdentifier:
		p.pos++
		name, err := NewLabelName(tok.Value)
		if err != nil {
			return nil, &ParseError{Pos: tok.Pos, Message: err.Error()}
		}
		return &LabelNode{Name: name, Position: position}, nil

	case TokenFunction:
		return p.parseFunctionCall()

	case TokenLeftParen:
		p.pos++
		node, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].Type != TokenRightParen {
			return nil, p.errorf("expected closing parenthesis")
		}
		p.pos++
		return node, nil

	default:
		return nil, p.errorf("unexpected token: %s", tok.Value)
	}
}

// parseRange parses a range token like A1:$B$2 into a RangeNode
func (p *Parser) parseRange(tok Token) (ASTNode, error) {
	start, end, _ := strings.Cut(tok.Value, ":")
	startRef, err := ParseCellReference(start)
	if err != nil {
		return nil, &ParseError{Pos: tok.Pos, Message: "invalid start cell in range: " + start}
	}
	endRef, err := ParseCellReference(end)
	if err != nil {
		return nil, &ParseError{Pos: tok.Pos, Message: "invalid end cell in range: " + end}
	}
	return &RangeNode{
		Start:    startRef,
		End:      endRef,
		Position: NodePosition{Start: tok.Pos, End: tok.End},
	}, nil
}

// parseFunctionCall parses a function call
func (p *Parser) parseFunctionCall() (ASTNode, error) {
	funcTok := p.tokens[p.pos]
	p.pos++

	if p.pos >= len(p.tokens) || p.tokens[p.pos].Type != TokenLeftParen {
		return nil, p.errorf("expected '(' after function name")
	}
	p.pos++

	var args []ASTNode
	if p.pos < len(p.tokens) && p.tokens[p.pos].Type == TokenRightParen {
		p.pos++
		return &FunctionCallNode{
			Name:     funcTok.Value,
			Position: NodePosition{Start: funcTok.Pos, End: p.tokens[p.pos-1].End},
		}, nil
	}

	for {
		arg, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		if p.pos >= len(p.tokens) {
			return nil, p.errorf("unexpected end in function arguments")
		}
		if p.tokens[p.pos].Type == TokenRightParen {
			p.pos++
			break
		}
		if p.tokens[p.pos].Type != TokenComma {
			return nil, p.errorf("expected ',' or ')' in function arguments")
		}
		p.pos++
	}

	return &FunctionCallNode{
		Name:     funcTok.Value,
		Args:     args,
		Position: NodePosition{Start: funcTok.Pos, End: p.tokens[p.pos-1].End},
	}, nil
}

// walk visits every node depth-first, parents before children
func walk(node ASTNode, visit func(ASTNode)) {
	if node == nil {
		return
	}
	visit(node)
	switch n := node.(type) {
	case *BinaryOpNode:
		walk(n.Left, visit)
		walk(n.Right, visit)
	case *UnaryOpNode:
		walk(n.Operand, visit)
	case *FunctionCallNode:
		for _, arg := range n.Args {
			walk(arg, visit)
		}
	}
}

// ExtractReferences returns every cell, range and label the tree mentions,
// deduplicated and in natural order.
func ExtractReferences(node ASTNode) []Reference {
	refs := make(referenceSet)
	walk(node, func(n ASTNode) {
		switch n := n.(type) {
		case *CellRefNode:
			refs[CellRef(n.Ref.CellAddress)] = struct{}{}
		case *RangeNode:
			refs[RangeRef(n.Bounds())] = struct{}{}
		case *LabelNode:
			refs[LabelRef(n.Name)] = struct{}{}
		}
	})
	return sortedReferences(refs)
}

// isVolatile reports whether the tree calls a function whose result changes
// on every evaluation
func isVolatile(node ASTNode) bool {
	volatile := false
	walk(node, func(n ASTNode) {
		if fn, ok := n.(*FunctionCallNode); ok && isVolatileFunction(fn.Name) {
			volatile = true
		}
	})
	return volatile
}

// comparePrimitives compares two primitive values. returns -1 if left < right,
// 0 if equal, 1 if left > right. an empty operand compares as the zero value
// of the other side.
func comparePrimitives(left, right Primitive) int {
	if left == nil {
		left = zeroLike(right)
	}
	if right == nil {
		right = zeroLike(left)
	}
	if left == nil && right == nil {
		return 0
	}

	leftNum, leftIsNum := numericValue(left)
	rightNum, rightIsNum := numericValue(right)
	if leftIsNum && rightIsNum {
		switch {
		case leftNum < rightNum:
			return -1
		case leftNum > rightNum:
			return 1
		}
		return 0
	}

	leftBool, leftIsBool := left.(bool)
	rightBool, rightIsBool := right.(bool)
	if leftIsBool && rightIsBool {
		switch {
		case leftBool == rightBool:
			return 0
		case !leftBool:
			return -1
		}
		return 1
	}

	// case-insensitive text comparison, like spreadsheet equality
	return strings.Compare(strings.ToUpper(toString(left)), strings.ToUpper(toString(right)))
}

func zeroLike(v Primitive) Primitive {
	switch v.(type) {
	case float64, time.Time:
		return 0.0
	case string:
		return ""
	case bool:
		return false
	}
	return nil
}

// numericValue accepts numbers and dates only; text is never coerced here
func numericValue(v Primitive) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case time.Time:
		return serialDate(v), true
	}
	return 0, false
}
