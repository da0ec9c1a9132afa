package spreadsheet

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Primitive represents basic spreadsheet value types.
// types:
//   - float64: numeric values (integers are converted to float64)
//   - string: text values
//   - bool: boolean values (TRUE/FALSE)
//   - time.Time: dates parsed from literal cell text
//   - nil: empty cells
//   - *SpreadsheetError: error values (#DIV/0!, #VALUE!, etc.)
type Primitive any

// ErrorCode represents standard spreadsheet error codes following
// Excel conventions
type ErrorCode uint8

const (
	ErrorCodeNull  ErrorCode = 1 // #NULL! - no cells in common between ranges
	ErrorCodeDiv0  ErrorCode = 2 // #DIV/0! - division by zero
	ErrorCodeValue ErrorCode = 3 // #VALUE! - wrong type of argument or operand
	ErrorCodeRef   ErrorCode = 4 // #REF! - invalid, unresolved or circular reference
	ErrorCodeName  ErrorCode = 5 // #NAME? - unrecognized function name
	ErrorCodeNum   ErrorCode = 6 // #NUM! - number too large or small to be represented
	ErrorCodeNA    ErrorCode = 7 // #N/A - not enough arguments for function
	ErrorCodeOther ErrorCode = 8 // #ERROR! - parse failures and all other errors
)

// ErrorMapper maps error code numbers to their string representations
var ErrorMapper = map[ErrorCode]string{
	ErrorCodeNull:  "#NULL!",
	ErrorCodeDiv0:  "#DIV/0!",
	ErrorCodeValue: "#VALUE!",
	ErrorCodeRef:   "#REF!",
	ErrorCodeName:  "#NAME?",
	ErrorCodeNum:   "#NUM!",
	ErrorCodeNA:    "#N/A",
	ErrorCodeOther: "#ERROR!",
}

// SpreadsheetError is a formula-level error. it is stored as a cell value
// and can be referenced by other formulas.
type SpreadsheetError struct {
	ErrorCode ErrorCode
	Message   string
}

func (e *SpreadsheetError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return ErrorMapper[e.ErrorCode]
}

// Code returns the display form of the error, e.g. "#REF!".
func (e *SpreadsheetError) Code() string {
	return ErrorMapper[e.ErrorCode]
}

func NewSpreadsheetError(code ErrorCode, message string) *SpreadsheetError {
	if message == "" {
		message = ErrorMapper[code]
	}
	return &SpreadsheetError{
		ErrorCode: code,
		Message:   message,
	}
}

const circularReferenceMessage = "Circular reference detected"

func newCircularReferenceError() *SpreadsheetError {
	return NewSpreadsheetError(ErrorCodeRef, circularReferenceMessage)
}

// IsCircularReference reports whether v is the error value stored on cells
// that take part in a reference cycle.
func IsCircularReference(v Primitive) bool {
	err, ok := v.(*SpreadsheetError)
	return ok && err.ErrorCode == ErrorCodeRef && err.Message == circularReferenceMessage
}

// CellType classifies a Primitive. used by storage backings that need a
// tagged encoding of cell values.
type CellType uint8

const (
	CellValueTypeEmpty   CellType = 0
	CellValueTypeNumber  CellType = 1
	CellValueTypeString  CellType = 2
	CellValueTypeDate    CellType = 3
	CellValueTypeBoolean CellType = 4
	CellValueTypeError   CellType = 5
)

// TypeOf returns the CellType of a value.
func TypeOf(v Primitive) CellType {
	switch v.(type) {
	case float64:
		return CellValueTypeNumber
	case string:
		return CellValueTypeString
	case time.Time:
		return CellValueTypeDate
	case bool:
		return CellValueTypeBoolean
	case *SpreadsheetError:
		return CellValueTypeError
	default:
		return CellValueTypeEmpty
	}
}

// grid bounds
const (
	MaxRows    = 1 << 20
	MaxColumns = 1 << 14
)

// CellAddress is a zero-based grid position. addresses order row-major.
type CellAddress struct {
	Row    uint32 `validate:"lt=1048576"`
	Column uint32 `validate:"lt=16384"`
}

// Compare orders addresses row-major.
func (a CellAddress) Compare(b CellAddress) int {
	switch {
	case a.Row < b.Row:
		return -1
	case a.Row > b.Row:
		return 1
	case a.Column < b.Column:
		return -1
	case a.Column > b.Column:
		return 1
	}
	return 0
}

func (a CellAddress) String() string {
	return ColumnName(a.Column) + strconv.FormatUint(uint64(a.Row)+1, 10)
}

// ColumnName converts a zero-based column index to letters (0=A, 26=AA).
func ColumnName(col uint32) string {
	var buf [4]byte
	i := len(buf)
	n := col + 1
	for n > 0 {
		n--
		i--
		buf[i] = byte('A' + n%26)
		n /= 26
	}
	return string(buf[i:])
}

// CellReference is a cell address as written in formula text, with an
// absolute/relative kind per axis ($A$1, A$1, $A1, A1).
type CellReference struct {
	CellAddress
	ColumnAbsolute bool
	RowAbsolute    bool
}

func (r CellReference) String() string {
	var sb strings.Builder
	if r.ColumnAbsolute {
		sb.WriteByte('$')
	}
	sb.WriteString(ColumnName(r.Column))
	if r.RowAbsolute {
		sb.WriteByte('$')
	}
	sb.WriteString(strconv.FormatUint(uint64(r.Row)+1, 10))
	return sb.String()
}

// ParseCellAddress parses A1 notation, ignoring any $ markers.
func ParseCellAddress(s string) (CellAddress, error) {
	ref, err := ParseCellReference(s)
	if err != nil {
		return CellAddress{}, err
	}
	return ref.CellAddress, nil
}

// ParseCellReference parses a cell reference like "B12" or "$B$12". columns
// are base-26 letters, rows are 1-based in notation and 0-based in the result.
func ParseCellReference(s string) (CellReference, error) {
	var ref CellReference
	i := 0
	if i < len(s) && s[i] == '$' {
		ref.ColumnAbsolute = true
		i++
	}

	letterStart := i
	for i < len(s) && isASCIILetter(s[i]) {
		i++
	}
	letters := s[letterStart:i]
	if len(letters) == 0 || len(letters) > 3 {
		return CellReference{}, fmt.Errorf("%w: %q", ErrInvalidCellAddress, s)
	}

	if i < len(s) && s[i] == '$' {
		ref.RowAbsolute = true
		i++
	}

	digits := s[i:]
	if len(digits) == 0 || digits[0] == '0' {
		return CellReference{}, fmt.Errorf("%w: %q", ErrInvalidCellAddress, s)
	}
	for j := 0; j < len(digits); j++ {
		if digits[j] < '0' || digits[j] > '9' {
			return CellReference{}, fmt.Errorf("%w: %q", ErrInvalidCellAddress, s)
		}
	}

	col := uint32(0)
	for _, ch := range strings.ToUpper(letters) {
		col = col*26 + uint32(ch-'A') + 1
	}
	col-- // account for positional notation

	row, err := strconv.ParseUint(digits, 10, 32)
	if err != nil || row > MaxRows || col >= MaxColumns {
		return CellReference{}, fmt.Errorf("%w: %q out of bounds", ErrInvalidCellAddress, s)
	}

	ref.Row = uint32(row - 1)
	ref.Column = col
	return ref, nil
}

func isASCIILetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

// Cell is the record stored for one grid position: formula text plus three
// independently cached artifacts. Each cache slot may be absent; a cell with
// a value but no formatted text is a valid intermediate state.
type Cell struct {
	Address CellAddress
	Formula string // source text. "=" prefixed text is a formula, anything else a literal
	Format  string // format selector; empty uses the spreadsheet default

	tokens       ASTNode
	value        Primitive
	hasValue     bool
	formatted    string
	hasFormatted bool
}

// NewCell creates a cell with no cached state.
func NewCell(addr CellAddress, formula string) Cell {
	return Cell{Address: addr, Formula: formula}
}

// SetFormula replaces the source text, dropping every cached artifact.
func (c *Cell) SetFormula(text string) {
	c.Formula = text
	c.ClearTokens()
	c.ClearValue()
	c.ClearFormatted()
}

// Tokens returns the cached parsed token tree.
func (c Cell) Tokens() (ASTNode, bool) {
	return c.tokens, c.tokens != nil
}

func (c *Cell) SetTokens(tree ASTNode) {
	c.tokens = tree
}

func (c *Cell) ClearTokens() {
	c.tokens = nil
}

// Value returns the cached evaluated value, which may be an error value.
func (c Cell) Value() (Primitive, bool) {
	return c.value, c.hasValue
}

func (c *Cell) SetValue(v Primitive) {
	c.value = v
	c.hasValue = true
}

func (c *Cell) ClearValue() {
	c.value = nil
	c.hasValue = false
}

// Formatted returns the cached display text.
func (c Cell) Formatted() (string, bool) {
	return c.formatted, c.hasFormatted
}

func (c *Cell) SetFormatted(text string) {
	c.formatted = text
	c.hasFormatted = true
}

func (c *Cell) ClearFormatted() {
	c.formatted = ""
	c.hasFormatted = false
}

// Err returns the cached error value, if the cell holds one.
func (c Cell) Err() (*SpreadsheetError, bool) {
	if !c.hasValue {
		return nil, false
	}
	err, ok := c.value.(*SpreadsheetError)
	return err, ok
}

// IsFormula reports whether the source text is a formula.
func (c Cell) IsFormula() bool {
	return strings.HasPrefix(c.Formula, "=")
}
