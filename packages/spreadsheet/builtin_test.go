package spreadsheet

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapResolver serves fixed cell values and label targets
type mapResolver struct {
	cells  map[CellAddress]Primitive
	labels map[string]Reference
}

func (r mapResolver) CellValue(addr CellAddress) Primitive {
	return r.cells[addr]
}

func (r mapResolver) ResolveLabel(label LabelName) (Reference, bool) {
	ref, ok := r.labels[label.Key()]
	return ref, ok
}

func testResolver(t *testing.T) mapResolver {
	return mapResolver{
		cells: map[CellAddress]Primitive{
			mustAddress(t, "A1"): 1.0,
			mustAddress(t, "A2"): 2.0,
			mustAddress(t, "A3"): "x",
			mustAddress(t, "B1"): NewSpreadsheetError(ErrorCodeNA, ""),
		},
		labels: map[string]Reference{
			"RATE":  cellRef(t, "A1"),
			"ITEMS": RangeRef(mustRange(t, "A1:A3")),
		},
	}
}

func evaluate(t *testing.T, formula string, lc LocaleContext) Primitive {
	t.Helper()
	tree, err := DefaultParser{}.Parse(formula, lc)
	require.NoError(t, err, formula)
	clock := fixedClock{time.Date(2024, time.January, 2, 12, 0, 0, 0, time.UTC)}
	evaluator := NewDefaultEvaluator(NewBuiltInFunctions(clock, &stepRandom{}))
	return evaluator.Evaluate(tree, testResolver(t), lc)
}

func assertPrimitive(t *testing.T, expected, actual Primitive) {
	t.Helper()
	switch want := expected.(type) {
	case float64:
		got, ok := actual.(float64)
		if assert.True(t, ok, "got %#v, want number", actual) {
			assert.InDelta(t, want, got, 1e-9)
		}
	case ErrorCode:
		got, ok := actual.(*SpreadsheetError)
		if assert.True(t, ok, "got %#v, want %s", actual, ErrorMapper[want]) {
			assert.Equal(t, ErrorMapper[want], got.Code())
		}
	default:
		assert.Equal(t, expected, actual)
	}
}

func TestBuiltInFunctions(t *testing.T) {
	tests := []struct {
		formula  string
		expected Primitive // an ErrorCode means an error value
	}{
		{"=SUM(A1:A3)", 3.0},
		{`=SUM(1,2,"3")`, 6.0},
		{"=SUM(0.1,0.2)", 0.3},
		{"=SUM(Items)", 3.0},
		{"=SUM(A1:A3,1/0)", ErrorCodeDiv0},
		{"=SUM(A1:B1)", ErrorCodeNA},
		{"=AVERAGE(A1:A2)", 1.5},
		{"=AVERAGE(C1:C2)", ErrorCodeDiv0},
		{"=COUNT(A1:A3)", 2.0},
		{"=COUNTA(A1:A3)", 3.0},
		{"=MAX(A1:A2,7)", 7.0},
		{"=MIN(A1:A2)", 1.0},
		{"=MAX(C1:C3)", 0.0},
		{"=MEDIAN(3,1,2,10)", 2.5},
		{"=MEDIAN(5,1,3)", 3.0},
		{"=MEDIAN(C1:C3)", ErrorCodeNum},
		{`=IF(A1>0,"pos","neg")`, "pos"},
		{"=IF(FALSE,1)", false},
		{"=IF(B1,1,2)", ErrorCodeNA},
		{"=AND(TRUE,A1)", true},
		{"=OR(FALSE,0)", false},
		{"=NOT(A1)", false},
		{`=CONCATENATE("a",1,TRUE)`, "a1TRUE"},
		{"=ROUND(2.345,2)", 2.35},
		{"=ROUND(-2.5)", -3.0},
		{"=ROUND()", ErrorCodeNA},
		{"=POWER(2,10)", 1024.0},
		{"=MOD(-7,3)", 2.0},
		{"=MOD(1,0)", ErrorCodeDiv0},
		{`=LEN("héllo")`, 5.0},
		{`=UPPER("abc")`, "ABC"},
		{`=LOWER("ABC")`, "abc"},
		{`=TRIM("  a   b ")`, "a b"},
		{"=ABS(-3)", 3.0},
		{"=FLOOR(2.7)", 2.0},
		{"=CEILING(2.1)", 3.0},
		{"=SQRT(-1)", ErrorCodeNum},
		{"=PI()", math.Pi},
		{"=NOW()", 45293.5},
		{"=TODAY()", 45293.0},
		{"=RAND()", 0.25},
		{"=NOPE()", ErrorCodeName},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			assertPrimitive(t, tt.expected, evaluate(t, tt.formula, DefaultLocale()))
		})
	}
}

func TestEvaluator(t *testing.T) {
	tests := []struct {
		formula  string
		expected Primitive
	}{
		{"=1+2*3", 7.0},
		{"=(1+2)*3", 9.0},
		{"=2^3^2", 512.0},
		{"=-A2", -2.0},
		{"=50%", 0.5},
		{"=1/0", ErrorCodeDiv0},
		{`="a"+1`, ErrorCodeValue},
		{"=2^1024", ErrorCodeNum},
		{`="abc"="ABC"`, true},
		{"=A2>A1", true},
		{`="n"&A1`, "n1"},
		{"=A9", 0.0},
		{"=Rate*2", 2.0},
		{"=missing", ErrorCodeRef},
		{"=B1+1", ErrorCodeNA},
		{"=A1:A2", ErrorCodeValue},
		{"=A2:A2", 2.0},
		{"=#DIV/0!", ErrorCodeDiv0},
		{"12", 12.0},
		{"TRUE", true},
		{"some text", "some text"},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			assertPrimitive(t, tt.expected, evaluate(t, tt.formula, DefaultLocale()))
		})
	}
}

func TestEvaluatorPrecision(t *testing.T) {
	lc, err := NewLocale(NewMetadata(map[PropertyName]any{
		PropertyPrecision:    3,
		PropertyRoundingMode: "floor",
	}))
	require.NoError(t, err)

	assertPrimitive(t, 0.666, evaluate(t, "=2/3", lc))
	assertPrimitive(t, 12300.0, evaluate(t, "=12345", lc))
}

func TestCellRangeIteratesRowMajor(t *testing.T) {
	r := &CellRange{bounds: mustRange(t, "A1:B2"), resolver: mapResolver{cells: map[CellAddress]Primitive{
		mustAddress(t, "A1"): 1.0,
		mustAddress(t, "B1"): 2.0,
		mustAddress(t, "A2"): 3.0,
	}}}
	var values []Primitive
	for v := range r.IterateValues() {
		values = append(values, v)
	}
	assert.Equal(t, []Primitive{1.0, 2.0, 3.0, nil}, values)
}
