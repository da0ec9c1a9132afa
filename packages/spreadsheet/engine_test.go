package spreadsheet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// engineTestCase chains edits and assertions against one engine. once a step
// fails the remaining steps are skipped.
type engineTestCase struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	delta  *Delta
	err    error
}

func newEngineTestCase(t *testing.T, opts ...Option) *engineTestCase {
	t.Helper()
	return &engineTestCase{
		t:      t,
		ctx:    context.Background(),
		engine: NewEngine(opts...),
	}
}

func mustAddress(t *testing.T, s string) CellAddress {
	t.Helper()
	addr, err := ParseCellAddress(s)
	require.NoError(t, err)
	return addr
}

func mustRange(t *testing.T, s string) RangeAddress {
	t.Helper()
	r, err := ParseRangeAddress(s)
	require.NoError(t, err)
	return r
}

func (tc *engineTestCase) Save(address, text string) *engineTestCase {
	return tc.SaveWith(ComputeIfNecessary, address, text)
}

func (tc *engineTestCase) SaveWith(policy EvaluationPolicy, address, text string) *engineTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	tc.delta, tc.err = tc.engine.SaveCell(tc.ctx, mustAddress(tc.t, address), text, policy)
	assert.NoError(tc.t, tc.err, "SaveCell(%s, %q)", address, text)
	return tc
}

// SaveAll saves address/text pairs as one batch
func (tc *engineTestCase) SaveAll(pairs ...string) *engineTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	require.Zero(tc.t, len(pairs)%2, "SaveAll takes address/text pairs")
	edits := make([]CellEdit, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		edits = append(edits, CellEdit{Address: mustAddress(tc.t, pairs[i]), Formula: pairs[i+1]})
	}
	tc.delta, tc.err = tc.engine.SaveCells(tc.ctx, edits, ComputeIfNecessary)
	assert.NoError(tc.t, tc.err, "SaveCells")
	return tc
}

func (tc *engineTestCase) Remove(address string) *engineTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	tc.delta, tc.err = tc.engine.DeleteCell(tc.ctx, mustAddress(tc.t, address), ComputeIfNecessary)
	assert.NoError(tc.t, tc.err, "DeleteCell(%s)", address)
	return tc
}

func (tc *engineTestCase) Label(name, target string) *engineTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	ref, err := ParseReference(target)
	require.NoError(tc.t, err)
	tc.delta, tc.err = tc.engine.SaveLabelMapping(tc.ctx, LabelMapping{Label: LabelName(name), Target: ref}, ComputeIfNecessary)
	assert.NoError(tc.t, tc.err, "SaveLabelMapping(%s)", name)
	return tc
}

func (tc *engineTestCase) RemoveLabel(name string) *engineTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	tc.delta, tc.err = tc.engine.DeleteLabelMapping(tc.ctx, LabelName(name), ComputeIfNecessary)
	assert.NoError(tc.t, tc.err, "DeleteLabelMapping(%s)", name)
	return tc
}

func (tc *engineTestCase) load(address string) (Cell, bool) {
	tc.t.Helper()
	cell, ok, err := tc.engine.LoadCell(tc.ctx, mustAddress(tc.t, address), ComputeIfNecessary)
	require.NoError(tc.t, err)
	return cell, ok
}

func (tc *engineTestCase) AssertValue(address string, expected Primitive) *engineTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	cell, ok := tc.load(address)
	if !assert.True(tc.t, ok, "cell %s missing", address) {
		return tc
	}
	value, _ := cell.Value()
	if want, isNum := expected.(float64); isNum {
		got, gotNum := value.(float64)
		if assert.True(tc.t, gotNum, "cell %s = %#v, want number", address, value) {
			assert.InDelta(tc.t, want, got, 1e-9, "cell %s", address)
		}
		return tc
	}
	assert.Equal(tc.t, expected, value, "cell %s", address)
	return tc
}

func (tc *engineTestCase) AssertFormatted(address, expected string) *engineTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	cell, ok := tc.load(address)
	if !assert.True(tc.t, ok, "cell %s missing", address) {
		return tc
	}
	formatted, _ := cell.Formatted()
	assert.Equal(tc.t, expected, formatted, "cell %s", address)
	return tc
}

func (tc *engineTestCase) AssertError(address string, code ErrorCode) *engineTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	cell, ok := tc.load(address)
	if !assert.True(tc.t, ok, "cell %s missing", address) {
		return tc
	}
	spreadsheetErr, isErr := cell.Err()
	if assert.True(tc.t, isErr, "cell %s is not an error value", address) {
		assert.Equal(tc.t, ErrorMapper[code], spreadsheetErr.Code(), "cell %s", address)
	}
	return tc
}

func (tc *engineTestCase) AssertCycle(addresses ...string) *engineTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	for _, address := range addresses {
		cell, _ := tc.load(address)
		value, _ := cell.Value()
		assert.True(tc.t, IsCircularReference(value), "cell %s = %#v, want circular reference", address, value)
	}
	return tc
}

func (tc *engineTestCase) AssertEmpty(address string) *engineTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	_, ok := tc.load(address)
	assert.False(tc.t, ok, "cell %s should not exist", address)
	return tc
}

// AssertDelta checks the addresses of the last delta's cells.
func (tc *engineTestCase) AssertDelta(addresses ...string) *engineTestCase {
	tc.t.Helper()
	if tc.err != nil || !assert.NotNil(tc.t, tc.delta) {
		return tc
	}
	want := make([]CellAddress, len(addresses))
	for i, a := range addresses {
		want[i] = mustAddress(tc.t, a)
	}
	assert.Equal(tc.t, want, tc.delta.Addresses())
	return tc
}

// AssertDeltaValue checks a cell value carried by the last delta.
func (tc *engineTestCase) AssertDeltaValue(address string, expected Primitive) *engineTestCase {
	tc.t.Helper()
	if tc.err != nil || !assert.NotNil(tc.t, tc.delta) {
		return tc
	}
	cell, ok := tc.delta.Cell(mustAddress(tc.t, address))
	if assert.True(tc.t, ok, "delta has no %s", address) {
		value, _ := cell.Value()
		assert.Equal(tc.t, expected, value, "delta cell %s", address)
	}
	return tc
}

func TestEngineBasics(t *testing.T) {
	t.Run("formula reads another cell", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "=1+2").
			Save("A2", "=A1*10").
			AssertValue("A2", 30.0).
			AssertFormatted("A2", "30")
	})

	t.Run("editing a cell recomputes its dependents", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "=1+2").
			Save("A2", "=A1*10").
			Save("A1", "=7").
			AssertDelta("A1", "A2").
			AssertDeltaValue("A2", 70.0).
			AssertValue("A2", 70.0)
	})

	t.Run("transitive dependents", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "1").
			Save("B1", "=A1+1").
			Save("C1", "=B1+1").
			Save("D1", "=C1+1").
			Save("A1", "10").
			AssertDelta("A1", "B1", "C1", "D1").
			AssertValue("D1", 13.0)
	})

	t.Run("unrelated cells stay out of the delta", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "1").
			Save("B1", "=A1").
			Save("C1", "=5").
			Save("A1", "2").
			AssertDelta("A1", "B1")
	})

	t.Run("batch is evaluated as a whole", func(t *testing.T) {
		newEngineTestCase(t).
			SaveAll("A2", "=A1*10", "A1", "=1+2").
			AssertDelta("A1", "A2").
			AssertDeltaValue("A2", 30.0)
	})

	t.Run("later edit of the same address wins", func(t *testing.T) {
		newEngineTestCase(t).
			SaveAll("A1", "1", "A1", "2").
			AssertValue("A1", 2.0)
	})

	t.Run("empty cell reads as zero", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "=B7").
			AssertValue("A1", 0.0)
	})

	t.Run("deleting a referenced cell", func(t *testing.T) {
		tc := newEngineTestCase(t).
			Save("A1", "=4").
			Save("A2", "=A1*10").
			Remove("A1").
			AssertEmpty("A1").
			AssertValue("A2", 0.0)
		assert.Equal(t, []CellAddress{mustAddress(t, "A1")}, tc.delta.DeletedCells)
	})

	t.Run("empty text deletes the cell", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "=4").
			Save("A1", "").
			AssertEmpty("A1")
	})

	t.Run("error literal", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "=#REF!").
			AssertError("A1", ErrorCodeRef).
			AssertFormatted("A1", "#REF!")
	})

	t.Run("errors propagate through references", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "=1/0").
			Save("A2", "=A1+1").
			AssertError("A1", ErrorCodeDiv0).
			AssertError("A2", ErrorCodeDiv0)
	})

	t.Run("unknown function", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "=NOPE(1)").
			AssertError("A1", ErrorCodeName)
	})
}

func TestEngineLiterals(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected Primitive
	}{
		{"number", "42", 42.0},
		{"decimal", "3.25", 3.25},
		{"percent", "50%", 0.5},
		{"boolean", "true", true},
		{"text", "hello", "hello"},
		{"forced text", "'123", "123"},
		{"date", "2024-03-01", time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			newEngineTestCase(t).
				Save("A1", tt.text).
				AssertValue("A1", tt.expected)
		})
	}
}

func TestEngineRanges(t *testing.T) {
	t.Run("editing inside a range recomputes readers", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "1").
			Save("A2", "2").
			Save("A3", "=SUM(A1:A2)").
			AssertValue("A3", 3.0).
			Save("A2", "5").
			AssertDelta("A2", "A3").
			AssertValue("A3", 6.0)
	})

	t.Run("new cell inside a range", func(t *testing.T) {
		newEngineTestCase(t).
			Save("B1", "=SUM(A1:A10)").
			AssertValue("B1", 0.0).
			Save("A5", "4").
			AssertDelta("B1", "A5").
			AssertValue("B1", 4.0)
	})

	t.Run("multi cell range as a value", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "1").
			Save("A2", "2").
			Save("B1", "=A1:A2").
			AssertError("B1", ErrorCodeValue)
	})

	t.Run("single cell range as a value", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "9").
			Save("B1", "=A1:A1").
			AssertValue("B1", 9.0)
	})
}

func TestEngineCycles(t *testing.T) {
	t.Run("self reference", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "=A1+1").
			AssertCycle("A1").
			AssertFormatted("A1", "#REF!")
	})

	t.Run("mutual reference", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "=B1+1").
			Save("B1", "=A1+1").
			AssertCycle("A1", "B1")
	})

	t.Run("longer cycle in one batch", func(t *testing.T) {
		newEngineTestCase(t).
			SaveAll("A1", "=B1", "B1", "=C1", "C1", "=A1").
			AssertCycle("A1", "B1", "C1")
	})

	t.Run("reader of a cycle is not on it", func(t *testing.T) {
		tc := newEngineTestCase(t).
			SaveAll("A1", "=B2", "B2", "=C2", "C2", "=B2")
		tc.AssertCycle("B2", "C2").AssertError("A1", ErrorCodeRef)
	})

	t.Run("breaking the cycle", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "=B1+1").
			Save("B1", "=A1+1").
			Save("B1", "=1").
			AssertValue("B1", 1.0).
			AssertValue("A1", 2.0)
	})
}

func TestEngineParseErrors(t *testing.T) {
	t.Run("parse error is stored as a value", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "=1+").
			AssertError("A1", ErrorCodeOther).
			AssertFormatted("A1", "#ERROR!")
	})

	t.Run("parse error drops old references", func(t *testing.T) {
		tc := newEngineTestCase(t).
			Save("A1", "=B1").
			Save("A1", "=B1+")
		assert.Empty(t, tc.engine.References(mustAddress(t, "A1")))
		assert.Empty(t, tc.engine.Referrers(mustAddress(t, "B1")))
	})

	t.Run("batch continues past a failing cell", func(t *testing.T) {
		newEngineTestCase(t).
			SaveAll("A1", "=(1", "A2", "=2*3", "A3", "=1/0").
			AssertDelta("A1", "A2", "A3").
			AssertError("A1", ErrorCodeOther).
			AssertValue("A2", 6.0).
			AssertError("A3", ErrorCodeDiv0)
	})
}

func TestEngineLabels(t *testing.T) {
	t.Run("formula reads a label", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "41").
			Label("Total", "A1").
			Save("B1", "=Total+1").
			AssertValue("B1", 42.0)
	})

	t.Run("labels are case insensitive", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "41").
			Label("Total", "A1").
			Save("B1", "=total+1").
			AssertValue("B1", 42.0)
	})

	t.Run("deleting a label breaks its readers", func(t *testing.T) {
		tc := newEngineTestCase(t).
			Save("A1", "41").
			Label("Total", "A1").
			Save("B1", "=Total+1").
			RemoveLabel("Total").
			AssertDelta("B1").
			AssertError("B1", ErrorCodeRef)
		assert.Equal(t, []LabelName{"Total"}, tc.delta.DeletedLabels)
		// formulas record labels in canonical form
		assert.Equal(t, []LabelName{"TOTAL"}, tc.engine.UndefinedLabels())
	})

	t.Run("defining a label fixes its readers", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "5").
			Save("B1", "=Rate*2").
			AssertError("B1", ErrorCodeRef).
			Label("Rate", "A1").
			AssertDelta("B1").
			AssertDeltaValue("B1", 10.0)
	})

	t.Run("retargeting a label", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "1").
			Save("A2", "2").
			Label("Pick", "A1").
			Save("B1", "=Pick").
			AssertValue("B1", 1.0).
			Label("Pick", "A2").
			AssertValue("B1", 2.0).
			Save("A2", "3").
			AssertDelta("B1", "A2")
	})

	t.Run("label chain", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "7").
			Label("Base", "A1").
			Label("Alias", "Base").
			Save("B1", "=Alias*2").
			AssertValue("B1", 14.0).
			Save("A1", "8").
			AssertDelta("A1", "B1")
	})

	t.Run("label over a range", func(t *testing.T) {
		newEngineTestCase(t).
			Save("A1", "1").
			Save("A2", "2").
			Label("Data", "A1:A2").
			Save("B1", "=SUM(Data)").
			AssertValue("B1", 3.0).
			Save("A2", "10").
			AssertValue("B1", 11.0)
	})

	t.Run("label cycle", func(t *testing.T) {
		newEngineTestCase(t).
			Label("Ping", "Pong").
			Label("Pong", "Ping").
			Save("B1", "=Ping").
			AssertError("B1", ErrorCodeRef)
	})

	t.Run("deleting an unknown label", func(t *testing.T) {
		e := NewEngine()
		_, err := e.DeleteLabelMapping(context.Background(), "Missing", ComputeIfNecessary)
		assert.ErrorIs(t, err, &AppError{Code: NotFound})
	})

	t.Run("invalid label name", func(t *testing.T) {
		e := NewEngine()
		_, err := e.SaveLabelMapping(context.Background(), LabelMapping{Label: "B2", Target: CellRef(CellAddress{})}, ComputeIfNecessary)
		assert.ErrorIs(t, err, &AppError{Code: InvalidArgument})
	})

	t.Run("resolve and find", func(t *testing.T) {
		tc := newEngineTestCase(t).
			Label("Revenue", "C3").
			Label("RevenueTax", "C4:D5").
			Label("Costs", "E1")
		addr, ok := tc.engine.ResolveLabel("revenuetax")
		require.True(t, ok)
		assert.Equal(t, mustAddress(t, "C4"), addr)

		found := tc.engine.FindLabels("reven", 10)
		require.Len(t, found, 2)
		assert.Equal(t, LabelName("Revenue"), found[0].Label)
		assert.Equal(t, LabelName("RevenueTax"), found[1].Label)
	})
}

type stepRandom struct {
	mu   sync.Mutex
	next float64
}

func (r *stepRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next += 0.25
	return r.next
}

type countingParser struct {
	mu    sync.Mutex
	calls int
}

func (p *countingParser) Parse(text string, lc LocaleContext) (ASTNode, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return DefaultParser{}.Parse(text, lc)
}

func (p *countingParser) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestEnginePolicies(t *testing.T) {
	ctx := context.Background()
	a1 := CellAddress{}

	t.Run("skip evaluate stores text only", func(t *testing.T) {
		e := NewEngine()
		delta, err := e.SaveCell(ctx, a1, "=1+2", SkipEvaluate)
		require.NoError(t, err)
		cell, ok := delta.Cell(a1)
		require.True(t, ok)
		_, hasValue := cell.Value()
		assert.False(t, hasValue)

		cell, ok, err = e.LoadCell(ctx, a1, SkipEvaluate)
		require.NoError(t, err)
		require.True(t, ok)
		_, hasValue = cell.Value()
		assert.False(t, hasValue)

		cell, _, err = e.LoadCell(ctx, a1, ComputeIfNecessary)
		require.NoError(t, err)
		value, _ := cell.Value()
		assert.Equal(t, 3.0, value)
	})

	t.Run("clear value error hides errors without storing", func(t *testing.T) {
		e := NewEngine()
		_, err := e.SaveCell(ctx, a1, "=1/0", ComputeIfNecessary)
		require.NoError(t, err)

		cell, _, err := e.LoadCell(ctx, a1, ClearValueErrorSkipEvaluate)
		require.NoError(t, err)
		_, hasValue := cell.Value()
		assert.False(t, hasValue)

		cell, _, err = e.LoadCell(ctx, a1, SkipEvaluate)
		require.NoError(t, err)
		_, isErr := cell.Err()
		assert.True(t, isErr)
	})

	t.Run("compute if necessary reuses cached state", func(t *testing.T) {
		parser := &countingParser{}
		e := NewEngine(WithParser(parser))
		_, err := e.SaveCell(ctx, a1, "=1+2", ComputeIfNecessary)
		require.NoError(t, err)
		calls := parser.Calls()

		_, _, err = e.LoadCell(ctx, a1, ComputeIfNecessary)
		require.NoError(t, err)
		assert.Equal(t, calls, parser.Calls())
	})

	t.Run("force recompute parses again", func(t *testing.T) {
		parser := &countingParser{}
		e := NewEngine(WithParser(parser))
		_, err := e.SaveCell(ctx, a1, "=1+2", ComputeIfNecessary)
		require.NoError(t, err)
		calls := parser.Calls()

		cell, _, err := e.LoadCell(ctx, a1, ForceRecompute)
		require.NoError(t, err)
		assert.Equal(t, calls+1, parser.Calls())
		value, _ := cell.Value()
		assert.Equal(t, 3.0, value)
	})

	t.Run("volatile cells always recompute", func(t *testing.T) {
		e := NewEngine(WithFunctions(NewBuiltInFunctions(&WallClock{}, &stepRandom{})))
		delta, err := e.SaveCell(ctx, a1, "=RAND()", ComputeIfNecessary)
		require.NoError(t, err)
		cell, _ := delta.Cell(a1)
		first, _ := cell.Value()

		cell, _, err = e.LoadCell(ctx, a1, ComputeIfNecessary)
		require.NoError(t, err)
		second, _ := cell.Value()
		assert.Equal(t, 0.25, first)
		assert.Equal(t, 0.5, second)
	})

	t.Run("load cells computes outside the bounds when needed", func(t *testing.T) {
		e := NewEngine()
		_, err := e.SaveCells(ctx, []CellEdit{
			{Address: mustAddress(t, "A1"), Formula: "=B5*2"},
			{Address: mustAddress(t, "B5"), Formula: "=2"},
		}, SkipEvaluate)
		require.NoError(t, err)

		delta, err := e.LoadCells(ctx, mustRange(t, "A1:B2"), ComputeIfNecessary)
		require.NoError(t, err)
		assert.Equal(t, []CellAddress{mustAddress(t, "A1"), mustAddress(t, "B5")}, delta.Addresses())
		cell, _ := delta.Cell(mustAddress(t, "A1"))
		value, _ := cell.Value()
		assert.Equal(t, 4.0, value)
	})

	t.Run("parse policy names", func(t *testing.T) {
		for p := SkipEvaluate; p <= ForceRecompute; p++ {
			parsed, err := ParseEvaluationPolicy(p.String())
			require.NoError(t, err)
			assert.Equal(t, p, parsed)
		}
		_, err := ParseEvaluationPolicy("sometimes")
		assert.ErrorIs(t, err, &AppError{Code: InvalidArgument})
	})
}

func TestEngineMetadata(t *testing.T) {
	ctx := context.Background()

	t.Run("format pattern change reformats lazily", func(t *testing.T) {
		tc := newEngineTestCase(t).Save("A1", "=1+2")
		action, err := tc.engine.SaveMetadata(ctx, NewMetadata(map[PropertyName]any{PropertySpreadsheetName: "budget"}))
		require.NoError(t, err)
		assert.Equal(t, ActionNone, action)

		action, err = tc.engine.SaveMetadata(ctx, NewMetadata(map[PropertyName]any{
			PropertySpreadsheetName:     "budget",
			PropertyNumberFormatPattern: "0.00",
		}))
		require.NoError(t, err)
		assert.Equal(t, ActionEvaluateAndFormat, action)
		tc.AssertFormatted("A1", "3.00")
	})

	t.Run("renaming invalidates nothing", func(t *testing.T) {
		e := NewEngine()
		_, err := e.SaveMetadata(ctx, NewMetadata(map[PropertyName]any{PropertySpreadsheetName: "a"}))
		require.NoError(t, err)
		action, err := e.SaveMetadata(ctx, NewMetadata(map[PropertyName]any{PropertySpreadsheetName: "b"}))
		require.NoError(t, err)
		assert.Equal(t, ActionNone, action)
	})

	t.Run("parse pattern change reparses", func(t *testing.T) {
		parser := &countingParser{}
		tc := newEngineTestCase(t, WithParser(parser)).Save("A1", "=1+2")
		_, err := tc.engine.SaveMetadata(ctx, Metadata{})
		require.NoError(t, err)

		action, err := tc.engine.SaveMetadata(ctx, NewMetadata(map[PropertyName]any{PropertyNumberParsePattern: `^\d+$`}))
		require.NoError(t, err)
		assert.Equal(t, ActionParseFormula, action)

		calls := parser.Calls()
		tc.AssertValue("A1", 3.0)
		assert.Equal(t, calls+1, parser.Calls())
	})

	t.Run("separator change recomputes dependents loaded alone", func(t *testing.T) {
		tc := newEngineTestCase(t)
		_, err := tc.engine.SaveMetadata(ctx, NewMetadata(map[PropertyName]any{PropertyLocale: "en-US"}))
		require.NoError(t, err)
		tc.Save("A1", "1.5").Save("A2", "=A1*2").Save("A3", "=A2+1").
			AssertValue("A2", 3.0).
			AssertValue("A3", 4.0)

		action, err := tc.engine.SaveMetadata(ctx, NewMetadata(map[PropertyName]any{
			PropertyLocale:           "en-US",
			PropertyDecimalSeparator: ",",
			PropertyGroupSeparator:   ".",
		}))
		require.NoError(t, err)
		assert.Equal(t, ActionEvaluateAndFormat, action)

		// only the end of the chain is loaded; its inputs still hold values
		// computed under the old separators
		tc.AssertValue("A3", 31.0).
			AssertValue("A2", 30.0).
			AssertValue("A1", 15.0)
	})

	t.Run("one invalidation per save", func(t *testing.T) {
		counter := metadataInvalidations.WithLabelValues(ActionEvaluateAndFormat.String())
		e := NewEngine()
		_, err := e.SaveMetadata(ctx, NewMetadata(map[PropertyName]any{PropertySpreadsheetName: "budget"}))
		require.NoError(t, err)

		before := testutil.ToFloat64(counter)
		action, err := e.SaveMetadata(ctx, NewMetadata(map[PropertyName]any{
			PropertySpreadsheetName:    "budget",
			PropertyNumberParsePattern: `^\d+$`,
			PropertyTextFormatPattern:  "@",
		}))
		require.NoError(t, err)
		assert.Equal(t, ActionEvaluateAndFormat, action)
		assert.Equal(t, before+1, testutil.ToFloat64(counter))

		before = testutil.ToFloat64(counter)
		action, err = e.SaveMetadata(ctx, NewMetadata(map[PropertyName]any{
			PropertySpreadsheetName:    "budget",
			PropertyNumberParsePattern: `^\d+$`,
			PropertyTextFormatPattern:  "@",
		}))
		require.NoError(t, err)
		assert.Equal(t, ActionNone, action)
		assert.Equal(t, before, testutil.ToFloat64(counter))
	})

	t.Run("invalid metadata is rejected", func(t *testing.T) {
		e := NewEngine()
		_, err := e.SaveMetadata(ctx, NewMetadata(map[PropertyName]any{PropertyDecimalSeparator: ".."}))
		assert.ErrorIs(t, err, &AppError{Code: InvalidArgument})
		assert.ErrorIs(t, err, ErrInvalidMetadata)
		_, saved := e.Metadata()
		assert.False(t, saved)
	})

	t.Run("saving stamps the modification time", func(t *testing.T) {
		now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
		e := NewEngine(WithClock(fixedClock{now}))
		_, err := e.SaveMetadata(ctx, NewMetadata(map[PropertyName]any{PropertySpreadsheetName: "budget"}))
		require.NoError(t, err)
		md, ok := e.Metadata()
		require.True(t, ok)
		stamp, ok := md.Get(PropertyModifiedDateTime)
		require.True(t, ok)
		assert.Equal(t, now, stamp)
	})
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestEngineSizes(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	_, err := e.SaveMetadata(ctx, NewMetadata(map[PropertyName]any{PropertyDefaultColumnWidth: 80.0}))
	require.NoError(t, err)
	_, err = e.SetColumnWidth(ctx, 0, 120)
	require.NoError(t, err)
	_, err = e.SetRowHeight(ctx, 0, 30)
	require.NoError(t, err)

	delta, err := e.SaveCells(ctx, []CellEdit{
		{Address: mustAddress(t, "A1"), Formula: "1"},
		{Address: mustAddress(t, "B2"), Formula: "2"},
	}, ComputeIfNecessary, WithColumnWidths(), WithRowHeights())
	require.NoError(t, err)
	assert.Equal(t, map[uint32]float64{0: 120, 1: 80}, delta.ColumnWidths)
	assert.Equal(t, map[uint32]float64{0: 30}, delta.RowHeights)

	_, err = e.SetColumnWidth(ctx, MaxColumns, 10)
	assert.ErrorIs(t, err, &AppError{Code: InvalidArgument})
	_, err = e.SetRowHeight(ctx, 0, -1)
	assert.ErrorIs(t, err, &AppError{Code: InvalidArgument})
}

func TestEngineValidation(t *testing.T) {
	e := NewEngine()

	_, err := e.SaveCell(context.Background(), CellAddress{Row: MaxRows}, "1", ComputeIfNecessary)
	assert.ErrorIs(t, err, &AppError{Code: InvalidArgument})

	_, err = e.LoadCells(context.Background(), RangeAddress{StartRow: 5, EndRow: 1}, ComputeIfNecessary)
	assert.ErrorIs(t, err, &AppError{Code: InvalidArgument})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.SaveCell(ctx, CellAddress{}, "1", ComputeIfNecessary)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEngineReindex(t *testing.T) {
	ctx := context.Background()
	cells := NewMemoryCellMap()
	first := NewEngine(WithCellMap(cells))
	_, err := first.SaveCells(ctx, []CellEdit{
		{Address: mustAddress(t, "A1"), Formula: "1"},
		{Address: mustAddress(t, "A2"), Formula: "=A1+1"},
	}, ComputeIfNecessary)
	require.NoError(t, err)

	second := NewEngine(WithCellMap(cells))
	require.NoError(t, second.Reindex(ctx))
	assert.Equal(t, []Reference{CellRef(mustAddress(t, "A2"))}, second.Referrers(mustAddress(t, "A1")))

	delta, err := second.SaveCell(ctx, mustAddress(t, "A1"), "5", ComputeIfNecessary)
	require.NoError(t, err)
	cell, ok := delta.Cell(mustAddress(t, "A2"))
	require.True(t, ok)
	value, _ := cell.Value()
	assert.Equal(t, 6.0, value)
}

func TestEngineConcurrentEdits(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()
	_, err := e.SaveCell(ctx, mustAddress(t, "A1"), "=SUM(B1:B50)", ComputeIfNecessary)
	require.NoError(t, err)

	var g errgroup.Group
	for i := range 50 {
		g.Go(func() error {
			addr := CellAddress{Row: uint32(i), Column: 1}
			if _, err := e.SaveCell(ctx, addr, fmt.Sprint(i+1), ComputeIfNecessary); err != nil {
				return err
			}
			_, _, err := e.LoadCell(ctx, mustAddress(t, "A1"), ComputeIfNecessary)
			return err
		})
	}
	require.NoError(t, g.Wait())

	cell, _, err := e.LoadCell(ctx, mustAddress(t, "A1"), ComputeIfNecessary)
	require.NoError(t, err)
	value, _ := cell.Value()
	assert.Equal(t, 1275.0, value)
}

func TestEngineRollsBackFailedCommit(t *testing.T) {
	ctx := context.Background()
	newFlakyTestCase := func(t *testing.T) (*engineTestCase, *flakyCellMap) {
		m := &flakyCellMap{MemoryCellMap: NewMemoryCellMap()}
		return newEngineTestCase(t, WithCellMap(m)), m
	}

	t.Run("cell edit", func(t *testing.T) {
		tc, m := newFlakyTestCase(t)
		tc.Save("B1", "2").Save("A1", "=B1").AssertValue("A1", 2.0)
		a1, b1 := mustAddress(t, "A1"), mustAddress(t, "B1")

		m.failing = true
		_, err := tc.engine.SaveCell(ctx, a1, "=C1+D1", ComputeIfNecessary)
		assert.ErrorIs(t, err, errBacking)
		assert.ErrorIs(t, err, &AppError{Code: Internal})
		_, err = tc.engine.SaveCell(ctx, a1, "=Missing", ComputeIfNecessary)
		assert.ErrorIs(t, err, errBacking)
		_, err = tc.engine.DeleteCell(ctx, b1, ComputeIfNecessary)
		assert.ErrorIs(t, err, errBacking)
		m.failing = false

		assert.Equal(t, []Reference{cellRef(t, "B1")}, tc.engine.References(a1))
		assert.Equal(t, []Reference{cellRef(t, "A1")}, tc.engine.Referrers(b1))
		assert.Empty(t, tc.engine.Referrers(mustAddress(t, "C1")))
		assert.Empty(t, tc.engine.UndefinedLabels())

		cell, ok := tc.load("A1")
		require.True(t, ok)
		assert.Equal(t, "=B1", cell.Formula)
		tc.Save("B1", "5").AssertValue("A1", 5.0)
	})

	t.Run("label edits", func(t *testing.T) {
		tc, m := newFlakyTestCase(t)
		tc.Save("B1", "2").Save("C1", "3").Label("Rate", "B1").Save("A1", "=Rate*10").
			AssertValue("A1", 20.0)

		m.failing = true
		_, err := tc.engine.SaveLabelMapping(ctx, LabelMapping{Label: "Rate", Target: cellRef(t, "C1")}, ComputeIfNecessary)
		assert.ErrorIs(t, err, errBacking)
		_, err = tc.engine.DeleteLabelMapping(ctx, "Rate", ComputeIfNecessary)
		assert.ErrorIs(t, err, errBacking)
		m.failing = false

		target, ok := tc.engine.ResolveLabel("Rate")
		require.True(t, ok)
		assert.Equal(t, mustAddress(t, "B1"), target)
		assert.Equal(t, []Reference{LabelRef("Rate")}, tc.engine.Referrers(mustAddress(t, "B1")))
		assert.Empty(t, tc.engine.Referrers(mustAddress(t, "C1")))
		tc.Save("B1", "4").AssertValue("A1", 40.0)
	})

	t.Run("row insert", func(t *testing.T) {
		tc, m := newFlakyTestCase(t)
		tc.Save("A1", "1").Save("A2", "=A1")
		_, err := tc.engine.SetRowHeight(ctx, 1, 30)
		require.NoError(t, err)

		m.failing = true
		_, err = tc.engine.InsertRows(ctx, 0, 1, ComputeIfNecessary)
		assert.ErrorIs(t, err, errBacking)
		m.failing = false

		assert.Equal(t, map[uint32]float64{1: 30}, tc.engine.rowHeights)
		assert.Equal(t, []Reference{cellRef(t, "A1")}, tc.engine.References(mustAddress(t, "A2")))
		assert.Empty(t, tc.engine.References(mustAddress(t, "A3")))
		tc.Save("A1", "7").AssertValue("A2", 7.0).AssertEmpty("A3")
	})
}
