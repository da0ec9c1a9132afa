package spreadsheet

import (
	"math"
)

// ReferenceResolver supplies cell values and label targets while a tree is
// evaluated. the engine's resolver computes referenced cells on demand.
type ReferenceResolver interface {
	CellValue(addr CellAddress) Primitive
	// ResolveLabel returns the terminal cell or range of label.
	ResolveLabel(label LabelName) (Reference, bool)
}

// EvalContext is passed down the tree during evaluation.
type EvalContext struct {
	Resolver  ReferenceResolver
	Locale    LocaleContext
	Functions FunctionProvider
}

// ExpressionEvaluator computes the value of a token tree. failures are
// returned as *SpreadsheetError values, never as Go errors.
type ExpressionEvaluator interface {
	Evaluate(tree ASTNode, resolver ReferenceResolver, lc LocaleContext) Primitive
}

// DefaultEvaluator evaluates trees produced by DefaultParser.
type DefaultEvaluator struct {
	Functions FunctionProvider
}

var _ ExpressionEvaluator = (*DefaultEvaluator)(nil)

func NewDefaultEvaluator(functions FunctionProvider) *DefaultEvaluator {
	if functions == nil {
		functions = NewDefaultBuiltInFunctions()
	}
	return &DefaultEvaluator{Functions: functions}
}

func (e *DefaultEvaluator) Evaluate(tree ASTNode, resolver ReferenceResolver, lc LocaleContext) Primitive {
	if tree == nil {
		return nil
	}
	ctx := &EvalContext{Resolver: resolver, Locale: lc, Functions: e.Functions}
	v, err := tree.Eval(ctx)
	if err != nil {
		return asSpreadsheetError(err)
	}

	_, literal := tree.(*LiteralNode)
	switch value := v.(type) {
	case nil:
		// a formula pointing at an empty cell shows zero
		if !literal {
			return 0.0
		}
		return nil
	case Range:
		bounds := value.GetBounds()
		if bounds.Size() != 1 {
			return NewSpreadsheetError(ErrorCodeValue, "Range "+bounds.String()+" used where a single value is expected")
		}
		single := resolver.CellValue(bounds.Begin())
		if single == nil {
			return 0.0
		}
		return single
	case float64:
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return NewSpreadsheetError(ErrorCodeNum, "")
		}
		if lc != nil && lc.Precision() > 0 {
			return lc.RoundingMode().RoundSignificant(value, lc.Precision())
		}
		return value
	default:
		return v
	}
}
