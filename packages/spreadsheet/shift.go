package spreadsheet

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

type axis uint8

const (
	rowAxis axis = iota
	columnAxis
)

func (a axis) String() string {
	if a == rowAxis {
		return "rows"
	}
	return "columns"
}

func (a axis) limit() uint32 {
	if a == rowAxis {
		return MaxRows
	}
	return MaxColumns
}

// shift describes inserting or deleting count rows or columns at index at
type shift struct {
	axis   axis
	at     uint32
	count  uint32
	delete bool
}

// index maps a row or column index. false means the index was deleted or
// pushed off the grid.
func (s shift) index(i uint32) (uint32, bool) {
	if i < s.at {
		return i, true
	}
	if s.delete {
		if i < s.at+s.count {
			return 0, false
		}
		return i - s.count, true
	}
	if uint64(i)+uint64(s.count) >= uint64(s.axis.limit()) {
		return 0, false
	}
	return i + s.count, true
}

func (s shift) cell(addr CellAddress) (CellAddress, bool) {
	if s.axis == rowAxis {
		row, ok := s.index(addr.Row)
		return CellAddress{Row: row, Column: addr.Column}, ok
	}
	col, ok := s.index(addr.Column)
	return CellAddress{Row: addr.Row, Column: col}, ok
}

// span maps the inclusive interval [start, end]. deleted indexes are
// clipped away; an interval that loses every index is deleted.
func (s shift) span(start, end uint32) (uint32, uint32, bool) {
	if s.delete {
		delStart, delEnd := s.at, s.at+s.count-1
		switch {
		case end < delStart:
			return start, end, true
		case start > delEnd:
			return start - s.count, end - s.count, true
		case start >= delStart && end <= delEnd:
			return 0, 0, false
		}
		newStart := start
		if start >= delStart {
			newStart = delStart
		}
		newEnd := delStart - 1
		if end > delEnd {
			newEnd = end - s.count
		}
		return newStart, newEnd, true
	}

	newStart, ok := s.index(start)
	if !ok {
		return 0, 0, false
	}
	newEnd, ok := s.index(end)
	if !ok {
		newEnd = s.axis.limit() - 1
	}
	return newStart, newEnd, true
}

func (s shift) rangeAddress(r RangeAddress) (RangeAddress, bool) {
	if s.axis == rowAxis {
		start, end, ok := s.span(r.StartRow, r.EndRow)
		return RangeAddress{StartRow: start, EndRow: end, StartColumn: r.StartColumn, EndColumn: r.EndColumn}, ok
	}
	start, end, ok := s.span(r.StartColumn, r.EndColumn)
	return RangeAddress{StartRow: r.StartRow, EndRow: r.EndRow, StartColumn: start, EndColumn: end}, ok
}

func (s shift) reference(ref Reference) (Reference, bool) {
	switch ref.Kind {
	case ReferenceCell:
		addr, ok := s.cell(ref.Cell)
		return CellRef(addr), ok
	case ReferenceRange:
		r, ok := s.rangeAddress(ref.Range)
		return RangeRef(r), ok
	default:
		return ref, true
	}
}

const deletedReferenceText = "#REF!"

// rewriteFormula rewrites the cell and range tokens of a formula for s.
// every other character of the text is kept as written. returns false when
// nothing changed or the text is not a formula the lexer accepts.
func rewriteFormula(text string, s shift) (string, bool) {
	if !strings.HasPrefix(text, "=") {
		return text, false
	}
	tokens, err := NewLexer(text).Tokenize()
	if err != nil {
		return text, false
	}

	runes := []rune(text)
	var b strings.Builder
	last, changed := 0, false
	for _, tok := range tokens {
		var replacement string
		switch tok.Type {
		case TokenCell:
			ref, err := ParseCellReference(tok.Value)
			if err != nil {
				continue
			}
			replacement = shiftCellText(ref, s)
		case TokenRange:
			replacement = shiftRangeText(tok.Value, s)
		default:
			continue
		}
		if replacement == tok.Value {
			continue
		}
		b.WriteString(string(runes[last:tok.Pos]))
		b.WriteString(replacement)
		last = tok.End
		changed = true
	}
	if !changed {
		return text, false
	}
	b.WriteString(string(runes[last:]))
	return b.String(), true
}

func shiftCellText(ref CellReference, s shift) string {
	addr, ok := s.cell(ref.CellAddress)
	if !ok {
		return deletedReferenceText
	}
	ref.CellAddress = addr
	return ref.String()
}

func shiftRangeText(text string, s shift) string {
	startText, endText, _ := strings.Cut(text, ":")
	start, err := ParseCellReference(startText)
	if err != nil {
		return text
	}
	end, err := ParseCellReference(endText)
	if err != nil {
		return text
	}
	shifted, ok := s.rangeAddress(NewRangeAddress(start.CellAddress, end.CellAddress))
	if !ok {
		return deletedReferenceText
	}
	start.CellAddress = shifted.Begin()
	end.CellAddress = shifted.End()
	return start.String() + ":" + end.String()
}

// InsertRows inserts count empty rows before row at.
func (e *Engine) InsertRows(ctx context.Context, at, count uint32, policy EvaluationPolicy, opts ...DeltaOption) (*Delta, error) {
	return e.applyShift(ctx, shift{axis: rowAxis, at: at, count: count}, policy, opts)
}

// InsertColumns inserts count empty columns before column at.
func (e *Engine) InsertColumns(ctx context.Context, at, count uint32, policy EvaluationPolicy, opts ...DeltaOption) (*Delta, error) {
	return e.applyShift(ctx, shift{axis: columnAxis, at: at, count: count}, policy, opts)
}

// DeleteRows deletes count rows starting at row at.
func (e *Engine) DeleteRows(ctx context.Context, at, count uint32, policy EvaluationPolicy, opts ...DeltaOption) (*Delta, error) {
	return e.applyShift(ctx, shift{axis: rowAxis, at: at, count: count, delete: true}, policy, opts)
}

// DeleteColumns deletes count columns starting at column at.
func (e *Engine) DeleteColumns(ctx context.Context, at, count uint32, policy EvaluationPolicy, opts ...DeltaOption) (*Delta, error) {
	return e.applyShift(ctx, shift{axis: columnAxis, at: at, count: count, delete: true}, policy, opts)
}

// applyShift moves cells, rewrites every formula and label that pointed at
// a moved or deleted position, rebuilds the graph edges of moved cells and
// recomputes everything affected.
func (e *Engine) applyShift(ctx context.Context, s shift, policy EvaluationPolicy, opts []DeltaOption) (delta *Delta, err error) {
	op := "Insert"
	if s.delete {
		op = "Delete"
	}
	op += strings.ToUpper(s.axis.String()[:1]) + s.axis.String()[1:]
	ctx, span := startEngineSpan(ctx, op,
		attribute.Int64("spreadsheet.at", int64(s.at)),
		attribute.Int64("spreadsheet.count", int64(s.count)))
	defer func() { endEngineSpan(span, delta, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.count == 0 || s.at >= s.axis.limit() || uint64(s.at)+uint64(s.count) > uint64(s.axis.limit()) {
		return nil, NewApplicationError(OutOfRange, fmt.Sprintf("cannot %s %d %s at %d", strings.ToLower(op[:6]), s.count, s.axis, s.at))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cells, err := e.cells.LoadRange(Grid)
	if err != nil {
		return nil, err
	}

	r := e.newRecalculation(policy)
	var changed []Reference

	// drop every old edge first so moved cells never collide with the
	// positions they vacate
	for _, cell := range cells {
		if err := r.saveReferences(CellRef(cell.Address), nil); err != nil {
			return nil, r.abort(err)
		}
		e.formulas.Release(cell.Address)
		delete(e.volatile, cell.Address)
		r.deleted[cell.Address] = struct{}{}
	}

	for _, cell := range cells {
		addr, ok := s.cell(cell.Address)
		if !ok {
			changed = append(changed, CellRef(cell.Address))
			continue
		}
		text, rewritten := rewriteFormula(cell.Formula, s)
		moved := addr != cell.Address
		next := cell
		next.Address = addr
		if rewritten {
			next.SetFormula(text)
		}
		if moved || rewritten {
			changed = append(changed, CellRef(addr))
		}
		if err := r.relink(next, moved, rewritten); err != nil {
			return nil, r.abort(err)
		}
	}

	labelChanges, err := e.shiftLabels(s, r)
	if err != nil {
		return nil, r.abort(err)
	}
	changed = append(changed, labelChanges...)

	r.shiftSizes(s)
	r.invalidateDependents(changed)
	r.run()
	return r.finish(ctx, op, opts)
}

// relink re-derives the edges of a cell at its post-shift position. cells
// that neither moved nor changed text are left in the store untouched.
func (r *recalculation) relink(cell Cell, moved, rewritten bool) error {
	addr := cell.Address
	tree, err := r.e.parse(addr, cell.Formula, rewritten)
	var refs []Reference
	if err == nil {
		refs = ExtractReferences(tree)
		cell.SetTokens(tree)
	}
	if err := r.saveReferences(CellRef(addr), refs); err != nil {
		return err
	}
	r.e.markLabelsReferenced(refs)

	if !moved && !rewritten {
		delete(r.deleted, addr)
		return nil
	}
	if err != nil {
		cell.SetValue(parseErrorValue(err))
		r.e.format(&cell)
		r.stage(cell)
		r.done[addr] = struct{}{}
		return nil
	}
	if _, hasValue := cell.Value(); !hasValue || rewritten {
		r.markDirty(addr)
	}
	r.stage(cell)
	return nil
}

// shiftLabels moves label targets. a label whose target was deleted is
// removed. returns the labels whose readers need recomputing.
func (e *Engine) shiftLabels(s shift, r *recalculation) ([]Reference, error) {
	var changed []Reference
	for _, m := range e.labels.IDs(0, e.labels.Count()) {
		target, ok := s.reference(m.Target)
		if ok && target == m.Target {
			continue
		}
		source := LabelRef(m.Label)
		changed = append(changed, source)
		if !ok {
			if err := r.saveReferences(source, nil); err != nil {
				return nil, err
			}
			r.deleteLabel(m.Label)
			r.deletedLabels = append(r.deletedLabels, m.Label)
			continue
		}
		m.Target = target
		if err := r.saveReferences(source, []Reference{target}); err != nil {
			return nil, err
		}
		if err := r.saveLabel(m); err != nil {
			return nil, err
		}
		r.labels = append(r.labels, m)
	}
	return changed, nil
}

func (r *recalculation) shiftSizes(s shift) {
	sizes := r.e.rowHeights
	if s.axis == columnAxis {
		sizes = r.e.columnWidths
	}
	prev := maps.Clone(sizes)
	r.undo = append(r.undo, func() {
		clear(sizes)
		maps.Copy(sizes, prev)
	})
	shifted := make(map[uint32]float64, len(sizes))
	for _, i := range slices.Sorted(maps.Keys(sizes)) {
		if j, ok := s.index(i); ok {
			shifted[j] = sizes[i]
		}
	}
	clear(sizes)
	maps.Copy(sizes, shifted)
}
