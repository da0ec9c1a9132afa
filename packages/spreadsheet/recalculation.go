package spreadsheet

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"
)

// recalculation is one pass of the engine. cells are read through it, and
// every change is staged here and written to the cell store only once the
// pass completes. graph, label and sizing changes take effect immediately
// and are recorded in undo, so a pass that cannot commit leaves the engine
// as it found it.
type recalculation struct {
	e       *Engine
	policy  EvaluationPolicy
	started time.Time

	staged  map[CellAddress]Cell     // cells changed by this pass
	views   map[CellAddress]Cell     // requested cells returned without changes
	deleted map[CellAddress]struct{} // cells removed by this pass
	edited  map[CellAddress]struct{} // cells whose text this pass replaced
	fresh   map[CellAddress]struct{} // cells to parse without the formula cache

	dirty      map[CellAddress]struct{} // cells to evaluate
	done       map[CellAddress]struct{} // cells evaluated by this pass
	inProgress map[CellAddress]struct{}
	stack      []CellAddress
	onCycle    map[CellAddress]struct{}

	labels        []LabelMapping
	deletedLabels []LabelName

	undo []func()

	evaluated int
	err       error // first cell store failure
}

var _ ReferenceResolver = (*recalculation)(nil)

func (e *Engine) newRecalculation(policy EvaluationPolicy) *recalculation {
	return &recalculation{
		e:          e,
		policy:     policy,
		started:    time.Now(),
		staged:     make(map[CellAddress]Cell),
		views:      make(map[CellAddress]Cell),
		deleted:    make(map[CellAddress]struct{}),
		edited:     make(map[CellAddress]struct{}),
		fresh:      make(map[CellAddress]struct{}),
		dirty:      make(map[CellAddress]struct{}),
		done:       make(map[CellAddress]struct{}),
		inProgress: make(map[CellAddress]struct{}),
		onCycle:    make(map[CellAddress]struct{}),
	}
}

// peek returns the current state of addr as seen by this pass
func (r *recalculation) peek(addr CellAddress) (Cell, bool) {
	if _, gone := r.deleted[addr]; gone {
		return Cell{}, false
	}
	if cell, ok := r.staged[addr]; ok {
		return cell, true
	}
	cell, ok, err := r.e.cells.Load(addr)
	if err != nil {
		if r.err == nil {
			r.err = err
		}
		return Cell{}, false
	}
	return cell, ok
}

func (r *recalculation) stage(cell Cell) {
	delete(r.deleted, cell.Address)
	r.staged[cell.Address] = cell
}

func (r *recalculation) markDirty(addr CellAddress) {
	if r.policy.evaluates() {
		r.dirty[addr] = struct{}{}
	}
}

// edit replaces the text of one cell and re-derives its outgoing edges
func (r *recalculation) edit(edit CellEdit) error {
	addr := edit.Address
	r.edited[addr] = struct{}{}
	if edit.Formula == "" {
		return r.remove(addr)
	}

	cell := NewCell(addr, edit.Formula)
	cell.Format = edit.Format

	tree, err := r.e.parse(addr, edit.Formula, true)
	if err != nil {
		// a cell that fails to parse references nothing
		if err := r.saveReferences(CellRef(addr), nil); err != nil {
			return err
		}
		cell.SetValue(parseErrorValue(err))
		r.e.format(&cell)
		r.stage(cell)
		r.done[addr] = struct{}{}
		return nil
	}

	refs := ExtractReferences(tree)
	if err := r.saveReferences(CellRef(addr), refs); err != nil {
		return err
	}
	r.e.markLabelsReferenced(refs)
	cell.SetTokens(tree)
	r.stage(cell)
	r.markDirty(addr)
	return nil
}

func (r *recalculation) remove(addr CellAddress) error {
	if err := r.saveReferences(CellRef(addr), nil); err != nil {
		return err
	}
	r.e.formulas.Release(addr)
	delete(r.e.volatile, addr)
	delete(r.staged, addr)
	delete(r.dirty, addr)
	r.deleted[addr] = struct{}{}
	return nil
}

// saveReferences replaces the edges of source and records how to put them
// back. the undo is recorded before the save because parsing has already
// touched the formula cache and volatile set of a cell source.
func (r *recalculation) saveReferences(source Reference, targets []Reference) error {
	prev := r.e.graph.Load(source)
	r.undo = append(r.undo, func() {
		// prev was accepted once, so restoring it cannot fail
		_ = r.e.graph.SaveReferences(source, prev)
		r.e.markLabelsReferenced(prev)
		if source.Kind == ReferenceCell {
			r.e.restoreCellCaches(source.Cell)
		}
	})
	return r.e.graph.SaveReferences(source, targets)
}

func (r *recalculation) saveLabel(m LabelMapping) error {
	prev, existed := r.e.labels.Load(m.Label)
	if err := r.e.labels.Save(m); err != nil {
		return err
	}
	r.undo = append(r.undo, func() {
		if existed {
			_ = r.e.labels.Save(prev)
		} else {
			r.e.labels.Delete(m.Label)
		}
	})
	return nil
}

func (r *recalculation) deleteLabel(name LabelName) {
	prev, existed := r.e.labels.Load(name)
	if !existed {
		return
	}
	r.e.labels.Delete(name)
	r.undo = append(r.undo, func() { _ = r.e.labels.Save(prev) })
}

// abort reverts every recorded change, newest first, and returns err.
func (r *recalculation) abort(err error) error {
	for i := len(r.undo) - 1; i >= 0; i-- {
		r.undo[i]()
	}
	r.undo = nil
	r.e.logger.Warn("recalculation aborted", slog.Any("error", err))
	return err
}

func parseErrorValue(err error) *SpreadsheetError {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return NewSpreadsheetError(ErrorCodeOther, parseErr.Error())
	}
	return NewSpreadsheetError(ErrorCodeOther, err.Error())
}

// invalidateDependents clears the value and formatted text of every cell
// that depends on one of changed and schedules it for evaluation. their
// token trees stay valid because their own text did not change.
func (r *recalculation) invalidateDependents(changed []Reference) {
	for _, addr := range r.e.dependents(changed) {
		if _, isEdit := r.edited[addr]; isEdit {
			continue
		}
		cell, ok := r.peek(addr)
		if !ok {
			continue
		}
		cell.ClearValue()
		cell.ClearFormatted()
		r.stage(cell)
		r.markDirty(addr)
	}
}

// request applies the pass policy to a loaded cell. returns false when
// there is no cell at addr.
func (r *recalculation) request(addr CellAddress) bool {
	cell, ok := r.peek(addr)
	if !ok {
		return false
	}

	switch r.policy {
	case SkipEvaluate:
		r.views[addr] = cell
	case ClearValueErrorSkipEvaluate:
		if _, isErr := cell.Err(); isErr {
			cell.ClearValue()
			cell.ClearFormatted()
		}
		r.views[addr] = cell
	case ComputeIfNecessary:
		_, hasValue := cell.Value()
		_, hasFormatted := cell.Formatted()
		_, volatile := r.e.volatile[addr]
		if hasValue && hasFormatted && !volatile {
			r.views[addr] = cell
			return true
		}
		r.dirty[addr] = struct{}{}
	case ForceRecompute:
		cell.ClearTokens()
		r.stage(cell)
		r.fresh[addr] = struct{}{}
		r.dirty[addr] = struct{}{}
	}
	return true
}

// run evaluates dirty cells in row-major order. cells referenced by a dirty
// cell are evaluated first, on demand, through CellValue.
func (r *recalculation) run() {
	for len(r.dirty) > 0 {
		for _, addr := range slices.SortedFunc(maps.Keys(r.dirty), CellAddress.Compare) {
			if _, pending := r.dirty[addr]; pending {
				r.evaluate(addr)
			}
		}
	}
}

func (r *recalculation) evaluate(addr CellAddress) Primitive {
	delete(r.dirty, addr)
	cell, ok := r.peek(addr)
	if !ok {
		return nil
	}

	r.inProgress[addr] = struct{}{}
	r.stack = append(r.stack, addr)
	value := r.compute(&cell)
	r.stack = r.stack[:len(r.stack)-1]
	delete(r.inProgress, addr)

	if _, cyclic := r.onCycle[addr]; cyclic {
		value = newCircularReferenceError()
	}
	cell.SetValue(value)
	r.e.format(&cell)
	r.stage(cell)
	r.done[addr] = struct{}{}
	r.evaluated++
	return value
}

func (r *recalculation) compute(cell *Cell) Primitive {
	tree, ok := cell.Tokens()
	if !ok {
		_, fresh := r.fresh[cell.Address]
		parsed, err := r.e.parse(cell.Address, cell.Formula, fresh)
		if err != nil {
			return parseErrorValue(err)
		}
		cell.SetTokens(parsed)
		tree = parsed
	}
	return r.e.evaluator.Evaluate(tree, r, r.e.locale)
}

// CellValue returns the value of addr, evaluating it first when this pass
// has scheduled it or its value is missing. reaching a cell that is still
// being evaluated marks every cell between it and the top of the stack as
// part of a cycle.
func (r *recalculation) CellValue(addr CellAddress) Primitive {
	if _, busy := r.inProgress[addr]; busy {
		for i := len(r.stack) - 1; i >= 0; i-- {
			r.onCycle[r.stack[i]] = struct{}{}
			if r.stack[i] == addr {
				break
			}
		}
		return newCircularReferenceError()
	}

	cell, ok := r.peek(addr)
	if !ok {
		return nil
	}
	if _, pending := r.dirty[addr]; pending {
		return r.evaluate(addr)
	}
	_, evaluated := r.done[addr]
	v, hasValue := cell.Value()
	// a value without formatted text was cached under metadata that has
	// since changed, so it is as stale as a missing one
	_, hasFormatted := cell.Formatted()
	if hasValue && (hasFormatted || evaluated || !r.policy.evaluates()) {
		return v
	}
	if !evaluated && r.policy.evaluates() {
		return r.evaluate(addr)
	}
	return nil
}

func (r *recalculation) ResolveLabel(label LabelName) (Reference, bool) {
	return r.e.labels.ResolveTarget(label)
}

// finish writes the staged cells to the cell store and builds the delta
func (r *recalculation) finish(ctx context.Context, op string, opts []DeltaOption) (*Delta, error) {
	if r.err != nil {
		return nil, r.abort(r.err)
	}

	puts := make([]Cell, 0, len(r.staged))
	for _, addr := range slices.SortedFunc(maps.Keys(r.staged), CellAddress.Compare) {
		puts = append(puts, r.staged[addr])
	}
	deletes := slices.SortedFunc(maps.Keys(r.deleted), CellAddress.Compare)
	if err := r.e.cells.Commit(deletes, puts); err != nil {
		return nil, r.abort(err)
	}
	r.undo = nil

	delta := &Delta{
		Labels:        r.labels,
		DeletedLabels: r.deletedLabels,
	}
	cells := maps.Clone(r.views)
	maps.Copy(cells, r.staged)
	for _, addr := range slices.SortedFunc(maps.Keys(cells), CellAddress.Compare) {
		delta.Cells = append(delta.Cells, cells[addr])
	}
	if len(r.deleted) > 0 {
		delta.DeletedCells = slices.SortedFunc(maps.Keys(r.deleted), CellAddress.Compare)
	}

	var req deltaRequest
	for _, opt := range opts {
		opt(&req)
	}
	if req.columnWidths {
		delta.ColumnWidths = make(map[uint32]float64)
		for _, cell := range delta.Cells {
			if w, ok := r.e.columnWidth(cell.Address.Column); ok {
				delta.ColumnWidths[cell.Address.Column] = w
			}
		}
	}
	if req.rowHeights {
		delta.RowHeights = make(map[uint32]float64)
		for _, cell := range delta.Cells {
			if h, ok := r.e.rowHeight(cell.Address.Row); ok {
				delta.RowHeights[cell.Address.Row] = h
			}
		}
	}

	duration := time.Since(r.started)
	recordPassMetrics(ctx, op, duration, r.evaluated, len(r.onCycle))
	r.e.logger.Debug("recalculation pass",
		slog.String("op", op),
		slog.String("policy", r.policy.String()),
		slog.Int("cells", len(delta.Cells)),
		slog.Int("deleted", len(delta.DeletedCells)),
		slog.Int("evaluated", r.evaluated),
		slog.Int("cycles", len(r.onCycle)),
		slog.Duration("duration", duration))
	return delta, nil
}
