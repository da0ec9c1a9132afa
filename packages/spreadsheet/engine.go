package spreadsheet

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
)

// EvaluationPolicy controls how far cached cell state is trusted.
type EvaluationPolicy uint8

const (
	// SkipEvaluate returns stored state as-is and never parses or evaluates.
	SkipEvaluate EvaluationPolicy = iota
	// ClearValueErrorSkipEvaluate is SkipEvaluate with cached error values
	// removed from the returned cells.
	ClearValueErrorSkipEvaluate
	// ComputeIfNecessary reuses a cached value and formatted text when both
	// are present, and computes whatever is missing otherwise.
	ComputeIfNecessary
	// ForceRecompute re-parses, re-evaluates and re-formats regardless of
	// cache state.
	ForceRecompute
)

func (p EvaluationPolicy) String() string {
	switch p {
	case SkipEvaluate:
		return "skip-evaluate"
	case ClearValueErrorSkipEvaluate:
		return "clear-value-error-skip-evaluate"
	case ComputeIfNecessary:
		return "compute-if-necessary"
	case ForceRecompute:
		return "force-recompute"
	default:
		return "unknown"
	}
}

func (p EvaluationPolicy) evaluates() bool {
	return p == ComputeIfNecessary || p == ForceRecompute
}

// ParseEvaluationPolicy parses the String form of a policy.
func ParseEvaluationPolicy(s string) (EvaluationPolicy, error) {
	for p := SkipEvaluate; p <= ForceRecompute; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, NewApplicationError(InvalidArgument, fmt.Sprintf("unknown evaluation policy %q", s))
}

// CellEdit replaces the text of one cell. empty text deletes the cell.
type CellEdit struct {
	Address CellAddress
	Formula string
	Format  string
}

// Delta is the result of an engine operation: every cell whose stored or
// cached state changed, in row-major order, plus deletions and the sizing the
// caller asked for.
type Delta struct {
	Cells         []Cell
	DeletedCells  []CellAddress
	Labels        []LabelMapping
	DeletedLabels []LabelName
	ColumnWidths  map[uint32]float64
	RowHeights    map[uint32]float64
}

// Cell returns the delta's entry for addr.
func (d *Delta) Cell(addr CellAddress) (Cell, bool) {
	i, found := slices.BinarySearchFunc(d.Cells, addr, func(c Cell, a CellAddress) int {
		return c.Address.Compare(a)
	})
	if !found {
		return Cell{}, false
	}
	return d.Cells[i], true
}

// Addresses returns the addresses of the delta's cells.
func (d *Delta) Addresses() []CellAddress {
	addrs := make([]CellAddress, len(d.Cells))
	for i, c := range d.Cells {
		addrs[i] = c.Address
	}
	return addrs
}

type deltaRequest struct {
	columnWidths bool
	rowHeights   bool
}

// DeltaOption asks for extra information in a returned delta.
type DeltaOption func(*deltaRequest)

// WithColumnWidths includes the width of every column a delta cell is in.
func WithColumnWidths() DeltaOption {
	return func(r *deltaRequest) { r.columnWidths = true }
}

// WithRowHeights includes the height of every row a delta cell is in.
func WithRowHeights() DeltaOption {
	return func(r *deltaRequest) { r.rowHeights = true }
}

// Engine is the recalculation core of one spreadsheet. it owns the cell
// store, reference graph, label store and metadata, and keeps them
// consistent across edits. all methods are safe for concurrent use; edits to
// one spreadsheet are serialized.
type Engine struct {
	mu sync.Mutex

	logger    *slog.Logger
	cellMap   CellMap
	clock     Clock
	functions FunctionProvider

	cells    *CellStore
	graph    *ReferenceGraph
	labels   *LabelStore
	metadata *MetadataStore
	formulas *FormulaCache

	parser    FormulaParser
	evaluator ExpressionEvaluator
	formatter Formatter
	locale    LocaleContext

	volatile     map[CellAddress]struct{} // cells calling NOW, TODAY or RAND
	savedAction  InvalidationAction       // applied by the latest metadata save
	columnWidths map[uint32]float64
	rowHeights   map[uint32]float64
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithCellMap sets the backing map of the cell store.
func WithCellMap(cells CellMap) Option {
	return func(e *Engine) { e.cellMap = cells }
}

func WithParser(p FormulaParser) Option {
	return func(e *Engine) { e.parser = p }
}

func WithEvaluator(ev ExpressionEvaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

func WithFormatter(f Formatter) Option {
	return func(e *Engine) { e.formatter = f }
}

// WithFunctions sets the functions available to the default evaluator.
func WithFunctions(fp FunctionProvider) Option {
	return func(e *Engine) { e.functions = fp }
}

// WithClock sets the time source of metadata timestamps and of the default
// NOW and TODAY functions.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates an engine for an empty spreadsheet.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:       slog.Default(),
		clock:        &WallClock{},
		parser:       DefaultParser{},
		formatter:    DefaultFormatter{},
		volatile:     make(map[CellAddress]struct{}),
		columnWidths: make(map[uint32]float64),
		rowHeights:   make(map[uint32]float64),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.functions == nil {
		e.functions = NewBuiltInFunctions(e.clock, &DefaultRandomGenerator{})
	}
	if e.evaluator == nil {
		e.evaluator = NewDefaultEvaluator(e.functions)
	}

	e.cells = NewCellStore(e.cellMap, e.logger)
	e.graph = NewReferenceGraph()
	e.labels = NewLabelStore()
	e.metadata = NewMetadataStore(e.clock)
	e.formulas = NewFormulaCache()
	e.locale = DefaultLocale()

	e.graph.OnTargetOrphaned(func(target Reference) {
		if target.Kind == ReferenceLabel {
			e.labels.ForgetReferenced(target.Label)
		}
	})
	e.metadata.OnSave(func(change MetadataChange) {
		e.savedAction = OnMetadataSaved(change.Before, change.After, cacheInvalidator{e})
	})
	return e
}

// cacheInvalidator clears the engine's shared trees along with the cell
// store's caches
type cacheInvalidator struct {
	e *Engine
}

func (c cacheInvalidator) ClearParsedFormulas() {
	c.e.formulas.Reset()
	c.e.cells.ClearParsedFormulas()
}

func (c cacheInvalidator) ClearFormatted() {
	c.e.cells.ClearFormatted()
}

func validateAddress(addr CellAddress) error {
	if err := validate.Struct(addr); err != nil {
		return wrapApplicationError(InvalidArgument, fmt.Errorf("%w: %v", ErrInvalidCellAddress, err), "invalid cell address")
	}
	return nil
}

// SaveCell replaces the text of one cell. see SaveCells.
func (e *Engine) SaveCell(ctx context.Context, addr CellAddress, text string, policy EvaluationPolicy, opts ...DeltaOption) (*Delta, error) {
	return e.SaveCells(ctx, []CellEdit{{Address: addr, Formula: text}}, policy, opts...)
}

// SaveCells applies a batch of edits, updates the reference graph, and
// recomputes the edited cells and everything that depends on them. a cell
// whose formula fails to parse or evaluate stores an error value; the batch
// carries on with the other cells. the returned delta holds every edited
// and recomputed cell.
func (e *Engine) SaveCells(ctx context.Context, edits []CellEdit, policy EvaluationPolicy, opts ...DeltaOption) (delta *Delta, err error) {
	ctx, span := startEngineSpan(ctx, "SaveCells",
		attribute.Int("spreadsheet.edits", len(edits)),
		attribute.String("spreadsheet.policy", policy.String()))
	defer func() { endEngineSpan(span, delta, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// later edits of the same address win
	batch := make(map[CellAddress]CellEdit, len(edits))
	for _, edit := range edits {
		if err := validateAddress(edit.Address); err != nil {
			return nil, err
		}
		batch[edit.Address] = edit
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.newRecalculation(policy)
	var changed []Reference
	for _, addr := range slices.SortedFunc(maps.Keys(batch), CellAddress.Compare) {
		if err := r.edit(batch[addr]); err != nil {
			return nil, r.abort(err)
		}
		changed = append(changed, CellRef(addr))
	}
	r.invalidateDependents(changed)
	r.run()
	return r.finish(ctx, "SaveCells", opts)
}

// DeleteCell removes a cell and recomputes its dependents.
func (e *Engine) DeleteCell(ctx context.Context, addr CellAddress, policy EvaluationPolicy, opts ...DeltaOption) (*Delta, error) {
	return e.SaveCells(ctx, []CellEdit{{Address: addr}}, policy, opts...)
}

// LoadCell returns the cell at addr, computing whatever policy requires.
func (e *Engine) LoadCell(ctx context.Context, addr CellAddress, policy EvaluationPolicy) (Cell, bool, error) {
	if err := ctx.Err(); err != nil {
		return Cell{}, false, err
	}
	if err := validateAddress(addr); err != nil {
		return Cell{}, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.newRecalculation(policy)
	if !r.request(addr) {
		if r.err != nil {
			return Cell{}, false, r.err
		}
		return Cell{}, false, nil
	}
	r.run()
	delta, err := r.finish(ctx, "LoadCell", nil)
	if err != nil {
		return Cell{}, false, err
	}
	cell, ok := delta.Cell(addr)
	return cell, ok, nil
}

// LoadCells loads every stored cell inside bounds with the given policy.
// the delta also holds cells outside bounds that had to be computed.
func (e *Engine) LoadCells(ctx context.Context, bounds RangeAddress, policy EvaluationPolicy, opts ...DeltaOption) (delta *Delta, err error) {
	ctx, span := startEngineSpan(ctx, "LoadCells",
		attribute.String("spreadsheet.range", bounds.String()),
		attribute.String("spreadsheet.policy", policy.String()))
	defer func() { endEngineSpan(span, delta, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validate.Struct(bounds); err != nil {
		return nil, wrapApplicationError(InvalidArgument, err, "invalid range")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cells, err := e.cells.LoadRange(bounds)
	if err != nil {
		return nil, err
	}
	r := e.newRecalculation(policy)
	for _, cell := range cells {
		r.request(cell.Address)
	}
	r.run()
	return r.finish(ctx, "LoadCells", opts)
}

// ResolveLabel resolves a label to a single cell. a label mapped to a range
// resolves to the range's first cell.
func (e *Engine) ResolveLabel(name LabelName) (CellAddress, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.labels.ResolveCellReference(LabelRef(name))
}

// LoadLabelMapping returns the direct mapping of name.
func (e *Engine) LoadLabelMapping(name LabelName) (LabelMapping, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.labels.Load(name)
}

// FindLabels returns up to max mappings whose label contains query.
func (e *Engine) FindLabels(query string, max int) []LabelMapping {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.labels.FindSimilar(query, max)
}

// UndefinedLabels lists labels used by formulas that have no mapping.
func (e *Engine) UndefinedLabels() []LabelName {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.labels.ListUndefined()
}

// SaveLabelMapping creates or replaces a label and recomputes every cell
// that reads it.
func (e *Engine) SaveLabelMapping(ctx context.Context, mapping LabelMapping, policy EvaluationPolicy, opts ...DeltaOption) (delta *Delta, err error) {
	ctx, span := startEngineSpan(ctx, "SaveLabelMapping", attribute.String("spreadsheet.label", string(mapping.Label)))
	defer func() { endEngineSpan(span, delta, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := mapping.Validate(); err != nil {
		return nil, wrapApplicationError(InvalidArgument, err, "invalid label mapping")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.newRecalculation(policy)
	source := LabelRef(mapping.Label)
	if err := r.saveReferences(source, []Reference{mapping.Target}); err != nil {
		return nil, r.abort(err)
	}
	if err := r.saveLabel(mapping); err != nil {
		return nil, r.abort(err)
	}
	r.labels = append(r.labels, mapping)
	r.invalidateDependents([]Reference{source})
	r.run()
	return r.finish(ctx, "SaveLabelMapping", opts)
}

// DeleteLabelMapping removes a label. cells reading it evaluate to #REF!.
func (e *Engine) DeleteLabelMapping(ctx context.Context, name LabelName, policy EvaluationPolicy, opts ...DeltaOption) (delta *Delta, err error) {
	ctx, span := startEngineSpan(ctx, "DeleteLabelMapping", attribute.String("spreadsheet.label", string(name)))
	defer func() { endEngineSpan(span, delta, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	mapping, ok := e.labels.Load(name)
	if !ok {
		return nil, NewApplicationError(NotFound, fmt.Sprintf("label %q not found", name))
	}
	r := e.newRecalculation(policy)
	source := LabelRef(name)
	if err := r.saveReferences(source, nil); err != nil {
		return nil, r.abort(err)
	}
	r.deleteLabel(name)
	r.deletedLabels = append(r.deletedLabels, mapping.Label)
	r.invalidateDependents([]Reference{source})
	r.run()
	return r.finish(ctx, "DeleteLabelMapping", opts)
}

// Metadata returns the current metadata, if any was saved.
func (e *Engine) Metadata() (Metadata, bool) {
	return e.metadata.Load()
}

// SaveMetadata replaces the spreadsheet metadata and invalidates the cell
// caches the change makes stale. the caches are rebuilt lazily on load.
func (e *Engine) SaveMetadata(ctx context.Context, md Metadata) (InvalidationAction, error) {
	if err := ctx.Err(); err != nil {
		return ActionNone, err
	}
	lc, err := NewLocale(md)
	if err != nil {
		return ActionNone, wrapApplicationError(InvalidArgument, err, "save metadata")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.locale = lc
	e.savedAction = ActionNone
	e.metadata.Save(md)
	action := e.savedAction
	e.logger.Debug("metadata saved", slog.String("action", action.String()))
	return action, nil
}

// OnMetadataSaved classifies a metadata change made outside the engine and
// applies the resulting invalidation.
func (e *Engine) OnMetadataSaved(before *Metadata, after Metadata) InvalidationAction {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lc, err := NewLocale(after); err != nil {
		e.logger.Warn("metadata not applied to locale", slog.Any("error", err))
	} else {
		e.locale = lc
	}
	return OnMetadataSaved(before, after, cacheInvalidator{e})
}

// SetColumnWidth records the width of a column.
func (e *Engine) SetColumnWidth(ctx context.Context, column uint32, width float64) (*Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if column >= MaxColumns || width < 0 {
		return nil, NewApplicationError(InvalidArgument, fmt.Sprintf("invalid width %v for column %d", width, column))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.columnWidths[column] = width
	return &Delta{ColumnWidths: map[uint32]float64{column: width}}, nil
}

// SetRowHeight records the height of a row.
func (e *Engine) SetRowHeight(ctx context.Context, row uint32, height float64) (*Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if row >= MaxRows || height < 0 {
		return nil, NewApplicationError(InvalidArgument, fmt.Sprintf("invalid height %v for row %d", height, row))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rowHeights[row] = height
	return &Delta{RowHeights: map[uint32]float64{row: height}}, nil
}

// References returns what the cell at addr references.
func (e *Engine) References(addr CellAddress) []Reference {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Load(CellRef(addr))
}

// Referrers returns the cells and labels that reference addr directly.
func (e *Engine) Referrers(addr CellAddress) []Reference {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.LoadReferred(CellRef(addr))
}

// Reindex rebuilds the reference graph from the stored cells. needed when
// the cell map already held cells when the engine was created.
func (e *Engine) Reindex(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cells, err := e.cells.LoadRange(Grid)
	if err != nil {
		return err
	}
	e.formulas.Reset()
	clear(e.volatile)
	for _, cell := range cells {
		tree, err := e.parse(cell.Address, cell.Formula, false)
		var refs []Reference
		if err == nil {
			refs = ExtractReferences(tree)
		}
		if err := e.graph.SaveReferences(CellRef(cell.Address), refs); err != nil {
			return err
		}
		e.markLabelsReferenced(refs)
	}
	e.logger.Debug("reference graph rebuilt", slog.Int("cells", len(cells)), slog.Int("sources", e.graph.Count()))
	return nil
}

// parse returns the tree for text, sharing trees between cells with the
// same text unless fresh is set
func (e *Engine) parse(addr CellAddress, text string, fresh bool) (ASTNode, error) {
	if !fresh {
		if tree, ok := e.formulas.Lookup(text); ok {
			e.formulas.Intern(addr, text, tree)
			e.trackVolatile(addr, tree)
			return tree, nil
		}
	}
	tree, err := e.parser.Parse(text, e.locale)
	if err != nil {
		e.formulas.Release(addr)
		delete(e.volatile, addr)
		return nil, err
	}
	shared := e.formulas.Intern(addr, text, tree)
	if !fresh {
		tree = shared
	}
	e.trackVolatile(addr, tree)
	return tree, nil
}

// restoreCellCaches re-derives the shared tree and volatile flag of addr
// from its stored cell
func (e *Engine) restoreCellCaches(addr CellAddress) {
	e.formulas.Release(addr)
	delete(e.volatile, addr)
	cell, ok, err := e.cells.Load(addr)
	if err != nil || !ok {
		return
	}
	_, _ = e.parse(addr, cell.Formula, false)
}

func (e *Engine) trackVolatile(addr CellAddress, tree ASTNode) {
	if isVolatile(tree) {
		e.volatile[addr] = struct{}{}
	} else {
		delete(e.volatile, addr)
	}
}

func (e *Engine) markLabelsReferenced(refs []Reference) {
	for _, ref := range refs {
		if ref.Kind == ReferenceLabel {
			e.labels.MarkReferenced(ref.Label)
		}
	}
}

func (e *Engine) format(cell *Cell) {
	v, _ := cell.Value()
	text, err := e.formatter.Format(v, cell.Format, e.locale)
	if err != nil {
		e.logger.Debug("format failed",
			slog.String("cell", cell.Address.String()),
			slog.String("format", cell.Format),
			slog.Any("error", err))
		text = ErrorMapper[ErrorCodeValue]
	}
	cell.SetFormatted(text)
}

// dependents walks the graph backwards from starts and returns every cell
// that reads one of them, directly or through labels and ranges. the starts
// themselves are excluded.
func (e *Engine) dependents(starts []Reference) []CellAddress {
	visited := make(referenceSet, len(starts))
	for _, s := range starts {
		visited[s] = struct{}{}
	}
	queue := slices.Clone(starts)
	var cells []CellAddress

	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]

		referrers := e.graph.LoadReferred(ref)
		if ref.Kind == ReferenceCell {
			for _, rng := range e.graph.ReferredRanges(ref.Cell) {
				referrers = append(referrers, e.graph.LoadReferred(RangeRef(rng))...)
			}
		}
		for _, src := range referrers {
			if _, seen := visited[src]; seen {
				continue
			}
			visited[src] = struct{}{}
			queue = append(queue, src)
			if src.Kind == ReferenceCell {
				cells = append(cells, src.Cell)
			}
		}
	}
	slices.SortFunc(cells, CellAddress.Compare)
	return cells
}

func (e *Engine) columnWidth(col uint32) (float64, bool) {
	if w, ok := e.columnWidths[col]; ok {
		return w, true
	}
	return e.defaultSize(PropertyDefaultColumnWidth)
}

func (e *Engine) rowHeight(row uint32) (float64, bool) {
	if h, ok := e.rowHeights[row]; ok {
		return h, true
	}
	return e.defaultSize(PropertyDefaultRowHeight)
}

func (e *Engine) defaultSize(name PropertyName) (float64, bool) {
	md, ok := e.metadata.Load()
	if !ok {
		return 0, false
	}
	size, ok, err := floatProperty(md, name)
	if err != nil {
		return 0, false
	}
	return size, ok
}
