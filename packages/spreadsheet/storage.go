package spreadsheet

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// CellMap is the backing map of a CellStore. implementations must return
// cells from Scan in row-major order.
type CellMap interface {
	Get(addr CellAddress) (Cell, bool, error)
	Put(cell Cell) error
	Delete(addr CellAddress) error
	// Scan calls fn for every stored cell inside bounds until fn returns
	// false.
	Scan(bounds RangeAddress, fn func(Cell) bool) error
	Len() (int, error)
}

// CellBatcher is implemented by cell maps that can apply a set of deletes
// and puts atomically: either every change is stored or none is.
type CellBatcher interface {
	Apply(deletes []CellAddress, puts []Cell) error
}

// chunkKey addresses a fixed size block of the grid
type chunkKey struct {
	row uint32
	col uint32
}

const (
	chunkRows uint32 = 256
	chunkCols uint32 = 256
)

// MemoryCellMap keeps cells in memory, partitioned into 256x256 chunks so
// range scans only visit the chunks they overlap.
type MemoryCellMap struct {
	mu     sync.RWMutex
	chunks map[chunkKey]map[CellAddress]Cell
	count  int
}

var (
	_ CellMap     = (*MemoryCellMap)(nil)
	_ CellBatcher = (*MemoryCellMap)(nil)
)

func NewMemoryCellMap() *MemoryCellMap {
	return &MemoryCellMap{chunks: make(map[chunkKey]map[CellAddress]Cell)}
}

func chunkOf(addr CellAddress) chunkKey {
	return chunkKey{row: addr.Row / chunkRows, col: addr.Column / chunkCols}
}

func (m *MemoryCellMap) Get(addr CellAddress) (Cell, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cell, ok := m.chunks[chunkOf(addr)][addr]
	return cell, ok, nil
}

func (m *MemoryCellMap) Put(cell Cell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(cell)
	return nil
}

func (m *MemoryCellMap) Delete(addr CellAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(addr)
	return nil
}

// Apply deletes then stores under a single lock.
func (m *MemoryCellMap) Apply(deletes []CellAddress, puts []Cell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range deletes {
		m.remove(addr)
	}
	for _, cell := range puts {
		m.store(cell)
	}
	return nil
}

func (m *MemoryCellMap) store(cell Cell) {
	key := chunkOf(cell.Address)
	chunk, ok := m.chunks[key]
	if !ok {
		chunk = make(map[CellAddress]Cell)
		m.chunks[key] = chunk
	}
	if _, exists := chunk[cell.Address]; !exists {
		m.count++
	}
	chunk[cell.Address] = cell
}

func (m *MemoryCellMap) remove(addr CellAddress) {
	key := chunkOf(addr)
	chunk, ok := m.chunks[key]
	if !ok {
		return
	}
	if _, exists := chunk[addr]; exists {
		delete(chunk, addr)
		m.count--
	}
	if len(chunk) == 0 {
		delete(m.chunks, key)
	}
}

func (m *MemoryCellMap) Scan(bounds RangeAddress, fn func(Cell) bool) error {
	m.mu.RLock()
	var found []Cell
	first, last := chunkOf(bounds.Begin()), chunkOf(bounds.End())
	for key, chunk := range m.chunks {
		if key.row < first.row || key.row > last.row || key.col < first.col || key.col > last.col {
			continue
		}
		for addr, cell := range chunk {
			if bounds.Contains(addr) {
				found = append(found, cell)
			}
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(found, func(a, b Cell) int { return a.Address.Compare(b.Address) })
	for _, cell := range found {
		if !fn(cell) {
			break
		}
	}
	return nil
}

func (m *MemoryCellMap) Len() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count, nil
}

// Grid covers every addressable cell.
var Grid = RangeAddress{EndRow: MaxRows - 1, EndColumn: MaxColumns - 1}

// CellStore is the cell half of a spreadsheet: records in a CellMap, save
// and delete watchers, and the bulk invalidations used when metadata
// changes.
type CellStore struct {
	cells   CellMap
	logger  *slog.Logger
	saved   Watchers[Cell]
	deleted Watchers[CellAddress]
}

var _ CellInvalidator = (*CellStore)(nil)

// NewCellStore wraps cells. a nil map selects an in-memory one.
func NewCellStore(cells CellMap, logger *slog.Logger) *CellStore {
	if cells == nil {
		cells = NewMemoryCellMap()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CellStore{cells: cells, logger: logger}
}

func (s *CellStore) OnSave(fn func(Cell)) func() {
	return s.saved.Add(fn)
}

func (s *CellStore) OnDelete(fn func(CellAddress)) func() {
	return s.deleted.Add(fn)
}

// Load returns the cell stored at addr.
func (s *CellStore) Load(addr CellAddress) (Cell, bool, error) {
	cell, ok, err := s.cells.Get(addr)
	if err != nil {
		return Cell{}, false, wrapApplicationError(Internal, err, "load cell %s", addr)
	}
	return cell, ok, nil
}

// Save stores cell, replacing whatever was at its address.
func (s *CellStore) Save(cell Cell) error {
	if err := s.cells.Put(cell); err != nil {
		return wrapApplicationError(Internal, err, "save cell %s", cell.Address)
	}
	s.saved.Fire(cell)
	return nil
}

// Delete removes the cell at addr. deleting an empty address is a no-op.
func (s *CellStore) Delete(addr CellAddress) error {
	_, ok, err := s.cells.Get(addr)
	if err != nil {
		return wrapApplicationError(Internal, err, "load cell %s", addr)
	}
	if !ok {
		return nil
	}
	if err := s.cells.Delete(addr); err != nil {
		return wrapApplicationError(Internal, err, "delete cell %s", addr)
	}
	s.deleted.Fire(addr)
	return nil
}

// Commit deletes and stores cells as one unit. a map that implements
// CellBatcher applies the whole commit atomically; any other map gets one
// call per cell and may be left partly written when a call fails. watchers
// fire only after everything is stored.
func (s *CellStore) Commit(deletes []CellAddress, puts []Cell) error {
	if len(deletes) == 0 && len(puts) == 0 {
		return nil
	}
	var existed []CellAddress
	for _, addr := range deletes {
		_, ok, err := s.cells.Get(addr)
		if err != nil {
			return wrapApplicationError(Internal, err, "load cell %s", addr)
		}
		if ok {
			existed = append(existed, addr)
		}
	}

	if batch, ok := s.cells.(CellBatcher); ok {
		if err := batch.Apply(existed, puts); err != nil {
			return wrapApplicationError(Internal, err, "commit %d cells", len(existed)+len(puts))
		}
	} else {
		for _, addr := range existed {
			if err := s.cells.Delete(addr); err != nil {
				return wrapApplicationError(Internal, err, "delete cell %s", addr)
			}
		}
		for _, cell := range puts {
			if err := s.cells.Put(cell); err != nil {
				return wrapApplicationError(Internal, err, "save cell %s", cell.Address)
			}
		}
	}

	for _, addr := range existed {
		s.deleted.Fire(addr)
	}
	for _, cell := range puts {
		s.saved.Fire(cell)
	}
	return nil
}

// LoadRange returns the stored cells inside bounds in row-major order.
func (s *CellStore) LoadRange(bounds RangeAddress) ([]Cell, error) {
	var cells []Cell
	err := s.cells.Scan(bounds, func(c Cell) bool {
		cells = append(cells, c)
		return true
	})
	if err != nil {
		return nil, wrapApplicationError(Internal, err, "scan %s", bounds)
	}
	return cells, nil
}

// Count returns the number of stored cells.
func (s *CellStore) Count() (int, error) {
	n, err := s.cells.Len()
	if err != nil {
		return 0, wrapApplicationError(Internal, err, "count cells")
	}
	return n, nil
}

// ClearParsedFormulas drops every cached token tree together with the value
// computed from it.
func (s *CellStore) ClearParsedFormulas() {
	s.rewriteAll("clear parsed formulas", func(c *Cell) bool {
		_, hasTokens := c.Tokens()
		_, hasValue := c.Value()
		if !hasTokens && !hasValue {
			return false
		}
		c.ClearTokens()
		c.ClearValue()
		return true
	})
}

// ClearFormatted drops every cached formatted text.
func (s *CellStore) ClearFormatted() {
	s.rewriteAll("clear formatted", func(c *Cell) bool {
		if _, ok := c.Formatted(); !ok {
			return false
		}
		c.ClearFormatted()
		return true
	})
}

// rewriteAll applies fn to every cell and writes back the ones it changed.
// backing failures are logged; the invalidations have no caller to report to.
func (s *CellStore) rewriteAll(op string, fn func(*Cell) bool) {
	changed := make(map[CellAddress]Cell)
	err := s.cells.Scan(Grid, func(c Cell) bool {
		if fn(&c) {
			changed[c.Address] = c
		}
		return true
	})
	if err != nil {
		s.logger.Warn("cell scan failed", slog.String("op", op), slog.Any("error", err))
		return
	}
	for _, addr := range slices.SortedFunc(maps.Keys(changed), CellAddress.Compare) {
		if err := s.cells.Put(changed[addr]); err != nil {
			s.logger.Warn("cell write failed",
				slog.String("op", op),
				slog.String("cell", addr.String()),
				slog.Any("error", err))
		}
	}
	s.logger.Debug("cell caches invalidated", slog.String("op", op), slog.Int("cells", len(changed)))
}
