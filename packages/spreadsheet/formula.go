package spreadsheet

import (
	"maps"
	"slices"
)

// FormulaCache shares parsed token trees between cells holding identical
// formula text and tracks which cells use each tree. trees depend on the
// parse settings in effect, so the cache is reset whenever those change.
type FormulaCache struct {
	// core formula storage

	trees      map[string]ASTNode                  // formula text -> shared tree
	usedBy     map[string]map[CellAddress]struct{} // formula text -> cells using it
	textAtCell map[CellAddress]string              // cell -> formula text (reverse index)
}

// NewFormulaCache creates an empty cache
func NewFormulaCache() *FormulaCache {
	return &FormulaCache{
		trees:      make(map[string]ASTNode),
		usedBy:     make(map[string]map[CellAddress]struct{}),
		textAtCell: make(map[CellAddress]string),
	}
}

// Lookup returns the shared tree for text, if some cell already parsed it.
func (fc *FormulaCache) Lookup(text string) (ASTNode, bool) {
	tree, ok := fc.trees[text]
	return tree, ok
}

// Intern records that the cell at addr uses text and returns the shared
// tree for it. tree is stored only when text is not cached yet.
func (fc *FormulaCache) Intern(addr CellAddress, text string, tree ASTNode) ASTNode {
	if old, ok := fc.textAtCell[addr]; ok {
		if old == text {
			return fc.trees[text]
		}
		fc.Release(addr)
	}

	shared, ok := fc.trees[text]
	if !ok {
		shared = tree
		fc.trees[text] = tree
		fc.usedBy[text] = make(map[CellAddress]struct{})
	}
	fc.usedBy[text][addr] = struct{}{}
	fc.textAtCell[addr] = text
	return shared
}

// Release drops the cell's use of its formula. a tree no cell uses is
// evicted.
func (fc *FormulaCache) Release(addr CellAddress) {
	text, ok := fc.textAtCell[addr]
	if !ok {
		return
	}
	delete(fc.textAtCell, addr)

	cells := fc.usedBy[text]
	delete(cells, addr)
	if len(cells) == 0 {
		delete(fc.usedBy, text)
		delete(fc.trees, text)
	}
}

// RefCount returns the number of cells using text.
func (fc *FormulaCache) RefCount(text string) int {
	return len(fc.usedBy[text])
}

// CellsUsing returns the cells using text in row-major order.
func (fc *FormulaCache) CellsUsing(text string) []CellAddress {
	return slices.SortedFunc(maps.Keys(fc.usedBy[text]), CellAddress.Compare)
}

// Len returns the number of distinct cached formulas.
func (fc *FormulaCache) Len() int {
	return len(fc.trees)
}

// Reset empties the cache.
func (fc *FormulaCache) Reset() {
	clear(fc.trees)
	clear(fc.usedBy)
	clear(fc.textAtCell)
}
