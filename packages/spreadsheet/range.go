package spreadsheet

import (
	"fmt"
	"iter"
	"strings"
)

// RangeAddress represents a rectangular range of cells. start is always less
// than or equal to end on both axes.
type RangeAddress struct {
	StartRow    uint32 `validate:"lt=1048576"`
	StartColumn uint32 `validate:"lt=16384"`
	EndRow      uint32 `validate:"lt=1048576"`
	EndColumn   uint32 `validate:"lt=16384"`
}

// NewRangeAddress normalizes two corners into a range.
func NewRangeAddress(a, b CellAddress) RangeAddress {
	return RangeAddress{
		StartRow:    min(a.Row, b.Row),
		StartColumn: min(a.Column, b.Column),
		EndRow:      max(a.Row, b.Row),
		EndColumn:   max(a.Column, b.Column),
	}
}

// ParseRangeAddress parses "A1:B2". a single cell parses as a 1x1 range.
func ParseRangeAddress(s string) (RangeAddress, error) {
	start, end, found := strings.Cut(s, ":")
	a, err := ParseCellAddress(start)
	if err != nil {
		return RangeAddress{}, err
	}
	if !found {
		return NewRangeAddress(a, a), nil
	}
	b, err := ParseCellAddress(end)
	if err != nil {
		return RangeAddress{}, err
	}
	return NewRangeAddress(a, b), nil
}

// Begin returns the top-left cell.
func (r RangeAddress) Begin() CellAddress {
	return CellAddress{Row: r.StartRow, Column: r.StartColumn}
}

// End returns the bottom-right cell.
func (r RangeAddress) End() CellAddress {
	return CellAddress{Row: r.EndRow, Column: r.EndColumn}
}

func (r RangeAddress) Contains(addr CellAddress) bool {
	return addr.Row >= r.StartRow && addr.Row <= r.EndRow &&
		addr.Column >= r.StartColumn && addr.Column <= r.EndColumn
}

// Intersects reports whether the two ranges share at least one cell.
func (r RangeAddress) Intersects(o RangeAddress) bool {
	return r.StartRow <= o.EndRow && o.StartRow <= r.EndRow &&
		r.StartColumn <= o.EndColumn && o.StartColumn <= r.EndColumn
}

// Size returns the number of cells in the range.
func (r RangeAddress) Size() uint64 {
	return uint64(r.EndRow-r.StartRow+1) * uint64(r.EndColumn-r.StartColumn+1)
}

// Compare orders ranges by begin then end.
func (r RangeAddress) Compare(o RangeAddress) int {
	if c := r.Begin().Compare(o.Begin()); c != 0 {
		return c
	}
	return r.End().Compare(o.End())
}

func (r RangeAddress) String() string {
	return fmt.Sprintf("%s:%s", r.Begin(), r.End())
}

// Cells iterates every address in the range, row-major.
func (r RangeAddress) Cells() iter.Seq[CellAddress] {
	return func(yield func(CellAddress) bool) {
		for row := r.StartRow; row <= r.EndRow; row++ {
			for col := r.StartColumn; col <= r.EndColumn; col++ {
				if !yield(CellAddress{Row: row, Column: col}) {
					return
				}
			}
		}
	}
}

// Range represents a lazy range type for memory-efficient formula evaluation
type Range interface {
	GetBounds() RangeAddress
	IterateValues() iter.Seq[Primitive]
}

// CellRange implements Range by pulling values through a ReferenceResolver,
// so cells inside the range are computed on demand.
type CellRange struct {
	bounds   RangeAddress
	resolver ReferenceResolver
}

// GetBounds returns the range boundaries
func (r *CellRange) GetBounds() RangeAddress {
	return r.bounds
}

// IterateValues returns an iterator over cell values in the range
func (r *CellRange) IterateValues() iter.Seq[Primitive] {
	return func(yield func(Primitive) bool) {
		for addr := range r.bounds.Cells() {
			if !yield(r.resolver.CellValue(addr)) {
				return
			}
		}
	}
}
