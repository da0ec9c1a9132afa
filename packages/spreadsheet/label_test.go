package spreadsheet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLabelStore(t *testing.T, mappings map[string]string) *LabelStore {
	t.Helper()
	ls := NewLabelStore()
	for name, target := range mappings {
		ref, err := ParseReference(target)
		require.NoError(t, err)
		require.NoError(t, ls.Save(LabelMapping{Label: LabelName(name), Target: ref}))
	}
	return ls
}

func TestLabelStoreResolveCellReference(t *testing.T) {
	ls := newLabelStore(t, map[string]string{
		"Total": "B7",
		"Sum":   "Total",
		"Grand": "Sum",
		"Table": "C3:E9",
		"View":  "Table",
		"Self":  "Self",
		"Ping":  "Pong",
		"Pong":  "Ping",
		"Loose": "Missing",
	})

	tests := []struct {
		name     string
		ref      Reference
		expected string // empty means unresolved
	}{
		{"cell", cellRef(t, "D4"), "D4"},
		{"range first cell", RangeRef(mustRange(t, "F2:G8")), "F2"},
		{"direct label", LabelRef("Total"), "B7"},
		{"label chain", LabelRef("Grand"), "B7"},
		{"case insensitive", LabelRef("gRaNd"), "B7"},
		{"label to range", LabelRef("Table"), "C3"},
		{"chain to range", LabelRef("View"), "C3"},
		{"self cycle", LabelRef("Self"), ""},
		{"mutual cycle", LabelRef("Ping"), ""},
		{"dangling chain", LabelRef("Loose"), ""},
		{"unknown", LabelRef("Nothing"), ""},
		{"null", Reference{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, ok := ls.ResolveCellReference(tt.ref)
			if tt.expected == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, mustAddress(t, tt.expected), addr)
		})
	}
}

func TestLabelStoreResolveTargetKeepsRanges(t *testing.T) {
	ls := newLabelStore(t, map[string]string{"Table": "C3:E9", "View": "Table"})
	target, ok := ls.ResolveTarget("view")
	require.True(t, ok)
	assert.Equal(t, RangeRef(mustRange(t, "C3:E9")), target)
}

func TestLabelStoreLoadCellReferencesOrRanges(t *testing.T) {
	ls := newLabelStore(t, map[string]string{
		"Total": "B7",
		"Sum":   "Total",
		"Table": "C3:E9",
		"Ping":  "Pong",
		"Pong":  "Ping",
	})

	assert.Equal(t, []Reference{cellRef(t, "B7")}, ls.LoadCellReferencesOrRanges("Sum"))
	assert.Equal(t, []Reference{RangeRef(mustRange(t, "C3:E9"))}, ls.LoadCellReferencesOrRanges("Table"))
	assert.Nil(t, ls.LoadCellReferencesOrRanges("Ping"))
	assert.Nil(t, ls.LoadCellReferencesOrRanges("Nothing"))
}

func TestLabelStoreSaveAndDelete(t *testing.T) {
	ls := NewLabelStore()
	var saved []LabelMapping
	var deleted []LabelName
	ls.OnSave(func(m LabelMapping) { saved = append(saved, m) })
	ls.OnDelete(func(l LabelName) { deleted = append(deleted, l) })

	m := LabelMapping{Label: "Rate", Target: cellRef(t, "A1")}
	require.NoError(t, ls.Save(m))
	require.NoError(t, ls.Save(LabelMapping{Label: "RATE", Target: cellRef(t, "A2")}))
	assert.Equal(t, 1, ls.Count())

	got, ok := ls.Load("rate")
	require.True(t, ok)
	assert.Equal(t, cellRef(t, "A2"), got.Target)

	assert.True(t, ls.Delete("Rate"))
	assert.False(t, ls.Delete("Rate"))
	assert.Zero(t, ls.Count())
	assert.Len(t, saved, 2)
	assert.Equal(t, []LabelName{"RATE"}, deleted)

	tests := []struct {
		name    string
		mapping LabelMapping
	}{
		{"cell-like name", LabelMapping{Label: "AB12", Target: cellRef(t, "A1")}},
		{"boolean name", LabelMapping{Label: "true", Target: cellRef(t, "A1")}},
		{"leading digit", LabelMapping{Label: "1st", Target: cellRef(t, "A1")}},
		{"empty name", LabelMapping{Target: cellRef(t, "A1")}},
		{"null target", LabelMapping{Label: "Rate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ls.Save(tt.mapping), &AppError{Code: InvalidArgument})
			assert.Zero(t, ls.Count())
		})
	}
}

func TestLabelStoreFindSimilar(t *testing.T) {
	ls := newLabelStore(t, map[string]string{
		"TaxRate":   "A1",
		"Tax":       "A2",
		"Discount":  "A3",
		"SalesTax":  "A4",
		"Sales_Tot": "A5",
	})

	tests := []struct {
		query    string
		max      int
		expected []LabelName
	}{
		{"tax", 10, []LabelName{"SalesTax", "Tax", "TaxRate"}},
		{"TAX", 2, []LabelName{"SalesTax", "Tax"}},
		{"sales", 10, []LabelName{"SalesTax", "Sales_Tot"}},
		{"zzz", 10, nil},
		{"tax", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var names []LabelName
			for _, m := range ls.FindSimilar(tt.query, tt.max) {
				names = append(names, m.Label)
			}
			assert.Equal(t, tt.expected, names)
		})
	}
}

func TestLabelStoreListUndefined(t *testing.T) {
	ls := newLabelStore(t, map[string]string{"Known": "A1"})
	ls.MarkReferenced("Known")
	ls.MarkReferenced("zeta")
	ls.MarkReferenced("Alpha")

	assert.Equal(t, []LabelName{"Alpha", "zeta"}, ls.ListUndefined())

	ls.ForgetReferenced("ZETA")
	assert.Equal(t, []LabelName{"Alpha"}, ls.ListUndefined())

	require.NoError(t, ls.Save(LabelMapping{Label: "alpha", Target: cellRef(t, "B1")}))
	assert.Empty(t, ls.ListUndefined())
}

func TestLabelStoreIDs(t *testing.T) {
	ls := newLabelStore(t, map[string]string{"b": "A1", "C": "A2", "a": "A3"})
	var names []LabelName
	for _, m := range ls.IDs(0, 10) {
		names = append(names, m.Label)
	}
	assert.Equal(t, []LabelName{"a", "b", "C"}, names)
	assert.Len(t, ls.IDs(1, 1), 1)
	assert.Nil(t, ls.IDs(3, 1))
}
