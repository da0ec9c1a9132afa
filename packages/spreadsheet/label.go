package spreadsheet

import (
	"fmt"
	"slices"
	"strings"
)

// LabelMapping maps a label to a cell, range or another label.
type LabelMapping struct {
	Label  LabelName `validate:"required,label"`
	Target Reference
}

// Validate checks the label name and target.
func (m LabelMapping) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, m.Label)
	}
	return m.Target.Validate()
}

func (m LabelMapping) String() string {
	return fmt.Sprintf("%s=%s", m.Label, m.Target)
}

// LabelStore holds label mappings and resolves label chains. it also tracks
// labels that formulas reference but that have no mapping yet.
type LabelStore struct {
	mappings   map[string]LabelMapping // canonical key -> mapping
	referenced map[string]LabelName    // labels mentioned by formulas

	saved   Watchers[LabelMapping]
	deleted Watchers[LabelName]
}

// NewLabelStore creates an empty label store
func NewLabelStore() *LabelStore {
	return &LabelStore{
		mappings:   make(map[string]LabelMapping),
		referenced: make(map[string]LabelName),
	}
}

// OnSave registers fn to run after a mapping is saved.
func (ls *LabelStore) OnSave(fn func(LabelMapping)) func() {
	return ls.saved.Add(fn)
}

// OnDelete registers fn to run after a mapping is deleted.
func (ls *LabelStore) OnDelete(fn func(LabelName)) func() {
	return ls.deleted.Add(fn)
}

// Save creates or replaces the mapping for m.Label.
func (ls *LabelStore) Save(m LabelMapping) error {
	if err := m.Validate(); err != nil {
		return wrapApplicationError(InvalidArgument, err, "invalid label mapping")
	}
	ls.mappings[m.Label.Key()] = m
	ls.saved.Fire(m)
	return nil
}

// Delete removes the mapping for label. returns false if there was none.
func (ls *LabelStore) Delete(label LabelName) bool {
	key := label.Key()
	m, ok := ls.mappings[key]
	if !ok {
		return false
	}
	delete(ls.mappings, key)
	ls.deleted.Fire(m.Label)
	return true
}

// Load returns the direct, unresolved mapping for label.
func (ls *LabelStore) Load(label LabelName) (LabelMapping, bool) {
	m, ok := ls.mappings[label.Key()]
	return m, ok
}

// Count returns the number of mappings.
func (ls *LabelStore) Count() int {
	return len(ls.mappings)
}

// IDs returns a window of mappings ordered by label.
func (ls *LabelStore) IDs(offset, count int) []LabelMapping {
	return window(ls.sorted(), offset, count)
}

// ResolveCellReference resolves ref to a single cell. cells resolve to
// themselves and ranges to their first cell. labels follow the mapping chain;
// an unknown label, a dangling chain or a cycle all resolve to absent.
func (ls *LabelStore) ResolveCellReference(ref Reference) (CellAddress, bool) {
	switch ref.Kind {
	case ReferenceCell:
		return ref.Cell, true
	case ReferenceRange:
		return ref.Range.Begin(), true
	case ReferenceLabel:
		target, ok := ls.ResolveTarget(ref.Label)
		if !ok {
			return CellAddress{}, false
		}
		if target.Kind == ReferenceRange {
			return target.Range.Begin(), true
		}
		return target.Cell, true
	}
	return CellAddress{}, false
}

// ResolveTarget follows the chain from label to its terminal cell or range,
// keeping ranges whole. every label is visited at most once per call, so the
// walk is bounded by the number of mappings.
func (ls *LabelStore) ResolveTarget(label LabelName) (Reference, bool) {
	visited := make(map[string]struct{})
	current := label
	for {
		key := current.Key()
		if _, seen := visited[key]; seen {
			labelResolutionMisses.WithLabelValues("cycle").Inc()
			return Reference{}, false
		}
		visited[key] = struct{}{}

		m, ok := ls.mappings[key]
		if !ok {
			labelResolutionMisses.WithLabelValues("unknown").Inc()
			return Reference{}, false
		}
		switch m.Target.Kind {
		case ReferenceCell, ReferenceRange:
			return m.Target, true
		case ReferenceLabel:
			current = m.Target.Label
		default:
			return Reference{}, false
		}
	}
}

// LoadCellReferencesOrRanges collects every concrete cell or range reachable
// from label. a range is returned as one element, not expanded.
func (ls *LabelStore) LoadCellReferencesOrRanges(label LabelName) []Reference {
	visited := map[string]struct{}{label.Key(): {}}
	queue := []LabelName{label}
	found := make(referenceSet)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		m, ok := ls.mappings[current.Key()]
		if !ok {
			continue
		}
		switch m.Target.Kind {
		case ReferenceCell, ReferenceRange:
			found[m.Target] = struct{}{}
		case ReferenceLabel:
			next := m.Target.Label
			if _, seen := visited[next.Key()]; !seen {
				visited[next.Key()] = struct{}{}
				queue = append(queue, next)
			}
		}
	}
	return sortedReferences(found)
}

// FindSimilar returns mappings whose label contains query, ignoring case,
// ordered by label and truncated to max.
func (ls *LabelStore) FindSimilar(query string, max int) []LabelMapping {
	if max <= 0 {
		return nil
	}
	needle := strings.ToUpper(query)
	var matches []LabelMapping
	for _, m := range ls.sorted() {
		if strings.Contains(m.Label.Key(), needle) {
			matches = append(matches, m)
			if len(matches) == max {
				break
			}
		}
	}
	return matches
}

// MarkReferenced records that a formula mentions label.
func (ls *LabelStore) MarkReferenced(label LabelName) {
	ls.referenced[label.Key()] = label
}

// ForgetReferenced drops label from the referenced set once nothing
// mentions it any more.
func (ls *LabelStore) ForgetReferenced(label LabelName) {
	delete(ls.referenced, label.Key())
}

// ListUndefined returns labels that formulas reference but that have no
// mapping, ordered by name.
func (ls *LabelStore) ListUndefined() []LabelName {
	var names []LabelName
	for key, name := range ls.referenced {
		if _, defined := ls.mappings[key]; !defined {
			names = append(names, name)
		}
	}
	slices.SortFunc(names, func(a, b LabelName) int {
		return strings.Compare(a.Key(), b.Key())
	})
	return names
}

func (ls *LabelStore) sorted() []LabelMapping {
	all := make([]LabelMapping, 0, len(ls.mappings))
	for _, m := range ls.mappings {
		all = append(all, m)
	}
	slices.SortFunc(all, func(a, b LabelMapping) int {
		return strings.Compare(a.Label.Key(), b.Label.Key())
	})
	return all
}
