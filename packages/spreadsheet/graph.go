package spreadsheet

import (
	"slices"
)

type referenceSet map[Reference]struct{}

// ReferenceGraph is a bidirectional index of "source references target"
// edges. sources are cells or labels; targets are cells, labels or ranges.
// forward and backward always mirror each other: every mutation updates both
// before returning, and arguments are validated before either is touched.
//
// not safe for concurrent use. the engine serializes access per spreadsheet.
type ReferenceGraph struct {
	forward  map[Reference]referenceSet // source -> targets
	backward map[Reference]referenceSet // target -> sources

	// range targets with at least one referrer, so edits inside a range can
	// find the range's readers
	rangeTargets map[RangeAddress]struct{}

	sourceVanished Watchers[Reference]
	targetOrphaned Watchers[Reference]
}

// ReferenceEntry is one source with its outgoing edges.
type ReferenceEntry struct {
	Source  Reference
	Targets []Reference
}

// NewReferenceGraph creates an empty graph
func NewReferenceGraph() *ReferenceGraph {
	return &ReferenceGraph{
		forward:      make(map[Reference]referenceSet),
		backward:     make(map[Reference]referenceSet),
		rangeTargets: make(map[RangeAddress]struct{}),
	}
}

// OnSourceVanished registers fn to run when a source loses its last edge.
func (g *ReferenceGraph) OnSourceVanished(fn func(Reference)) func() {
	return g.sourceVanished.Add(fn)
}

// OnTargetOrphaned registers fn to run when a target loses its last referrer.
func (g *ReferenceGraph) OnTargetOrphaned(fn func(Reference)) func() {
	return g.targetOrphaned.Add(fn)
}

func validateSource(source Reference) error {
	if err := source.Validate(); err != nil {
		return wrapApplicationError(InvalidArgument, err, "invalid source")
	}
	if !source.IsSource() {
		return wrapApplicationError(InvalidArgument, ErrInvalidSource, "invalid source %s", source)
	}
	return nil
}

func validateTarget(target Reference) error {
	if err := target.Validate(); err != nil {
		return wrapApplicationError(InvalidArgument, err, "invalid target")
	}
	return nil
}

// SaveReferences replaces the entire outgoing edge set of source. calling it
// twice with the same targets leaves the graph unchanged after the first call.
// references are stored in canonical form.
func (g *ReferenceGraph) SaveReferences(source Reference, targets []Reference) error {
	if err := validateSource(source); err != nil {
		return err
	}
	source = source.canonical()
	next := make(referenceSet, len(targets))
	for _, t := range targets {
		if err := validateTarget(t); err != nil {
			return err
		}
		next[t.canonical()] = struct{}{}
	}

	// link first so a source that keeps any edge never reports vanished
	var stale []Reference
	for t := range g.forward[source] {
		if _, keep := next[t]; !keep {
			stale = append(stale, t)
		}
	}
	for t := range next {
		g.link(source, t)
	}

	var events graphEvents
	for _, t := range stale {
		g.unlink(source, t, &events)
	}
	events.fire(g)
	return nil
}

// AddReference adds a single edge. adding an existing edge is a no-op.
func (g *ReferenceGraph) AddReference(source, target Reference) error {
	if err := validateSource(source); err != nil {
		return err
	}
	if err := validateTarget(target); err != nil {
		return err
	}
	g.link(source.canonical(), target.canonical())
	return nil
}

// RemoveReference removes a single edge. removing a missing edge is a no-op.
func (g *ReferenceGraph) RemoveReference(source, target Reference) error {
	if err := validateSource(source); err != nil {
		return err
	}
	if err := validateTarget(target); err != nil {
		return err
	}
	var events graphEvents
	g.unlink(source.canonical(), target.canonical(), &events)
	events.fire(g)
	return nil
}

// Load returns the targets of source in natural order, or nil.
func (g *ReferenceGraph) Load(source Reference) []Reference {
	return sortedReferences(g.forward[source.canonical()])
}

// LoadReferred returns the sources referencing target in natural order, or nil.
func (g *ReferenceGraph) LoadReferred(target Reference) []Reference {
	return sortedReferences(g.backward[target.canonical()])
}

// ReferredRanges returns every referenced range that contains addr.
func (g *ReferenceGraph) ReferredRanges(addr CellAddress) []RangeAddress {
	var ranges []RangeAddress
	for r := range g.rangeTargets {
		if r.Contains(addr) {
			ranges = append(ranges, r)
		}
	}
	slices.SortFunc(ranges, RangeAddress.Compare)
	return ranges
}

// Count returns the number of sources with at least one edge.
func (g *ReferenceGraph) Count() int {
	return len(g.forward)
}

// IDs returns a window of sources in natural order.
func (g *ReferenceGraph) IDs(offset, count int) []Reference {
	sources := g.sortedSources()
	return window(sources, offset, count)
}

// Values returns a window of sources with their targets in natural order.
func (g *ReferenceGraph) Values(offset, count int) []ReferenceEntry {
	sources := window(g.sortedSources(), offset, count)
	entries := make([]ReferenceEntry, 0, len(sources))
	for _, s := range sources {
		entries = append(entries, ReferenceEntry{Source: s, Targets: g.Load(s)})
	}
	return entries
}

func (g *ReferenceGraph) sortedSources() []Reference {
	sources := make([]Reference, 0, len(g.forward))
	for s := range g.forward {
		sources = append(sources, s)
	}
	slices.SortFunc(sources, Reference.Compare)
	return sources
}

// link adds source->target to both indexes
func (g *ReferenceGraph) link(source, target Reference) {
	targets, ok := g.forward[source]
	if !ok {
		targets = make(referenceSet)
		g.forward[source] = targets
	}
	targets[target] = struct{}{}

	sources, ok := g.backward[target]
	if !ok {
		sources = make(referenceSet)
		g.backward[target] = sources
	}
	sources[source] = struct{}{}

	if target.Kind == ReferenceRange {
		g.rangeTargets[target.Range] = struct{}{}
	}
}

// unlink removes source->target from both indexes, collecting events for
// sources and targets left without edges
func (g *ReferenceGraph) unlink(source, target Reference, events *graphEvents) {
	targets, ok := g.forward[source]
	if !ok {
		return
	}
	if _, ok := targets[target]; !ok {
		return
	}

	delete(targets, target)
	if len(targets) == 0 {
		delete(g.forward, source)
		events.vanished = append(events.vanished, source)
	}

	sources := g.backward[target]
	delete(sources, source)
	if len(sources) == 0 {
		delete(g.backward, target)
		if target.Kind == ReferenceRange {
			delete(g.rangeTargets, target.Range)
		}
		events.orphaned = append(events.orphaned, target)
	}
}

// graphEvents defers watcher delivery until both indexes are consistent
type graphEvents struct {
	vanished []Reference
	orphaned []Reference
}

func (e *graphEvents) fire(g *ReferenceGraph) {
	for _, s := range e.vanished {
		g.sourceVanished.Fire(s)
	}
	for _, t := range e.orphaned {
		g.targetOrphaned.Fire(t)
	}
}

func sortedReferences(set referenceSet) []Reference {
	if len(set) == 0 {
		return nil
	}
	refs := make([]Reference, 0, len(set))
	for r := range set {
		refs = append(refs, r)
	}
	slices.SortFunc(refs, Reference.Compare)
	return refs
}

func window[T any](items []T, offset, count int) []T {
	if offset < 0 || count <= 0 || offset >= len(items) {
		return nil
	}
	end := min(offset+count, len(items))
	return items[offset:end]
}
