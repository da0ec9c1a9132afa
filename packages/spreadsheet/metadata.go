package spreadsheet

import (
	"maps"
	"reflect"
	"slices"
	"sync"
)

// PropertyName names a spreadsheet-wide metadata property.
type PropertyName string

const (
	PropertySpreadsheetName  PropertyName = "spreadsheet-name"
	PropertyCreatedBy        PropertyName = "created-by"
	PropertyCreatedDateTime  PropertyName = "created-date-time"
	PropertyModifiedBy       PropertyName = "modified-by"
	PropertyModifiedDateTime PropertyName = "modified-date-time"

	PropertyLocale           PropertyName = "locale"
	PropertyDecimalSeparator PropertyName = "decimal-separator"
	PropertyGroupSeparator   PropertyName = "group-separator"

	PropertyNumberParsePattern PropertyName = "number-parse-pattern"
	PropertyDateParsePattern   PropertyName = "date-parse-pattern"

	PropertyNumberFormatPattern PropertyName = "number-format-pattern"
	PropertyTextFormatPattern   PropertyName = "text-format-pattern"
	PropertyDateFormatPattern   PropertyName = "date-format-pattern"

	PropertyRoundingMode  PropertyName = "rounding-mode"
	PropertyPrecision     PropertyName = "precision"
	PropertyDecimalPlaces PropertyName = "decimal-places"

	PropertyDefaultColumnWidth PropertyName = "default-column-width"
	PropertyDefaultRowHeight   PropertyName = "default-row-height"
)

// InvalidationAction is how much cached cell state a metadata change makes
// stale. actions are ordered: a larger action dominates a smaller one.
type InvalidationAction uint8

const (
	ActionNone InvalidationAction = iota
	ActionParseFormula
	ActionEvaluateAndFormat
)

func (a InvalidationAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionParseFormula:
		return "parse_formula"
	case ActionEvaluateAndFormat:
		return "evaluate_and_format"
	default:
		return "unknown"
	}
}

var propertyActions = map[PropertyName]InvalidationAction{
	PropertySpreadsheetName:     ActionNone,
	PropertyCreatedBy:           ActionNone,
	PropertyCreatedDateTime:     ActionNone,
	PropertyDefaultColumnWidth:  ActionNone,
	PropertyDefaultRowHeight:    ActionNone,
	PropertyNumberParsePattern:  ActionParseFormula,
	PropertyDateParsePattern:    ActionParseFormula,
	PropertyLocale:              ActionEvaluateAndFormat,
	PropertyDecimalSeparator:    ActionEvaluateAndFormat,
	PropertyGroupSeparator:      ActionEvaluateAndFormat,
	PropertyNumberFormatPattern: ActionEvaluateAndFormat,
	PropertyTextFormatPattern:   ActionEvaluateAndFormat,
	PropertyDateFormatPattern:   ActionEvaluateAndFormat,
	PropertyRoundingMode:        ActionEvaluateAndFormat,
	PropertyPrecision:           ActionEvaluateAndFormat,
	PropertyDecimalPlaces:       ActionEvaluateAndFormat,
}

// bookkeeping properties change on every save and never invalidate anything
var bookkeepingProperties = map[PropertyName]struct{}{
	PropertyModifiedBy:       {},
	PropertyModifiedDateTime: {},
}

// ActionFor returns the static classification of a property. unknown
// properties classify as ActionNone.
func ActionFor(name PropertyName) InvalidationAction {
	return propertyActions[name]
}

// Metadata is an immutable snapshot of spreadsheet properties. With and
// Without return modified copies.
type Metadata struct {
	props map[PropertyName]any
}

// NewMetadata copies props into a new snapshot.
func NewMetadata(props map[PropertyName]any) Metadata {
	return Metadata{props: maps.Clone(props)}
}

func (m Metadata) Get(name PropertyName) (any, bool) {
	v, ok := m.props[name]
	return v, ok
}

// With returns a copy of m with name set to v.
func (m Metadata) With(name PropertyName, v any) Metadata {
	props := maps.Clone(m.props)
	if props == nil {
		props = make(map[PropertyName]any, 1)
	}
	props[name] = v
	return Metadata{props: props}
}

// Without returns a copy of m with name removed.
func (m Metadata) Without(name PropertyName) Metadata {
	props := maps.Clone(m.props)
	delete(props, name)
	return Metadata{props: props}
}

// Names returns property names in sorted order.
func (m Metadata) Names() []PropertyName {
	return slices.Sorted(maps.Keys(m.props))
}

func (m Metadata) Len() int {
	return len(m.props)
}

// Classify returns the largest action required by any property whose value
// differs between before and after. a property present on one side only
// counts as differing.
func Classify(before, after Metadata) InvalidationAction {
	names := make(map[PropertyName]struct{}, len(before.props)+len(after.props))
	for name := range before.props {
		names[name] = struct{}{}
	}
	for name := range after.props {
		names[name] = struct{}{}
	}

	action := ActionNone
	for name := range names {
		if _, skip := bookkeepingProperties[name]; skip {
			continue
		}
		b, inBefore := before.props[name]
		a, inAfter := after.props[name]
		if inBefore == inAfter && reflect.DeepEqual(b, a) {
			continue
		}
		action = max(action, ActionFor(name))
		if action == ActionEvaluateAndFormat {
			break
		}
	}
	return action
}

// CellInvalidator drops cached per-cell artifacts.
type CellInvalidator interface {
	ClearParsedFormulas()
	ClearFormatted()
}

// ApplyInvalidation makes at most one call on cells.
func ApplyInvalidation(action InvalidationAction, cells CellInvalidator) {
	switch action {
	case ActionParseFormula:
		cells.ClearParsedFormulas()
	case ActionEvaluateAndFormat:
		cells.ClearFormatted()
	default:
		return
	}
	metadataInvalidations.WithLabelValues(action.String()).Inc()
}

// OnMetadataSaved classifies a metadata save and applies the result. a first
// save has nothing to compare against and invalidates nothing.
func OnMetadataSaved(before *Metadata, after Metadata, cells CellInvalidator) InvalidationAction {
	if before == nil {
		return ActionNone
	}
	action := Classify(*before, after)
	ApplyInvalidation(action, cells)
	return action
}

// MetadataChange is delivered to metadata save watchers.
type MetadataChange struct {
	Before *Metadata // nil on first save
	After  Metadata
}

// MetadataStore holds the current metadata of one spreadsheet.
type MetadataStore struct {
	mu      sync.Mutex
	clock   Clock
	current *Metadata
	saved   Watchers[MetadataChange]
}

// NewMetadataStore creates an empty store. every save stamps
// modified-date-time from clock.
func NewMetadataStore(clock Clock) *MetadataStore {
	if clock == nil {
		clock = &WallClock{}
	}
	return &MetadataStore{clock: clock}
}

// OnSave registers fn to run after every save.
func (s *MetadataStore) OnSave(fn func(MetadataChange)) func() {
	return s.saved.Add(fn)
}

// Load returns the current metadata, if any was saved.
func (s *MetadataStore) Load() (Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Metadata{}, false
	}
	return *s.current, true
}

// Save replaces the current metadata and notifies watchers synchronously.
func (s *MetadataStore) Save(md Metadata) MetadataChange {
	md = md.With(PropertyModifiedDateTime, s.clock.Now())

	s.mu.Lock()
	change := MetadataChange{Before: s.current, After: md}
	s.current = &md
	s.mu.Unlock()

	s.saved.Fire(change)
	return change
}
