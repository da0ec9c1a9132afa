package spreadsheet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	parsed    int
	formatted int
}

func (r *recordingInvalidator) ClearParsedFormulas() { r.parsed++ }
func (r *recordingInvalidator) ClearFormatted()      { r.formatted++ }

func (r *recordingInvalidator) calls() int { return r.parsed + r.formatted }

func TestClassify(t *testing.T) {
	base := NewMetadata(map[PropertyName]any{
		PropertySpreadsheetName:  "budget",
		PropertyLocale:           "en-US",
		PropertyModifiedDateTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	tests := []struct {
		name     string
		after    Metadata
		expected InvalidationAction
	}{
		{"unchanged", base, ActionNone},
		{"timestamp only", base.With(PropertyModifiedDateTime, time.Now()), ActionNone},
		{"modified by", base.With(PropertyModifiedBy, "someone"), ActionNone},
		{"rename", base.With(PropertySpreadsheetName, "forecast"), ActionNone},
		{"unknown property", base.With("theme", "dark"), ActionNone},
		{"number parse pattern added", base.With(PropertyNumberParsePattern, `^\d+$`), ActionParseFormula},
		{"date parse pattern added", base.With(PropertyDateParsePattern, "02/01/2006"), ActionParseFormula},
		{"locale changed", base.With(PropertyLocale, "de-DE"), ActionEvaluateAndFormat},
		{"locale removed", base.Without(PropertyLocale), ActionEvaluateAndFormat},
		{"precision added", base.With(PropertyPrecision, 4), ActionEvaluateAndFormat},
		{
			"parse and text pattern together",
			base.With(PropertyNumberParsePattern, `^\d+$`).With(PropertyTextFormatPattern, "@ units"),
			ActionEvaluateAndFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(base, tt.after))
			// symmetric
			assert.Equal(t, tt.expected, Classify(tt.after, base))
		})
	}
}

func TestOnMetadataSaved(t *testing.T) {
	before := NewMetadata(map[PropertyName]any{PropertySpreadsheetName: "budget"})

	tests := []struct {
		name      string
		before    *Metadata
		after     Metadata
		action    InvalidationAction
		parsed    int
		formatted int
	}{
		{
			name:   "first save",
			before: nil,
			after:  before.With(PropertyLocale, "fr-FR"),
			action: ActionNone,
		},
		{
			name:   "timestamp only",
			before: &before,
			after:  before.With(PropertyModifiedDateTime, time.Now()),
			action: ActionNone,
		},
		{
			name:   "parse pattern",
			before: &before,
			after:  before.With(PropertyNumberParsePattern, `^\d+$`),
			action: ActionParseFormula,
			parsed: 1,
		},
		{
			name:      "parse and text pattern make one call",
			before:    &before,
			after:     before.With(PropertyNumberParsePattern, `^\d+$`).With(PropertyTextFormatPattern, "@!"),
			action:    ActionEvaluateAndFormat,
			formatted: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cells := &recordingInvalidator{}
			assert.Equal(t, tt.action, OnMetadataSaved(tt.before, tt.after, cells))
			assert.Equal(t, tt.parsed, cells.parsed)
			assert.Equal(t, tt.formatted, cells.formatted)
			assert.LessOrEqual(t, cells.calls(), 1)
		})
	}
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, ActionNone, ActionFor(PropertyCreatedBy))
	assert.Equal(t, ActionParseFormula, ActionFor(PropertyDateParsePattern))
	assert.Equal(t, ActionEvaluateAndFormat, ActionFor(PropertyRoundingMode))
	assert.Equal(t, ActionNone, ActionFor("not-a-property"))
	assert.Equal(t, "evaluate_and_format", ActionEvaluateAndFormat.String())
}

func TestMetadataIsImmutable(t *testing.T) {
	props := map[PropertyName]any{PropertyLocale: "en-US"}
	md := NewMetadata(props)
	props[PropertyLocale] = "de-DE"

	changed := md.With(PropertyPrecision, 3)
	v, _ := md.Get(PropertyLocale)
	assert.Equal(t, "en-US", v)
	assert.Equal(t, 1, md.Len())
	assert.Equal(t, []PropertyName{PropertyLocale, PropertyPrecision}, changed.Names())
	assert.Equal(t, 1, changed.Without(PropertyPrecision).Len())
}

func TestMetadataStore(t *testing.T) {
	now := time.Date(2024, time.June, 3, 9, 30, 0, 0, time.UTC)
	store := NewMetadataStore(fixedClock{now})

	var changes []MetadataChange
	store.OnSave(func(c MetadataChange) { changes = append(changes, c) })

	_, ok := store.Load()
	assert.False(t, ok)

	first := store.Save(NewMetadata(map[PropertyName]any{PropertySpreadsheetName: "a"}))
	assert.Nil(t, first.Before)
	stamp, _ := first.After.Get(PropertyModifiedDateTime)
	assert.Equal(t, now, stamp)

	second := store.Save(NewMetadata(map[PropertyName]any{PropertySpreadsheetName: "b"}))
	require.NotNil(t, second.Before)
	name, _ := second.Before.Get(PropertySpreadsheetName)
	assert.Equal(t, "a", name)

	current, ok := store.Load()
	require.True(t, ok)
	name, _ = current.Get(PropertySpreadsheetName)
	assert.Equal(t, "b", name)
	assert.Len(t, changes, 2)

	// only the stamp differs between two identical saves
	third := store.Save(NewMetadata(map[PropertyName]any{PropertySpreadsheetName: "b"}))
	assert.Equal(t, ActionNone, Classify(*third.Before, third.After))
}
