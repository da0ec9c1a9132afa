package spreadsheet

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("label", func(fl validator.FieldLevel) bool {
		return isLabelName(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		r := sl.Current().Interface().(RangeAddress)
		if r.StartRow > r.EndRow {
			sl.ReportError(r.StartRow, "StartRow", "StartRow", "ltefield", "EndRow")
		}
		if r.StartColumn > r.EndColumn {
			sl.ReportError(r.StartColumn, "StartColumn", "StartColumn", "ltefield", "EndColumn")
		}
	}, RangeAddress{})
	return v
}

const maxLabelLength = 255

// LabelName is a case-insensitive alias for a cell, range or another label.
type LabelName string

// NewLabelName validates s as a label name.
func NewLabelName(s string) (LabelName, error) {
	if !isLabelName(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, s)
	}
	return LabelName(s), nil
}

// Key is the canonical form used for comparison and as a map key.
func (l LabelName) Key() string {
	return strings.ToUpper(string(l))
}

// EqualFold reports whether two labels name the same alias.
func (l LabelName) EqualFold(o LabelName) bool {
	return strings.EqualFold(string(l), string(o))
}

// isLabelName accepts identifiers that cannot be confused with cell
// addresses or boolean literals.
func isLabelName(s string) bool {
	if s == "" || len(s) > maxLabelLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case isASCIILetter(ch), ch == '_':
		case i > 0 && (ch >= '0' && ch <= '9' || ch == '.'):
		default:
			return false
		}
	}
	if _, err := ParseCellAddress(s); err == nil {
		return false
	}
	upper := strings.ToUpper(s)
	return upper != "TRUE" && upper != "FALSE"
}

// ReferenceKind tags the variant held by a Reference.
type ReferenceKind uint8

const (
	ReferenceCell ReferenceKind = iota + 1
	ReferenceLabel
	ReferenceRange
)

func (k ReferenceKind) String() string {
	switch k {
	case ReferenceCell:
		return "cell"
	case ReferenceLabel:
		return "label"
	case ReferenceRange:
		return "range"
	default:
		return "invalid"
	}
}

// Reference is a tagged union over {Cell, Label, Range}. only the field
// matching Kind is meaningful. the zero value is the null reference.
// references are comparable and used directly as map keys and graph nodes.
type Reference struct {
	Kind  ReferenceKind
	Cell  CellAddress
	Range RangeAddress
	Label LabelName // canonical key form
}

func CellRef(addr CellAddress) Reference {
	return Reference{Kind: ReferenceCell, Cell: addr}
}

// LabelRef canonicalizes the name so that references to "total" and "Total"
// are the same map key.
func LabelRef(name LabelName) Reference {
	return Reference{Kind: ReferenceLabel, Label: LabelName(name.Key())}
}

func RangeRef(r RangeAddress) Reference {
	return Reference{Kind: ReferenceRange, Range: r}
}

// canonical drops the fields of inactive arms and folds label case, so
// references that name the same thing are the same map key.
func (r Reference) canonical() Reference {
	switch r.Kind {
	case ReferenceCell:
		return CellRef(r.Cell)
	case ReferenceLabel:
		return LabelRef(r.Label)
	case ReferenceRange:
		return RangeRef(r.Range)
	}
	return Reference{}
}

// IsSource reports whether the reference may be the source of an edge.
func (r Reference) IsSource() bool {
	return r.Kind == ReferenceCell || r.Kind == ReferenceLabel
}

// Compare is the natural order: cells (row-major) < labels (by name) < ranges.
func (r Reference) Compare(o Reference) int {
	if r.Kind != o.Kind {
		return cmp.Compare(r.Kind, o.Kind)
	}
	switch r.Kind {
	case ReferenceCell:
		return r.Cell.Compare(o.Cell)
	case ReferenceLabel:
		return cmp.Compare(r.Label.Key(), o.Label.Key())
	case ReferenceRange:
		return r.Range.Compare(o.Range)
	}
	return 0
}

func (r Reference) String() string {
	switch r.Kind {
	case ReferenceCell:
		return r.Cell.String()
	case ReferenceLabel:
		return string(r.Label)
	case ReferenceRange:
		return r.Range.String()
	default:
		return "<null>"
	}
}

// Validate checks that the reference is non-null and well-formed.
func (r Reference) Validate() error {
	var err error
	switch r.Kind {
	case ReferenceCell:
		err = validate.Struct(r.Cell)
	case ReferenceRange:
		err = validate.Struct(r.Range)
	case ReferenceLabel:
		err = validate.Var(string(r.Label), "required,label")
	default:
		return ErrNullReference
	}
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrInvalidReference, r.Kind, r, err)
	}
	return nil
}

// ParseReference parses a cell ("A1"), range ("A1:B2") or label name.
func ParseReference(s string) (Reference, error) {
	if strings.Contains(s, ":") {
		r, err := ParseRangeAddress(s)
		if err != nil {
			return Reference{}, err
		}
		return RangeRef(r), nil
	}
	if addr, err := ParseCellAddress(s); err == nil {
		return CellRef(addr), nil
	}
	label, err := NewLabelName(s)
	if err != nil {
		return Reference{}, err
	}
	return LabelRef(label), nil
}
