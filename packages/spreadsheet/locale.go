package spreadsheet

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// RoundingMode selects how numbers are rounded to a number of places.
type RoundingMode uint8

const (
	RoundHalfUp RoundingMode = iota // half away from zero
	RoundHalfEven
	RoundHalfDown
	RoundUp // away from zero
	RoundDown
	RoundCeiling
	RoundFloor
)

var roundingModeNames = map[RoundingMode]string{
	RoundHalfUp:   "half-up",
	RoundHalfEven: "half-even",
	RoundHalfDown: "half-down",
	RoundUp:       "up",
	RoundDown:     "down",
	RoundCeiling:  "ceiling",
	RoundFloor:    "floor",
}

func (m RoundingMode) String() string {
	if s, ok := roundingModeNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseRoundingMode accepts "half-up", "HALF_UP" and similar spellings.
func ParseRoundingMode(s string) (RoundingMode, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for mode, name := range roundingModeNames {
		if name == key {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown rounding mode %q", ErrInvalidMetadata, s)
}

// Round rounds v to places fractional digits. negative places round to
// tens, hundreds and so on.
func (m RoundingMode) Round(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	scale := math.Pow(10, math.Abs(float64(places)))
	scaled := v * scale
	if places < 0 {
		scaled = v / scale
	}
	// drop binary noise so 1.005*100 is 100.5 rather than 100.49999999999999
	x, _ := strconv.ParseFloat(strconv.FormatFloat(scaled, 'g', 15, 64), 64)

	var r float64
	switch m {
	case RoundHalfEven:
		r = math.RoundToEven(x)
	case RoundHalfDown:
		if math.Abs(x-math.Trunc(x)) == 0.5 {
			r = math.Trunc(x)
		} else {
			r = math.Round(x)
		}
	case RoundUp:
		if x < 0 {
			r = math.Floor(x)
		} else {
			r = math.Ceil(x)
		}
	case RoundDown:
		r = math.Trunc(x)
	case RoundCeiling:
		r = math.Ceil(x)
	case RoundFloor:
		r = math.Floor(x)
	default:
		r = math.Round(x)
	}
	if places < 0 {
		return r * scale
	}
	return r / scale
}

// RoundSignificant rounds v to digits significant digits.
func (m RoundingMode) RoundSignificant(v float64, digits int) float64 {
	if v == 0 || digits <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	magnitude := int(math.Floor(math.Log10(math.Abs(v)))) + 1
	return m.Round(v, digits-magnitude)
}

// LocaleContext supplies the symbols and patterns used to interpret literal
// cell text and to format values.
type LocaleContext interface {
	Language() language.Tag
	DecimalSeparator() string
	GroupSeparator() string
	NumberFormatPattern() string
	TextFormatPattern() string
	DateFormatPattern() string
	RoundingMode() RoundingMode
	// Precision is the number of significant digits kept in evaluated
	// numbers; zero keeps full precision.
	Precision() int
	DecimalPlaces() (int, bool)
	ParseLiteral(text string) Primitive
}

// Locale is the LocaleContext derived from spreadsheet metadata.
type Locale struct {
	tag           language.Tag
	decimal       string
	group         string
	numberParse   *regexp.Regexp
	dateLayouts   []string
	numberFormat  string
	textFormat    string
	dateFormat    string
	rounding      RoundingMode
	precision     int
	decimalPlaces int
	hasPlaces     bool
}

var _ LocaleContext = (*Locale)(nil)

var defaultDateLayouts = []string{time.DateOnly, time.DateTime}

// NewLocale builds a locale from metadata. properties that are absent take
// defaults for the locale tag, which itself defaults to en-US.
func NewLocale(md Metadata) (*Locale, error) {
	lc := &Locale{
		tag:         language.AmericanEnglish,
		dateLayouts: defaultDateLayouts,
		dateFormat:  time.DateOnly,
	}

	if s, ok, err := stringProperty(md, PropertyLocale); err != nil {
		return nil, err
	} else if ok {
		tag, err := language.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: locale %q: %v", ErrInvalidMetadata, s, err)
		}
		lc.tag = tag
	}
	lc.decimal, lc.group = localeSymbols(lc.tag)

	for _, sep := range []struct {
		name PropertyName
		dst  *string
	}{
		{PropertyDecimalSeparator, &lc.decimal},
		{PropertyGroupSeparator, &lc.group},
	} {
		s, ok, err := stringProperty(md, sep.name)
		if err != nil {
			return nil, err
		}
		if ok {
			if utf8.RuneCountInString(s) != 1 {
				return nil, fmt.Errorf("%w: %s must be a single character, got %q", ErrInvalidMetadata, sep.name, s)
			}
			*sep.dst = s
		}
	}
	if lc.decimal == lc.group {
		return nil, fmt.Errorf("%w: decimal and group separator are both %q", ErrInvalidMetadata, lc.decimal)
	}

	if s, ok, err := stringProperty(md, PropertyNumberParsePattern); err != nil {
		return nil, err
	} else if ok && s != "" {
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, PropertyNumberParsePattern, err)
		}
		lc.numberParse = re
	}

	if s, ok, err := stringProperty(md, PropertyDateParsePattern); err != nil {
		return nil, err
	} else if ok && s != "" {
		lc.dateLayouts = strings.Split(s, ";")
	}

	for _, pattern := range []struct {
		name PropertyName
		dst  *string
	}{
		{PropertyNumberFormatPattern, &lc.numberFormat},
		{PropertyTextFormatPattern, &lc.textFormat},
		{PropertyDateFormatPattern, &lc.dateFormat},
	} {
		s, ok, err := stringProperty(md, pattern.name)
		if err != nil {
			return nil, err
		}
		if ok {
			*pattern.dst = s
		}
	}

	if s, ok, err := stringProperty(md, PropertyRoundingMode); err != nil {
		return nil, err
	} else if ok {
		mode, err := ParseRoundingMode(s)
		if err != nil {
			return nil, err
		}
		lc.rounding = mode
	}

	if n, ok, err := intProperty(md, PropertyPrecision); err != nil {
		return nil, err
	} else if ok {
		if n < 0 {
			return nil, fmt.Errorf("%w: %s must not be negative", ErrInvalidMetadata, PropertyPrecision)
		}
		lc.precision = n
	}

	if n, ok, err := intProperty(md, PropertyDecimalPlaces); err != nil {
		return nil, err
	} else if ok {
		if n < 0 || n > 15 {
			return nil, fmt.Errorf("%w: %s must be between 0 and 15", ErrInvalidMetadata, PropertyDecimalPlaces)
		}
		lc.decimalPlaces, lc.hasPlaces = n, true
	}

	for _, name := range []PropertyName{PropertyDefaultColumnWidth, PropertyDefaultRowHeight} {
		if f, ok, err := floatProperty(md, name); err != nil {
			return nil, err
		} else if ok && f < 0 {
			return nil, fmt.Errorf("%w: %s must not be negative", ErrInvalidMetadata, name)
		}
	}

	return lc, nil
}

// DefaultLocale is the locale of a spreadsheet without metadata.
func DefaultLocale() *Locale {
	lc, err := NewLocale(Metadata{})
	if err != nil {
		panic(err)
	}
	return lc
}

// localeSymbols reads the decimal and grouping symbols of tag by formatting
// a sample number with the locale's printer
func localeSymbols(tag language.Tag) (decimal, group string) {
	sample := message.NewPrinter(tag).Sprint(number.Decimal(1234567.5))
	var separators []string
	for _, r := range sample {
		if !unicode.IsDigit(r) {
			separators = append(separators, string(r))
		}
	}
	if len(separators) < 2 {
		return ".", ","
	}
	return separators[len(separators)-1], separators[0]
}

func (lc *Locale) Language() language.Tag      { return lc.tag }
func (lc *Locale) DecimalSeparator() string    { return lc.decimal }
func (lc *Locale) GroupSeparator() string      { return lc.group }
func (lc *Locale) NumberFormatPattern() string { return lc.numberFormat }
func (lc *Locale) TextFormatPattern() string   { return lc.textFormat }
func (lc *Locale) DateFormatPattern() string   { return lc.dateFormat }
func (lc *Locale) RoundingMode() RoundingMode  { return lc.rounding }
func (lc *Locale) Precision() int              { return lc.precision }

func (lc *Locale) DecimalPlaces() (int, bool) {
	return lc.decimalPlaces, lc.hasPlaces
}

var numberLiteral = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?%?$`)

// ParseLiteral interprets non-formula cell text. a leading apostrophe forces
// text; otherwise the text is tried as a boolean, a number written with the
// locale's separators, then a date, and finally kept as text.
func (lc *Locale) ParseLiteral(text string) Primitive {
	if text == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(text, "'"); ok {
		return rest
	}

	trimmed := strings.TrimSpace(text)
	switch strings.ToUpper(trimmed) {
	case "TRUE":
		return true
	case "FALSE":
		return false
	}

	if num, ok := lc.parseNumber(trimmed); ok {
		return num
	}

	for _, layout := range lc.dateLayouts {
		if t, err := time.Parse(strings.TrimSpace(layout), trimmed); err == nil {
			return t
		}
	}

	return text
}

func (lc *Locale) parseNumber(s string) (float64, bool) {
	if lc.numberParse != nil && !lc.numberParse.MatchString(s) {
		return 0, false
	}
	normalized := strings.ReplaceAll(s, lc.group, "")
	normalized = strings.ReplaceAll(normalized, lc.decimal, ".")
	if !numberLiteral.MatchString(normalized) {
		return 0, false
	}

	percent := strings.HasSuffix(normalized, "%")
	num, err := strconv.ParseFloat(strings.TrimSuffix(normalized, "%"), 64)
	if err != nil {
		return 0, false
	}
	if percent {
		num /= 100
	}
	return num, true
}

func stringProperty(md Metadata, name PropertyName) (string, bool, error) {
	v, ok := md.Get(name)
	if !ok {
		return "", false, nil
	}
	s, isString := v.(string)
	if !isString {
		return "", false, fmt.Errorf("%w: %s must be text, got %T", ErrInvalidMetadata, name, v)
	}
	return s, true, nil
}

func intProperty(md Metadata, name PropertyName) (int, bool, error) {
	v, ok := md.Get(name)
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case uint64:
		return int(n), true, nil
	case float64:
		if n == math.Trunc(n) {
			return int(n), true, nil
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true, nil
		}
	}
	return 0, false, fmt.Errorf("%w: %s must be a whole number, got %v", ErrInvalidMetadata, name, v)
}

func floatProperty(md Metadata, name PropertyName) (float64, bool, error) {
	v, ok := md.Get(name)
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case uint64:
		return float64(n), true, nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, true, nil
		}
	}
	return 0, false, fmt.Errorf("%w: %s must be a number, got %v", ErrInvalidMetadata, name, v)
}
