package spreadsheet

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Formatter renders a value as display text. selector is the cell's format
// selector; an empty selector uses the locale's default pattern for the
// value's type.
type Formatter interface {
	Format(value Primitive, selector string, lc LocaleContext) (string, error)
}

// DefaultFormatter formats numbers with golang.org/x/text using a small
// pattern language:
//
//	0.00      two fixed fraction digits
//	#,##0.##  grouping, up to two fraction digits
//	0.0%      percent
//	0.00E+0   scientific
//
// dates use Go time layouts and text patterns substitute the value for "@".
type DefaultFormatter struct{}

var _ Formatter = DefaultFormatter{}

func (DefaultFormatter) Format(value Primitive, selector string, lc LocaleContext) (string, error) {
	if lc == nil {
		lc = DefaultLocale()
	}
	switch v := value.(type) {
	case nil:
		return "", nil
	case *SpreadsheetError:
		return v.Code(), nil
	case bool:
		if v {
			return "TRUE", nil
		}
		return "FALSE", nil
	case string:
		return formatText(v, firstNonEmpty(selector, lc.TextFormatPattern())), nil
	case time.Time:
		return v.Format(firstNonEmpty(selector, lc.DateFormatPattern(), time.DateOnly)), nil
	case float64:
		return formatNumber(v, firstNonEmpty(selector, lc.NumberFormatPattern()), lc)
	default:
		return "", fmt.Errorf("cannot format %T", value)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func formatText(s, pattern string) string {
	if !strings.Contains(pattern, "@") {
		return s
	}
	return strings.ReplaceAll(pattern, "@", s)
}

type numberPattern struct {
	general    bool
	grouping   bool
	minFrac    int
	maxFrac    int
	percent    bool
	scientific bool
}

func parseNumberPattern(pattern string) (numberPattern, error) {
	if pattern == "" || strings.EqualFold(pattern, "general") {
		return numberPattern{general: true, maxFrac: 10}, nil
	}

	var p numberPattern
	mantissa := pattern
	if i := strings.IndexAny(pattern, "Ee"); i >= 0 {
		p.scientific = true
		mantissa = pattern[:i]
		exponent := strings.TrimLeft(pattern[i+1:], "+-")
		if exponent == "" || strings.Trim(exponent, "0") != "" {
			return numberPattern{}, fmt.Errorf("invalid exponent in number pattern %q", pattern)
		}
	}
	if rest, ok := strings.CutSuffix(mantissa, "%"); ok {
		p.percent = true
		mantissa = rest
	}

	integer, fraction, hasFraction := strings.Cut(mantissa, ".")
	if strings.Trim(integer, "#0,") != "" || strings.Trim(fraction, "#0") != "" {
		return numberPattern{}, fmt.Errorf("unsupported number pattern %q", pattern)
	}
	if !strings.Contains(integer, "0") && !strings.Contains(integer, "#") && !hasFraction {
		return numberPattern{}, fmt.Errorf("number pattern %q has no digits", pattern)
	}
	p.grouping = strings.Contains(integer, ",")
	p.minFrac = strings.Count(fraction, "0")
	p.maxFrac = len(fraction)
	return p, nil
}

func formatNumber(v float64, pattern string, lc LocaleContext) (string, error) {
	p, err := parseNumberPattern(pattern)
	if err != nil {
		return "", err
	}
	if places, ok := lc.DecimalPlaces(); ok {
		p.minFrac, p.maxFrac = places, places
	}

	if p.scientific {
		text := strconv.FormatFloat(lc.RoundingMode().RoundSignificant(v, p.maxFrac+1), 'E', p.maxFrac, 64)
		return strings.Replace(text, ".", lc.DecimalSeparator(), 1), nil
	}

	suffix := ""
	if p.percent {
		v *= 100
		suffix = "%"
	}
	v = lc.RoundingMode().Round(v, p.maxFrac)
	if v == 0 {
		v = 0 // drop negative zero
	}

	opts := []number.Option{
		number.MinFractionDigits(p.minFrac),
		number.MaxFractionDigits(p.maxFrac),
	}
	if !p.grouping {
		opts = append(opts, number.NoSeparator())
	}
	text := message.NewPrinter(lc.Language()).Sprint(number.Decimal(v, opts...))
	return localizeSeparators(text, lc) + suffix, nil
}

// localizeSeparators swaps the printer's native symbols for the locale's,
// which differ when metadata overrides a separator
func localizeSeparators(text string, lc LocaleContext) string {
	nativeDecimal, nativeGroup := localeSymbols(lc.Language())
	if nativeDecimal == lc.DecimalSeparator() && nativeGroup == lc.GroupSeparator() {
		return text
	}
	return strings.NewReplacer(
		nativeDecimal, lc.DecimalSeparator(),
		nativeGroup, lc.GroupSeparator(),
	).Replace(text)
}
