package spreadsheet

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// RandomGenerator interface provides random number generation for testing
type RandomGenerator interface {
	Float64() float64
}

// DefaultRandomGenerator uses the standard library's rand package
type DefaultRandomGenerator struct{}

func (d *DefaultRandomGenerator) Float64() float64 {
	return rand.Float64()
}

// FunctionProvider resolves function calls made by formulas.
type FunctionProvider interface {
	Call(name string, args ...any) (Primitive, error)
}

type builtin func(bf *BuiltInFunctions, args []any) (Primitive, error)

// BuiltInFunctions contains all spreadsheet built-in functions
type BuiltInFunctions struct {
	clock Clock
	rng   RandomGenerator
}

var _ FunctionProvider = (*BuiltInFunctions)(nil)

// NewDefaultBuiltInFunctions creates a BuiltInFunctions with default
// implementations
func NewDefaultBuiltInFunctions() *BuiltInFunctions {
	return NewBuiltInFunctions(&WallClock{}, &DefaultRandomGenerator{})
}

// NewBuiltInFunctions creates a BuiltInFunctions with the given time and
// randomness sources.
func NewBuiltInFunctions(clock Clock, rng RandomGenerator) *BuiltInFunctions {
	return &BuiltInFunctions{clock: clock, rng: rng}
}

var builtins = map[string]builtin{
	"SUM":         (*BuiltInFunctions).SUM,
	"AVERAGE":     (*BuiltInFunctions).AVERAGE,
	"COUNT":       (*BuiltInFunctions).COUNT,
	"COUNTA":      (*BuiltInFunctions).COUNTA,
	"MAX":         (*BuiltInFunctions).MAX,
	"MIN":         (*BuiltInFunctions).MIN,
	"MEDIAN":      (*BuiltInFunctions).MEDIAN,
	"IF":          (*BuiltInFunctions).IF,
	"AND":         (*BuiltInFunctions).AND,
	"OR":          (*BuiltInFunctions).OR,
	"NOT":         (*BuiltInFunctions).NOT,
	"CONCATENATE": (*BuiltInFunctions).CONCATENATE,
	"LEN":         textFunc("LEN", func(s string) Primitive { return float64(len([]rune(s))) }),
	"UPPER":       textFunc("UPPER", func(s string) Primitive { return strings.ToUpper(s) }),
	"LOWER":       textFunc("LOWER", func(s string) Primitive { return strings.ToLower(s) }),
	"TRIM":        textFunc("TRIM", func(s string) Primitive { return strings.Join(strings.Fields(s), " ") }),
	"ABS":         mathFunc("ABS", math.Abs),
	"FLOOR":       mathFunc("FLOOR", math.Floor),
	"CEILING":     mathFunc("CEILING", math.Ceil),
	"SQRT":        mathFunc("SQRT", math.Sqrt),
	"ROUND":       (*BuiltInFunctions).ROUND,
	"POWER":       (*BuiltInFunctions).POWER,
	"MOD":         (*BuiltInFunctions).MOD,
	"PI":          (*BuiltInFunctions).PI,
	"NOW":         (*BuiltInFunctions).NOW,
	"TODAY":       (*BuiltInFunctions).TODAY,
	"RAND":        (*BuiltInFunctions).RAND,
}

// Call invokes a built-in function by name with the given arguments
func (bf *BuiltInFunctions) Call(name string, args ...any) (Primitive, error) {
	fn, ok := builtins[strings.ToUpper(name)]
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeName, fmt.Sprintf("Unknown function: %s", name))
	}
	return fn(bf, args)
}

// checkForError returns the error if value is a *SpreadsheetError, nil otherwise
func checkForError(value Primitive) *SpreadsheetError {
	if err, ok := value.(*SpreadsheetError); ok {
		return err
	}
	return nil
}

func arity(name string, args []any, minArgs, maxArgs int) error {
	if len(args) < minArgs || len(args) > maxArgs {
		return NewSpreadsheetError(ErrorCodeNA, fmt.Sprintf("%s takes %d to %d arguments, got %d", name, minArgs, maxArgs, len(args)))
	}
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return err
		}
	}
	return nil
}

// numbersOf flattens ranges and collects numeric values. direct arguments
// are coerced; range cells only count when they hold numbers, and errors
// inside ranges propagate.
func numbersOf(args []any) ([]float64, error) {
	var nums []float64
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if err := checkForError(value); err != nil {
					return nil, err
				}
				if num, ok := numericValue(value); ok && !math.IsNaN(num) {
					nums = append(nums, num)
				}
			}
			continue
		}
		if num, ok := toNumber(arg); ok && !math.IsNaN(num) {
			nums = append(nums, num)
		}
	}
	return nums, nil
}

func mathFunc(name string, fn func(float64) float64) builtin {
	return func(_ *BuiltInFunctions, args []any) (Primitive, error) {
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		num, ok := toNumber(args[0])
		if !ok {
			return nil, NewSpreadsheetError(ErrorCodeValue, name+" requires a numeric argument")
		}
		result := fn(num)
		if math.IsNaN(result) || math.IsInf(result, 0) {
			return nil, NewSpreadsheetError(ErrorCodeNum, name+" result is not a finite number")
		}
		return result, nil
	}
}

func textFunc(name string, fn func(string) Primitive) builtin {
	return func(_ *BuiltInFunctions, args []any) (Primitive, error) {
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		return fn(toString(args[0])), nil
	}
}

func (bf *BuiltInFunctions) SUM(args []any) (Primitive, error) {
	nums, err := numbersOf(args)
	if err != nil {
		return nil, err
	}
	sum := 0.0
	for _, n := range nums {
		sum += n
	}
	rounded, _ := strconv.ParseFloat(strconv.FormatFloat(sum, 'f', 15, 64), 64)
	return rounded, nil
}

func (bf *BuiltInFunctions) AVERAGE(args []any) (Primitive, error) {
	nums, err := numbersOf(args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, NewSpreadsheetError(ErrorCodeDiv0, "Division by zero")
	}
	sum := 0.0
	for _, n := range nums {
		sum += n
	}
	return sum / float64(len(nums)), nil
}

// COUNT counts numbers only. errors inside ranges are skipped, not propagated
func (bf *BuiltInFunctions) COUNT(args []any) (Primitive, error) {
	count := 0
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if _, ok := numericValue(value); ok {
					count++
				}
			}
		} else if _, ok := numericValue(arg); ok {
			count++
		}
	}
	return float64(count), nil
}

// COUNTA counts every non-empty value, errors inside ranges included
func (bf *BuiltInFunctions) COUNTA(args []any) (Primitive, error) {
	count := 0
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if value != nil {
					count++
				}
			}
		} else if arg != nil {
			count++
		}
	}
	return float64(count), nil
}

func (bf *BuiltInFunctions) MAX(args []any) (Primitive, error) {
	nums, err := numbersOf(args)
	if err != nil || len(nums) == 0 {
		return 0.0, err
	}
	return slices.Max(nums), nil
}

func (bf *BuiltInFunctions) MIN(args []any) (Primitive, error) {
	nums, err := numbersOf(args)
	if err != nil || len(nums) == 0 {
		return 0.0, err
	}
	return slices.Min(nums), nil
}

func (bf *BuiltInFunctions) MEDIAN(args []any) (Primitive, error) {
	nums, err := numbersOf(args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, NewSpreadsheetError(ErrorCodeNum, "MEDIAN has no numeric values")
	}
	slices.Sort(nums)
	mid := len(nums) / 2
	if len(nums)%2 == 0 {
		return (nums[mid-1] + nums[mid]) / 2, nil
	}
	return nums[mid], nil
}

func (bf *BuiltInFunctions) IF(args []any) (Primitive, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "IF requires 2 or 3 arguments")
	}
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	if isTruthy(args[0]) {
		return args[1], nil
	}
	if len(args) == 3 {
		return args[2], nil
	}
	return false, nil
}

func (bf *BuiltInFunctions) AND(args []any) (Primitive, error) {
	if err := arity("AND", args, 1, math.MaxInt); err != nil {
		return nil, err
	}
	for _, arg := range args {
		if !isTruthy(arg) {
			return false, nil
		}
	}
	return true, nil
}

func (bf *BuiltInFunctions) OR(args []any) (Primitive, error) {
	if err := arity("OR", args, 1, math.MaxInt); err != nil {
		return nil, err
	}
	for _, arg := range args {
		if isTruthy(arg) {
			return true, nil
		}
	}
	return false, nil
}

func (bf *BuiltInFunctions) NOT(args []any) (Primitive, error) {
	if err := arity("NOT", args, 1, 1); err != nil {
		return nil, err
	}
	return !isTruthy(args[0]), nil
}

func (bf *BuiltInFunctions) CONCATENATE(args []any) (Primitive, error) {
	if err := arity("CONCATENATE", args, 0, math.MaxInt); err != nil {
		return nil, err
	}
	var result strings.Builder
	for _, arg := range args {
		result.WriteString(toString(arg))
	}
	return result.String(), nil
}

func (bf *BuiltInFunctions) ROUND(args []any) (Primitive, error) {
	if err := arity("ROUND", args, 1, 2); err != nil {
		return nil, err
	}
	num, ok := toNumber(args[0])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "ROUND requires a numeric first argument")
	}
	places := 0.0
	if len(args) == 2 {
		if places, ok = toNumber(args[1]); !ok {
			return nil, NewSpreadsheetError(ErrorCodeValue, "ROUND requires a numeric second argument")
		}
	}
	return RoundHalfUp.Round(num, int(places)), nil
}

func (bf *BuiltInFunctions) POWER(args []any) (Primitive, error) {
	if err := arity("POWER", args, 2, 2); err != nil {
		return nil, err
	}
	base, ok1 := toNumber(args[0])
	exp, ok2 := toNumber(args[1])
	if !ok1 || !ok2 {
		return nil, NewSpreadsheetError(ErrorCodeValue, "POWER requires numeric arguments")
	}
	result := math.Pow(base, exp)
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return nil, NewSpreadsheetError(ErrorCodeNum, "POWER result is not a finite number")
	}
	return result, nil
}

// MOD takes the sign of the divisor, like spreadsheets do
func (bf *BuiltInFunctions) MOD(args []any) (Primitive, error) {
	if err := arity("MOD", args, 2, 2); err != nil {
		return nil, err
	}
	dividend, ok1 := toNumber(args[0])
	divisor, ok2 := toNumber(args[1])
	if !ok1 || !ok2 {
		return nil, NewSpreadsheetError(ErrorCodeValue, "MOD requires numeric arguments")
	}
	if divisor == 0 {
		return nil, NewSpreadsheetError(ErrorCodeDiv0, "Division by zero")
	}
	return dividend - divisor*math.Floor(dividend/divisor), nil
}

func (bf *BuiltInFunctions) PI(args []any) (Primitive, error) {
	if err := arity("PI", args, 0, 0); err != nil {
		return nil, err
	}
	return math.Pi, nil
}

// date serial numbers count days since 1899-12-30
var serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

const msPerDay = 86400000

// serialDate converts a time to a spreadsheet date serial number.
func serialDate(t time.Time) float64 {
	local := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	return float64(local.Sub(serialEpoch).Milliseconds()) / msPerDay
}

func (bf *BuiltInFunctions) NOW(args []any) (Primitive, error) {
	if err := arity("NOW", args, 0, 0); err != nil {
		return nil, err
	}
	return serialDate(bf.clock.Now()), nil
}

func (bf *BuiltInFunctions) TODAY(args []any) (Primitive, error) {
	if err := arity("TODAY", args, 0, 0); err != nil {
		return nil, err
	}
	return math.Floor(serialDate(bf.clock.Now())), nil
}

func (bf *BuiltInFunctions) RAND(args []any) (Primitive, error) {
	if err := arity("RAND", args, 0, 0); err != nil {
		return nil, err
	}
	return bf.rng.Float64(), nil
}

// isVolatileFunction returns true if the function result changes on every
// evaluation
func isVolatileFunction(name string) bool {
	switch strings.ToUpper(name) {
	case "NOW", "TODAY", "RAND":
		return true
	default:
		return false
	}
}

// toNumber converts value to number, returning ok=false if conversion fails
func toNumber(value Primitive) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case time.Time:
		return serialDate(v), true
	case string:
		num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return num, true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// toString converts value to string
func toString(value Primitive) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return v.Format(time.DateOnly)
	case *SpreadsheetError:
		return v.Code()
	default:
		return fmt.Sprint(v)
	}
}

// isTruthy checks if value is truthy
func isTruthy(value Primitive) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return strings.EqualFold(v, "TRUE")
	case nil:
		return false
	default:
		return true
	}
}
