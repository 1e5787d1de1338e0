package consolidate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Tolerances decide when two values from different streams agree.
type Tolerances struct {
	// RelativeFloor is the magnitude above which numbers are compared by
	// relative difference.
	RelativeFloor float64 `yaml:"relative_floor" mapstructure:"relative_floor"`
	// RelativeTolerance is the maximum relative difference (0.05 = 5%).
	RelativeTolerance float64 `yaml:"relative_tolerance" mapstructure:"relative_tolerance"`
	// AbsoluteTolerance is the maximum absolute difference for numbers at
	// or below RelativeFloor.
	AbsoluteTolerance float64 `yaml:"absolute_tolerance" mapstructure:"absolute_tolerance"`
}

// DefaultTolerances returns 5% above 100, otherwise 2 units.
func DefaultTolerances() Tolerances {
	return Tolerances{RelativeFloor: 100, RelativeTolerance: 0.05, AbsoluteTolerance: 2}
}

// Match reports whether a and b agree. Numbers use the tolerances; any
// other value is compared as a normalized string. A string only counts as
// a number when it reads like an amount (see amountString), so bare digit
// runs such as ZIP codes or account numbers must match exactly.
func (t Tolerances) Match(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return t.numbersMatch(fa, fb)
	}
	return normalize(valueString(a)) == normalize(valueString(b))
}

func (t Tolerances) numbersMatch(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}
	diff := math.Abs(a - b)
	larger := math.Max(math.Abs(a), math.Abs(b))
	if larger > t.RelativeFloor {
		return diff/larger <= t.RelativeTolerance
	}
	return diff <= t.AbsoluteTolerance
}

// normalize applies NFKC, Unicode case folding and whitespace collapsing.
// A Caser is stateful, so one is created per call.
func normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// valueString renders a value for comparison and deterministic ordering.
func valueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		if !amountString(n) {
			return 0, false
		}
		cleaned := strings.TrimSpace(strings.ReplaceAll(n, ",", ""))
		cleaned = strings.TrimPrefix(cleaned, "$")
		if cleaned == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// amountString reports whether s carries a currency sign, a sign, a
// thousands separator or a decimal point. Plain digit runs are identifiers.
func amountString(s string) bool {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return true
	}
	return strings.ContainsAny(s, "$,.")
}
