// Package rules implements per-property validation rules: pure predicates
// evaluated against a single value, producing pass or a human-readable
// error message. Rules carry no side effects and no references to the
// models that use them, so a rule set can be shared by every instance of
// an entity type.
package rules

import (
	"fmt"
	"regexp"
	"time"
)

// Func evaluates a value. It returns the empty string when the value
// passes, or an error message when it does not.
type Func func(v any) string

// Rule is a named validation predicate. Names are unique per property;
// adding a rule with an existing name replaces the prior rule.
type Rule struct {
	Name  string
	Check Func
}

// Evaluate runs every rule against v and returns the collected error
// messages. An empty slice means the value passed all rules.
func Evaluate(rs []Rule, v any) []string {
	var errs []string
	for _, r := range rs {
		if msg := r.Check(v); msg != "" {
			errs = append(errs, msg)
		}
	}
	return errs
}

// Required fails for nil, empty strings, and zero time values.
// Zero numbers are considered present: a quantity of 0 is a real value.
func Required(display string) Rule {
	return Rule{Name: "required", Check: func(v any) string {
		if IsEmpty(v) {
			return fmt.Sprintf("%s is required.", display)
		}
		return ""
	}}
}

// MinLength fails for non-empty strings shorter than n runes.
// Empty values pass; pair with Required to also reject absence.
func MinLength(display string, n int) Rule {
	return Rule{Name: "minLength", Check: func(v any) string {
		s, ok := v.(string)
		if !ok || s == "" {
			return ""
		}
		if len([]rune(s)) < n {
			return fmt.Sprintf("%s must be at least %d characters.", display, n)
		}
		return ""
	}}
}

// MaxLength fails for strings longer than n runes.
func MaxLength(display string, n int) Rule {
	return Rule{Name: "maxLength", Check: func(v any) string {
		s, ok := v.(string)
		if !ok {
			return ""
		}
		if len([]rune(s)) > n {
			return fmt.Sprintf("%s may not be more than %d characters.", display, n)
		}
		return ""
	}}
}

// Min fails for numeric values below bound. Non-numeric values pass.
func Min(display string, bound float64) Rule {
	return Rule{Name: "min", Check: func(v any) string {
		f, ok := AsNumber(v)
		if !ok {
			return ""
		}
		if f < bound {
			return fmt.Sprintf("%s must be at least %v.", display, bound)
		}
		return ""
	}}
}

// Max fails for numeric values above bound. Non-numeric values pass.
func Max(display string, bound float64) Rule {
	return Rule{Name: "max", Check: func(v any) string {
		f, ok := AsNumber(v)
		if !ok {
			return ""
		}
		if f > bound {
			return fmt.Sprintf("%s may not be more than %v.", display, bound)
		}
		return ""
	}}
}

// Pattern fails for non-empty strings that do not match re.
func Pattern(display string, re *regexp.Regexp) Rule {
	return Rule{Name: "pattern", Check: func(v any) string {
		s, ok := v.(string)
		if !ok || s == "" {
			return ""
		}
		if !re.MatchString(s) {
			return fmt.Sprintf("%s does not match expected format.", display)
		}
		return ""
	}}
}

// Custom wraps an arbitrary predicate under the given rule name.
func Custom(name string, fn Func) Rule {
	return Rule{Name: name, Check: fn}
}

// IsEmpty reports whether v counts as absent for the purposes of Required:
// nil, the empty string, or a zero time.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case time.Time:
		return t.IsZero()
	case *time.Time:
		return t == nil || t.IsZero()
	}
	return false
}

// AsNumber coerces the numeric types a DTO value may arrive as
// (JSON decoding yields float64; store reads yield int64) to float64.
func AsNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
