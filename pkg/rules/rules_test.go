package rules

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequired(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		wantPass bool
	}{
		{name: "nil fails", value: nil, wantPass: false},
		{name: "empty string fails", value: "", wantPass: false},
		{name: "zero time fails", value: time.Time{}, wantPass: false},
		{name: "string passes", value: "x", wantPass: true},
		{name: "zero number passes", value: 0, wantPass: true},
		{name: "false passes", value: false, wantPass: true},
		{name: "time passes", value: time.Now(), wantPass: true},
	}

	r := Required("Title")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := r.Check(tt.value)
			if tt.wantPass {
				assert.Empty(t, msg)
			} else {
				assert.Contains(t, msg, "Title")
			}
		})
	}
}

func TestLengthRules(t *testing.T) {
	min := MinLength("Name", 3)
	max := MaxLength("Name", 5)

	assert.Empty(t, min.Check(""), "empty passes min; pair with required")
	assert.NotEmpty(t, min.Check("ab"))
	assert.Empty(t, min.Check("abc"))

	assert.Empty(t, max.Check("abcde"))
	assert.NotEmpty(t, max.Check("abcdef"))
	assert.Empty(t, max.Check(nil), "non-strings pass")
}

func TestNumericRules(t *testing.T) {
	min := Min("Age", 0)
	max := Max("Age", 150)

	assert.NotEmpty(t, min.Check(-1))
	assert.Empty(t, min.Check(0))
	assert.Empty(t, min.Check(int64(3)))
	assert.NotEmpty(t, max.Check(151.5))
	assert.Empty(t, max.Check("not a number"))
}

func TestPattern(t *testing.T) {
	r := Pattern("Email", regexp.MustCompile(`^[^@]+@[^@]+$`))

	assert.Empty(t, r.Check("a@b.com"))
	assert.NotEmpty(t, r.Check("nope"))
	assert.Empty(t, r.Check(""), "empty passes; pair with required")
}

func TestEvaluate(t *testing.T) {
	rs := []Rule{Required("Title"), MaxLength("Title", 3)}

	assert.Len(t, Evaluate(rs, nil), 1)
	assert.Len(t, Evaluate(rs, "abcd"), 1)
	assert.Empty(t, Evaluate(rs, "ab"))
}

func TestAsNumber(t *testing.T) {
	for _, v := range []any{1, int32(1), int64(1), float32(1), float64(1)} {
		f, ok := AsNumber(v)
		assert.True(t, ok)
		assert.Equal(t, 1.0, f)
	}
	_, ok := AsNumber("1")
	assert.False(t, ok)
}
