package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextAsserter(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []TextOption
		pass     bool
	}{
		{name: "identical", actual: "a\nb", expected: "a\nb", pass: true},
		{name: "different line", actual: "a\nc", expected: "a\nb", pass: false},
		{name: "trim space", actual: "\n a\nb \n", expected: "a\nb", opts: []TextOption{WithTrimSpace(true)}, pass: true},
		{name: "trailing whitespace", actual: "a  \nb\t", expected: "a\nb", opts: []TextOption{WithIgnoreTrailingWhitespace(true)}, pass: true},
		{name: "trailing whitespace counts by default", actual: "a  \nb", expected: "a\nb", pass: false},
		{name: "empty lines", actual: "a\n\n\nb", expected: "a\nb", opts: []TextOption{WithIgnoreEmptyLines(true)}, pass: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &recordingT{}
			ok := NewTextAsserter(rt).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.pass, ok)
		})
	}
}

func TestTextAsserter_DiffShowsBothSides(t *testing.T) {
	diff := NewTextAsserter(t).Diff("alpha\nbeta\n", "alpha\ngamma\n")
	assert.Contains(t, diff, "-gamma")
	assert.Contains(t, diff, "+beta")
	assert.Contains(t, diff, "--- expected")
	assert.Contains(t, diff, "+++ actual")
}

func TestTextAsserter_Colors(t *testing.T) {
	diff := NewTextAsserter(t).WithOptions(WithEnableColors(true)).Diff("a b\n", "a c\n")
	assert.Contains(t, diff, "\x1b[")
	assert.Contains(t, diff, "a·b")
}
