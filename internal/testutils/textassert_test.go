package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingT captures assertion failures instead of failing the test.
type recordingT struct {
	failures []string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestTextAsserterDefaults(t *testing.T) {
	opts := NewTextAsserter(t).Options()

	assert.True(t, opts.TrimSpace, "TrimSpace MUST default to true")
	assert.False(t, opts.IgnoreEmptyLines)
	assert.False(t, opts.IgnoreTrailingWhitespace)
	assert.False(t, opts.EnableColors)
}

func TestTextAsserterDiff(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		match    bool
	}{
		{name: "identical", actual: "a\nb", expected: "a\nb", match: true},
		{name: "inner leading whitespace kept", actual: "x\n a", expected: "x\na", match: false},
		{name: "outer newlines trimmed", actual: "\na\nb\n", expected: "a\nb", match: true},
		{name: "trailing whitespace", opts: []TextOption{WithIgnoreTrailingWhitespace(true)}, actual: "a  \nb\t", expected: "a\nb", match: true},
		{name: "empty lines", opts: []TextOption{WithIgnoreEmptyLines(true)}, actual: "a\n\n\nb", expected: "a\nb", match: true},
		{name: "different line", actual: "a\nc", expected: "a\nb", match: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			ok := NewTextAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)

			assert.Equal(t, tt.match, ok)
			assert.Equal(t, tt.match, len(rec.failures) == 0)
		})
	}
}

func TestTextAsserterUnifiedDiff(t *testing.T) {
	diff := NewTextAsserter(t).Diff("a\nc", "a\nb")

	assert.Contains(t, diff, "--- expected")
	assert.Contains(t, diff, "+++ actual")
	assert.Contains(t, diff, "-b")
	assert.Contains(t, diff, "+c")
}

func TestTextAsserterColors(t *testing.T) {
	diff := NewTextAsserter(t).WithOptions(WithEnableColors(true)).Diff("a b", "a")

	assert.Contains(t, diff, "\x1b[", "colored diff MUST contain ANSI escapes")
	assert.True(t, strings.Contains(diff, "a·b"), "whitespace in changed lines MUST be visible")
}
