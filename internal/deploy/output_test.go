package deploy

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name   string
		output []string
		want   string
	}{
		{
			name:   "first matching line wins",
			output: []string{"Restoring", "  error: disk full  ", "Build FAILED."},
			want:   "error: disk full",
		},
		{
			name:   "case insensitive",
			output: []string{"Unhandled EXCEPTION in task"},
			want:   "Unhandled EXCEPTION in task",
		},
		{
			name:   "failure keyword",
			output: []string{"ok", "Web deploy failure: ERROR_USER_UNAUTHORIZED"},
			want:   "Web deploy failure: ERROR_USER_UNAUTHORIZED",
		},
		{
			name:   "falls back to last five non-empty lines",
			output: []string{"a", "b", "c", "", "d", "e", "f", "g"},
			want:   "c\nd\ne\nf\ng",
		},
		{
			name:   "no output",
			output: nil,
			want:   "dotnet exited with code 3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFailure(tt.output, "dotnet", 3))
		})
	}
}

func TestClassifyFailure_TruncatesLongLines(t *testing.T) {
	line := "error: " + strings.Repeat("x", 2000)
	got := ClassifyFailure([]string{line}, "dotnet", 1)
	assert.Len(t, got, maxMessageLength+3)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestClassifyFailure_TruncatesOnRuneBoundary(t *testing.T) {
	line := "error: " + strings.Repeat("é", 1000)
	got := ClassifyFailure([]string{line}, "dotnet", 1)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxMessageLength+3)
	assert.True(t, strings.HasSuffix(got, "é..."))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "Restore complete", summarize("  Restore complete  "))

	long := summarize(strings.Repeat("日本", 30))
	assert.True(t, utf8.ValidString(long))
	assert.LessOrEqual(t, len(long), 80)
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "/p:Password=***", Redact("/p:Password=hunter2", "hunter2"))
	assert.Equal(t, "unchanged", Redact("unchanged", ""))
	assert.Equal(t, "*** and ***", Redact("pw1 and pw2", "pw1", "pw2"))

	args := []string{"publish", "/p:Password=hunter2"}
	redacted := RedactArgs(args, "hunter2")
	assert.Equal(t, []string{"publish", "/p:Password=***"}, redacted)
	assert.Equal(t, "/p:Password=hunter2", args[1], "input is not modified")
}
