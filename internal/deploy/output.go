package deploy

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	redactedValue = "***"
	// tailLines is how much output a failure message falls back to when no
	// line looks like an error
	tailLines        = 5
	maxMessageLength = 1000
)

var errorLinePattern = regexp.MustCompile(`(?i)error|failed|failure|exception`)

// Redact replaces every occurrence of each non-empty secret in s
func Redact(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, redactedValue)
	}
	return s
}

// RedactArgs returns a copy of args safe to log
func RedactArgs(args []string, secrets ...string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = Redact(a, secrets...)
	}
	return out
}

// ClassifyFailure turns the output of a failed run into a short message: the
// first line that looks like an error, else the last few lines, else the exit
// code alone.
func ClassifyFailure(output []string, tool string, exitCode int) string {
	for _, line := range output {
		if trimmed := strings.TrimSpace(line); trimmed != "" && errorLinePattern.MatchString(trimmed) {
			return truncate(trimmed)
		}
	}

	var tail []string
	for i := len(output) - 1; i >= 0 && len(tail) < tailLines; i-- {
		if trimmed := strings.TrimSpace(output[i]); trimmed != "" {
			tail = append([]string{trimmed}, tail...)
		}
	}
	if len(tail) > 0 {
		return truncate(strings.Join(tail, "\n"))
	}
	return fmt.Sprintf("%s exited with code %d", tool, exitCode)
}

func truncate(s string) string {
	return truncateBytes(s, maxMessageLength)
}

// truncateBytes shortens s to at most limit bytes plus an ellipsis without
// splitting a UTF-8 sequence
func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
