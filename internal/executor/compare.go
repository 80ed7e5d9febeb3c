package executor

import "strings"

// outputsMatch compares exactly after trimming surrounding whitespace.
func outputsMatch(actual, expected string) bool {
	return strings.TrimSpace(actual) == strings.TrimSpace(expected)
}

// diagnostic is the actual output shown for a test case: trimmed stdout with
// any error text appended on its own line.
func diagnostic(stdout, stderr string) string {
	out := strings.TrimSpace(stdout)
	errText := strings.TrimSpace(stderr)
	switch {
	case errText == "":
		return out
	case out == "":
		return "error: " + errText
	default:
		return out + "\nerror: " + errText
	}
}
