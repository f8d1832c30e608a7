package errors

import (
	"regexp"
	"strings"
)

// Known low-level error patterns and the generic messages shown to users.
// Order matters: the first match wins.
var knownPatterns = []struct {
	pattern *regexp.Regexp
	message string
}{
	{regexp.MustCompile(`(?i)\bENOENT\b|no such file or directory`), "a required file or command was not found"},
	{regexp.MustCompile(`(?i)\bEACCES\b|permission denied`), "permission was denied"},
	{regexp.MustCompile(`(?i)\bEADDRINUSE\b|address already in use`), "the address is already in use"},
	{regexp.MustCompile(`(?i)\bETIMEDOUT\b|i/o timeout|deadline exceeded`), "the operation timed out"},
	{regexp.MustCompile(`(?i)\bECONNREFUSED\b|connection refused`), "the connection was refused"},
	{regexp.MustCompile(`(?i)\bECONNRESET\b|connection reset`), "the connection was reset"},
	{regexp.MustCompile(`(?i)\bEPIPE\b|broken pipe`), "the connection was closed unexpectedly"},
}

// absolutePathRe matches absolute filesystem paths embedded in error text.
var absolutePathRe = regexp.MustCompile(`(/[\w.@-]+){2,}`)

// UserMessage produces the user-facing rendition of an error: known
// low-level patterns are replaced with generic messages, paths are
// stripped, and the stable code is attached as a prefix.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	code := CodeOf(err)
	msg := err.Error()

	for _, kp := range knownPatterns {
		if kp.pattern.MatchString(msg) {
			return code + ": " + kp.message
		}
	}

	// Drop anything that looks like a stack trace, keep the first line.
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	msg = absolutePathRe.ReplaceAllString(msg, "<path>")

	if strings.HasPrefix(msg, code+": ") {
		return msg
	}
	return code + ": " + msg
}
