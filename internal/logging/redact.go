package logging

import (
	"io"
	"regexp"
)

var (
	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-]{8,}`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{8,}`)
	keyField      = regexp.MustCompile(`("api_key"\s*:\s*")[^"]*(")`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// Redact masks credentials and e-mail addresses.
func Redact(input string) (redacted string, changed bool) {
	out := input

	// Field form first so the value is masked whole.
	next := keyField.ReplaceAllString(out, "${1}[REDACTED]${2}")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = apiKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	return out, changed
}

type redactingWriter struct {
	next io.Writer
}

// NewRedactingWriter applies Redact to every write. zerolog writes one
// complete event per call, so patterns never straddle writes.
func NewRedactingWriter(next io.Writer) io.Writer {
	return redactingWriter{next: next}
}

func (w redactingWriter) Write(p []byte) (int, error) {
	out, changed := Redact(string(p))
	if !changed {
		return w.next.Write(p)
	}
	if _, err := w.next.Write([]byte(out)); err != nil {
		return 0, err
	}
	return len(p), nil
}
