package logger

import (
	"io"
	"regexp"
)

type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Redactor scrubs credentials and member identifiers from log lines.
type Redactor struct {
	rules []redactionRule
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, p := range []string{
		// API keys
		`sk-ant-[a-zA-Z0-9_-]{20,}`,
		`sk-[a-zA-Z0-9_-]{20,}`,
		// Bearer tokens
		`Bearer\s+[a-zA-Z0-9._-]+`,
		// Passwords
		`password["\s:=]+[^\s"]+`,
		// Auth tokens
		`token["\s:=]+[a-zA-Z0-9._-]{20,}`,
		// Generic secrets
		`secret["\s:=]+[^\s"]+`,
	} {
		r.rules = append(r.rules, redactionRule{regexp.MustCompile(p), "[REDACTED]"})
	}

	// Member data
	r.rules = append(r.rules,
		redactionRule{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
		redactionRule{regexp.MustCompile(`\bMBR\d{6,}\b`), "[MEMBER_ID]"},
	)
	return r
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{re, "[REDACTED]"})
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, rule := range r.rules {
		result = rule.pattern.ReplaceAllString(result, rule.replacement)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers do not treat a shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	return len(p), nil
}
