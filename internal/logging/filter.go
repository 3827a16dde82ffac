package logging

import (
	"io"
	"regexp"

	"github.com/rs/zerolog"
)

const RedactedValue = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._~+/=-]{16,}`),
	regexp.MustCompile(`(?i)(x-api-key|api[_-]?key)("?\s*[:=]\s*"?)[a-zA-Z0-9_-]{16,}`),
	regexp.MustCompile(`(?i)(invitations/|token(?:"?\s*[:=]\s*"?))[a-zA-Z0-9_-]{24,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}`),
}

// ContainsSensitiveData reports whether s matches any credential pattern.
func ContainsSensitiveData(s string) bool {
	for _, p := range sensitivePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Redact replaces credential-looking substrings of s.
func Redact(s string) string {
	for _, p := range sensitivePatterns {
		s = p.ReplaceAllStringFunc(s, func(match string) string {
			sub := p.FindStringSubmatch(match)
			if len(sub) > 2 && sub[1] != "" {
				return sub[1] + sub[2] + RedactedValue
			}
			if len(sub) > 1 && sub[1] != "" {
				return sub[1] + RedactedValue
			}
			return RedactedValue
		})
	}
	return s
}

// SensitiveDataHook flags events whose message carried a credential.
// The message itself is rewritten by the redacting writer.
type SensitiveDataHook struct{}

func NewSensitiveDataHook() *SensitiveDataHook {
	return &SensitiveDataHook{}
}

func (h *SensitiveDataHook) Run(e *zerolog.Event, _ zerolog.Level, msg string) {
	if ContainsSensitiveData(msg) {
		e.Bool("contains_filtered_data", true)
	}
}

type redactingWriter struct {
	next io.Writer
}

// NewRedactingWriter scrubs each serialized log line before passing it on.
func NewRedactingWriter(w io.Writer) io.Writer {
	return redactingWriter{next: w}
}

func (w redactingWriter) Write(p []byte) (int, error) {
	s := string(p)
	if !ContainsSensitiveData(s) {
		return w.next.Write(p)
	}
	if _, err := io.WriteString(w.next, Redact(s)); err != nil {
		return 0, err
	}
	return len(p), nil
}
