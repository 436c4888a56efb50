package logger

import (
	"io"
	"regexp"
	"sync"
)

const redacted = "[REDACTED]"

// Redactor masks credentials that tools and providers tend to leak into logs:
// model API keys, bearer headers, search and map service tokens.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the default credential patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_-]{20,}`),
			regexp.MustCompile(`tvly-[A-Za-z0-9_-]{16,}`),
			regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`),
			regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`),
			regexp.MustCompile(`(?i)basic\s+[A-Za-z0-9+/=]{16,}`),
			regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?token|access[_-]?token|password)(["'\s:=]+)[^\s"',}]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, re)
	r.mu.Unlock()
	return nil
}

// Redact masks every match in s.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, re := range r.patterns {
		if re.NumSubexp() >= 2 {
			s = re.ReplaceAllString(s, "${1}${2}"+redacted)
			continue
		}
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts everything written through it.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{next: w, redactor: r}
}

type redactingWriter struct {
	next     io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat a shorter
// redacted payload as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.next.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
