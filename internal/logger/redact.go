// Package logger holds the output side of authguard's zerolog setup.
package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// redactRule masks the value following a captured prefix. Every pattern has
// exactly one capture group, which is kept.
type redactRule struct {
	name string
	re   *regexp.Regexp
}

var rules = []redactRule{
	// key=value or "key":"value"; covers REDIS_PASSWORD
	{"password", regexp.MustCompile(`(?i)(password["'\s:=]+)[^\s"',}]+`)},
	// rediss?://user:secret@host, the host goes with it
	{"redis_url", regexp.MustCompile(`(?i)(rediss?://[^:/@\s]*:)[^@\s/]+@\S*`)},
	{"api_key", regexp.MustCompile(`(?i)(api[_-]?key["'\s:=]+)[A-Za-z0-9\-_]{16,}`)},
	{"bearer", regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`)},
	{"lapi_key", regexp.MustCompile(`(?i)(lapi[_-]?key["'\s:=]+)[^\s"',}]+`)},
	{"bouncer_key", regexp.MustCompile(`(?i)(bouncer[_-]?api[_-]?key["'\s:=]+)\S+`)},
	// header set by the stream bouncer and the usage-metrics reporter
	{"x_api_key", regexp.MustCompile(`(?i)(X-Api-Key["'\s:=]+)\S+`)},
}

var replacement = []byte("${1}" + redacted)

// RedactWriter masks credentials in each log line before it reaches w.
type RedactWriter struct {
	w     io.Writer
	rules []redactRule
}

// NewRedactWriter wraps w with the default rule set.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{w: w, rules: rules}
}

// Write reports len(p) on success so zerolog never sees a short write when
// redaction changed the line length.
func (r *RedactWriter) Write(p []byte) (int, error) {
	out := p
	for _, rule := range r.rules {
		if rule.re.Match(out) {
			out = rule.re.ReplaceAll(out, replacement)
		}
	}
	n, err := r.w.Write(out)
	if err != nil {
		return min(n, len(p)), err
	}
	return len(p), nil
}
