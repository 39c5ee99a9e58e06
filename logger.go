package main

import (
	"io"
	"log"
	"os"

	"github.com/google/uuid"
)

type Logger interface {
	Log(format string, args ...any)
}

// stdLogger adapts a *log.Logger to Logger.
type stdLogger struct {
	logger *log.Logger
}

func (s *stdLogger) Log(format string, args ...any) {
	s.logger.Printf(format, args...)
}

// NewFileLogger logs to stdout and appends to the given file.
// The returned file must be closed by the caller.
func NewFileLogger(path string) (Logger, *os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	l := log.New(io.MultiWriter(os.Stdout, f), "", log.LstdFlags)
	return &stdLogger{logger: l}, f, nil
}

type noopLogger struct{}

func (noopLogger) Log(string, ...any) {}

// prefixLogger tags every line with an id.
type prefixLogger struct {
	id   string
	base Logger
}

func (p *prefixLogger) Log(format string, args ...any) {
	p.base.Log("[%s] "+format, append([]any{p.id}, args...)...)
}

func withPrefix(base Logger, id string) Logger {
	if base == nil {
		base = noopLogger{}
	}
	return &prefixLogger{id: id, base: base}
}

func shortID() string {
	return uuid.New().String()[:8]
}

// newRetrievalLogger tags the lines of one retrieval with a fresh id.
func newRetrievalLogger(base Logger) Logger {
	return withPrefix(base, shortID())
}

// redact keeps the first few characters of a secret-ish value for correlation.
func redact(s string) string {
	const keep = 12
	if len(s) <= keep {
		return s
	}
	return s[:keep] + "..."
}
