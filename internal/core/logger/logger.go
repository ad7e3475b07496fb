// Package logger provides the structured logging engine for fleet.
// Uses log/slog with two sinks: stderr and an optional log file, plus an
// append-only audit log of deploy outcomes and secret store mutations.
package logger

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Logger
// ─────────────────────────────────────────────────────────────────────────────

// Logger wraps slog.Logger with fleet-specific utilities.
type Logger struct {
	*slog.Logger
	audit *auditSink // shared by all child loggers; nil = disabled
}

type auditSink struct {
	mu sync.Mutex
	w  io.Writer
}

// Init initialises the global logger.
func Init(level, format, logFile, fleetHome string, debug bool) (*Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if debug {
		lvl = slog.LevelDebug
	}

	// Build multi-writer: always write to stderr, optionally to file
	writers := []io.Writer{os.Stderr}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0750); err == nil {
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
			if err == nil {
				writers = append(writers, f)
			}
		}
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl, AddSource: debug}
	if format == "json" {
		handler = slog.NewJSONHandler(io.MultiWriter(writers...), opts)
	} else {
		handler = slog.NewTextHandler(io.MultiWriter(writers...), opts)
	}

	base := slog.New(handler)
	slog.SetDefault(base)

	var audit *auditSink
	if fleetHome != "" {
		auditPath := filepath.Join(fleetHome, "audit.log")
		if af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640); err == nil {
			audit = &auditSink{w: af}
		}
	}

	return &Logger{Logger: base, audit: audit}, nil
}

// New wraps an arbitrary handler. Used by tests and embedders.
func New(h slog.Handler) *Logger {
	return &Logger{Logger: slog.New(h)}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(slog.NewTextHandler(io.Discard, nil))
}

// ForHost returns a child logger tagged with the host name.
func (l *Logger) ForHost(host string) *Logger {
	return &Logger{Logger: l.With("host", host), audit: l.audit}
}

// ForSecret returns a child logger tagged with the secret name.
func (l *Logger) ForSecret(name string) *Logger {
	return &Logger{Logger: l.With("secret", name), audit: l.audit}
}

// ─────────────────────────────────────────────────────────────────────────────
// Audit logging
// ─────────────────────────────────────────────────────────────────────────────

// AuditEntry represents a single audit log event.
type AuditEntry struct {
	Timestamp time.Time         `json:"ts"`
	Op        string            `json:"op"`
	User      string            `json:"user"`
	Host      string            `json:"host,omitempty"`
	Secret    string            `json:"secret,omitempty"`
	Result    string            `json:"result"` // success | failure
	Meta      map[string]string `json:"meta,omitempty"`
}

// Audit writes an append-only audit log entry.
func (l *Logger) Audit(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.User == "" {
		entry.User = os.Getenv("USER")
	}
	l.Info("audit",
		"op", entry.Op,
		"user", entry.User,
		"host", entry.Host,
		"secret", entry.Secret,
		"result", entry.Result,
	)
	if l.audit == nil {
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.audit.mu.Lock()
	defer l.audit.mu.Unlock()
	_, _ = l.audit.w.Write(append(line, '\n'))
}
