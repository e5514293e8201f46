package readback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

// activeHost is the host of the most recently created App, if it accepts
// a logger.
var (
	activeHostMu sync.RWMutex
	activeHost   loggerSetter
)

func init() {
	l := newNopLogger()
	loggerPtr.Store(l)
}

// SetLogger configures the logger for readback and its backends.
// By default, readback produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by readback:
//   - [slog.LevelDebug]: per-frame diagnostics (status transitions, bind group rebuilds)
//   - [slog.LevelInfo]: lifecycle events (pipeline ready, node removed, readback attached)
//   - [slog.LevelWarn]: non-fatal issues (compile failures, dropped completion events)
//
// Example:
//
//	readback.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	activeHostMu.RLock()
	h := activeHost
	activeHostMu.RUnlock()
	if h != nil {
		h.SetLogger(l)
	}
}

// Logger returns the current logger used by readback.
// Backends call this to share the same logger configuration without
// introducing import cycles.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by hosts that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger passes the logger to a host if it implements
// the loggerSetter interface, and remembers the host so that later
// SetLogger calls reach it.
func propagateLogger(h any, l *slog.Logger) {
	ls, ok := h.(loggerSetter)
	if !ok {
		return
	}
	ls.SetLogger(l)

	activeHostMu.Lock()
	activeHost = ls
	activeHostMu.Unlock()
}
