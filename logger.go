package gridrun

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/gridrun/internal/dispatch"
	"github.com/gogpu/gridrun/internal/native"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with a running harness.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for gridrun and its internal packages.
// By default, gridrun produces no log output. Pass nil to restore the
// silent default.
//
// Log levels used by gridrun:
//   - [slog.LevelDebug]: state transitions, buffer sizes, pipeline state
//   - [slog.LevelInfo]: adapter selected
//   - [slog.LevelWarn]: resources released late or leaked
//
// Example:
//
//	gridrun.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	native.SetLogger(l)
	dispatch.SetLogger(l)
}

// Logger returns the current logger used by gridrun.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

func slogger() *slog.Logger { return loggerPtr.Load() }
