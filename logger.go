// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vrast

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/vrast/internal/compute"
	"github.com/gogpu/vrast/internal/pipeline"
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
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for vrast and its internal packages.
// By default, vrast produces no log output. Pass nil to restore the silent
// default.
//
// Log levels used by vrast:
//   - [slog.LevelDebug]: stage launches and sizes (cohort keys, composition keys)
//   - [slog.LevelInfo]: lifecycle events (context created, executor selected)
//   - [slog.LevelWarn]: forced reclaim, CPU fallback, release errors
//   - [slog.LevelError]: context loss
//
// Example:
//
//	vrast.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	compute.SetLogger(l)
	pipeline.SetLogger(l)
}

// Logger returns the current logger used by vrast.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

func slogger() *slog.Logger { return loggerPtr.Load() }
