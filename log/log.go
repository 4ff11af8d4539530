// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package log wraps log/slog with a process-wide root logger whose level can
// be flipped at runtime through the admin API.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/mattn/go-isatty"
)

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Legacy numeric verbosity levels kept for the --verbosity flag.
const (
	LegacyLevelError = uint64(2)
	LegacyLevelWarn  = uint64(3)
	LegacyLevelInfo  = uint64(4)
	LegacyLevelDebug = uint64(5)
)

// FromLegacyLevel maps a numeric verbosity to a slog level.
func FromLegacyLevel(v uint64) slog.Level {
	switch {
	case v <= LegacyLevelError:
		return LevelError
	case v == LegacyLevelWarn:
		return LevelWarn
	case v == LegacyLevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

var root atomic.Pointer[slog.Logger]

func init() {
	var lv slog.LevelVar
	lv.Set(LevelInfo)
	root.Store(slog.New(newTerminalHandler(os.Stderr, &lv)))
}

// Init installs the root logger. When jsonOutput is set records are emitted
// as JSON lines; otherwise a colored terminal format is used when stderr is a
// tty.
func Init(level *slog.LevelVar, jsonOutput bool) {
	var h slog.Handler
	if jsonOutput {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		h = newTerminalHandler(os.Stderr, level)
	}
	root.Store(slog.New(h))
}

// WithContext returns a logger carrying the given key/value context, e.g.
// WithContext("pkg", "ingest"). The returned logger resolves the root at
// record time, so package-level loggers created before Init still honor the
// installed handler and runtime level.
func WithContext(args ...any) *slog.Logger {
	return slog.New(&dynamicHandler{}).With(args...)
}

// dynamicHandler forwards to whatever handler the root logger currently
// holds.
type dynamicHandler struct {
	attrs  []slog.Attr
	groups []string
}

func (h *dynamicHandler) current() slog.Handler {
	cur := root.Load().Handler()
	if len(h.attrs) > 0 {
		cur = cur.WithAttrs(h.attrs)
	}
	for _, g := range h.groups {
		cur = cur.WithGroup(g)
	}
	return cur
}

func (h *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return root.Load().Handler().Enabled(ctx, level)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.current().Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &dynamicHandler{
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	return &dynamicHandler{
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

// Root returns the process root logger.
func Root() *slog.Logger {
	return root.Load()
}

// Debug logs at debug level on the root logger.
func Debug(msg string, args ...any) { root.Load().Debug(msg, args...) }

// Info logs at info level on the root logger.
func Info(msg string, args ...any) { root.Load().Info(msg, args...) }

// Warn logs at warn level on the root logger.
func Warn(msg string, args ...any) { root.Load().Warn(msg, args...) }

// Error logs at error level on the root logger.
func Error(msg string, args ...any) { root.Load().Error(msg, args...) }

func newTerminalHandler(w io.Writer, level *slog.LevelVar) slog.Handler {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &terminalHandler{w: w, lvl: level, useColor: useColor}
}
