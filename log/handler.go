// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// terminalHandler renders records as
//
//	[LVL] [Jan 02 15:04:05] message key=value key=value
//
// with color-coded levels on a tty.
type terminalHandler struct {
	mu       sync.Mutex
	w        io.Writer
	lvl      *slog.LevelVar
	useColor bool
	attrs    []slog.Attr
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl.Level()
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &terminalHandler{
		w:        h.w,
		lvl:      h.lvl,
		useColor: h.useColor,
		attrs:    append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
	}
}

func (h *terminalHandler) WithGroup(_ string) slog.Handler {
	panic("not implemented")
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	b.WriteString(h.levelTag(r.Level))
	b.WriteString(" [")
	b.WriteString(r.Time.Format("Jan 02 15:04:05"))
	b.WriteString("] ")
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *terminalHandler) levelTag(l slog.Level) string {
	tag, color := "INFO", "32"
	switch {
	case l >= slog.LevelError:
		tag, color = "EROR", "31"
	case l >= slog.LevelWarn:
		tag, color = "WARN", "33"
	case l < slog.LevelInfo:
		tag, color = "DBUG", "36"
	}
	if h.useColor {
		return "\x1b[" + color + "m[" + tag + "]\x1b[0m"
	}
	return "[" + tag + "]"
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	b.WriteByte(' ')
	b.WriteString(a.Key)
	b.WriteByte('=')
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " =\"") {
			b.WriteString(strconv.Quote(s))
		} else {
			b.WriteString(s)
		}
	case slog.KindDuration:
		b.WriteString(v.Duration().Round(time.Microsecond).String())
	default:
		fmt.Fprint(b, v.Any())
	}
}
