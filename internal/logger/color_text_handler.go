package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// ColorTextHandler prints the record level in ANSI color followed by the
// slog text encoding of the rest of the record. The level is written outside
// the text encoding so the escape codes are not quoted.
type ColorTextHandler struct {
	text     *slog.TextHandler
	showTime bool

	mu  *sync.Mutex
	buf *bytes.Buffer
	w   io.Writer
}

// NewColorTextHandler creates a new ColorTextHandler. With showTime false
// the time attribute is dropped, which suits journald and other collectors
// that stamp lines themselves.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && (a.Key == slog.LevelKey || (!showTime && a.Key == slog.TimeKey)) {
			return slog.Attr{}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	buf := &bytes.Buffer{}
	return &ColorTextHandler{
		text:     slog.NewTextHandler(buf, &o),
		showTime: showTime,
		mu:       &sync.Mutex{},
		buf:      buf,
		w:        w,
	}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.text.Enabled(ctx, l)
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var colorCode string
	switch {
	case r.Level >= slog.LevelError:
		colorCode = "\033[31m" // Red
	case r.Level >= slog.LevelWarn:
		colorCode = "\033[33m" // Yellow
	case r.Level >= slog.LevelInfo:
		colorCode = "\033[32m" // Green
	default:
		colorCode = "\033[36m" // Cyan
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	if err := h.text.Handle(ctx, r); err != nil {
		return err
	}
	line := make([]byte, 0, len(colorCode)+h.buf.Len()+16)
	line = append(line, colorCode...)
	line = append(line, r.Level.String()...)
	line = append(line, "\033[0m  "...)
	line = append(line, h.buf.Bytes()...)
	_, err := h.w.Write(line)
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.text = h.text.WithAttrs(attrs).(*slog.TextHandler)
	return &c
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.text = h.text.WithGroup(name).(*slog.TextHandler)
	return &c
}
