// Package logging provides the process-wide log sink: every record is
// written as "<localtime> <text>" to standard output and, if configured,
// appended to a log file, flushed per record.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Handler is a slog.Handler rendering records in the daemon's log format.
type Handler struct {
	mu    *sync.Mutex
	out   io.Writer
	attrs []slog.Attr
}

var _ slog.Handler = (*Handler)(nil)

// New builds a Handler writing to stdout and, when logFile is non-empty,
// to the file opened in append mode. A file open failure is reported but
// does not prevent logging to stdout, matching the daemon's historic
// behavior of running without a log file.
func New(logFile string) *Handler {
	out := io.Writer(os.Stdout)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not open log file %q: %v\n", logFile, err)
		} else {
			out = io.MultiWriter(os.Stdout, f)
		}
	}
	return NewWriter(out)
}

// NewWriter builds a Handler writing to an arbitrary sink.
func NewWriter(w io.Writer) *Handler {
	return &Handler{mu: &sync.Mutex{}, out: w}
}

// Enabled reports whether the handler logs at the given level.
// Everything at Info and above is kept.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

// Handle renders one record. os.File writes are unbuffered, so each
// record reaches the sink before Handle returns.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	buf.WriteString(ts.Local().Format(time.ANSIC))
	buf.WriteByte(' ')
	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString("[ERROR] ")
	case r.Level >= slog.LevelWarn:
		buf.WriteString("[WARN] ")
	}
	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		appendAttr(&buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&buf, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf.Bytes())
	return err
}

// WithAttrs returns a handler that prepends attrs to every record.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{mu: h.mu, out: h.out, attrs: merged}
}

// WithGroup is accepted but flattened; the sink format has no nesting.
func (h *Handler) WithGroup(string) slog.Handler {
	return h
}

func appendAttr(buf *bytes.Buffer, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	fmt.Fprintf(buf, " %s=%v", a.Key, a.Value.Resolve())
}
