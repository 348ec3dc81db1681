// Package logging provides a colorized slog.Handler for terminal output,
// used by every long-running component of the core (server session, peer
// connections, transfer managers) instead of ad-hoc fmt.Println calls.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Options controls the handler's rendering.
type Options struct {
	Level      slog.Leveler
	UseColor   bool
	AddSource  bool
	FullSource bool
	TimeFormat string
	LevelWidth int
	Separator  string
}

// DefaultOptions returns the handler configuration used by the daemon
// entrypoint: info level, colorized, short source paths.
func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		AddSource:  true,
		FullSource: false,
		TimeFormat: time.RFC3339,
		LevelWidth: 5,
		Separator:  " | ",
	}
}

// Handler renders records as "time | LEVEL | source | message | {json
// fields}", with each segment colorized by slog.Level when UseColor is set.
type Handler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	groups []string

	colorTime, colorMessage, colorSource, colorFields color.Attribute
	colorLevel                                        map[slog.Level]color.Attribute
	useColor                                           bool
}

func New(w io.Writer, opts Options) *Handler {
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.LevelWidth <= 0 {
		opts.LevelWidth = 5
	}
	if opts.Separator == "" {
		opts.Separator = " | "
	}

	return &Handler{
		opts:         opts,
		writer:       w,
		mu:           &sync.Mutex{},
		useColor:     opts.UseColor,
		colorTime:    color.FgHiBlack,
		colorMessage: color.FgCyan,
		colorSource:  color.FgHiBlack,
		colorFields:  color.FgWhite,
		colorLevel: map[slog.Level]color.Attribute{
			slog.LevelDebug: color.FgMagenta,
			slog.LevelInfo:  color.FgBlue,
			slog.LevelWarn:  color.FgYellow,
			slog.LevelError: color.FgRed,
		},
	}
}

func (h *Handler) paint(attr color.Attribute, s string) string {
	if !h.useColor {
		return s
	}
	return color.New(attr).Sprint(s)
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() { buf.Reset(); bufPool.Put(buf) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	buf.WriteString(h.paint(h.colorTime, r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(h.opts.Separator)
	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteString(h.opts.Separator)

	if h.opts.AddSource {
		if source := h.extractSource(r.PC); source != "" {
			buf.WriteString(h.paint(h.colorSource, source))
			buf.WriteString(h.opts.Separator)
		}
	}

	buf.WriteString(h.paint(h.colorMessage, r.Message))

	if fields := h.collectFields(r); len(fields) > 0 {
		encoded, err := encodeFields(fields)
		if err != nil {
			buf.WriteString(fmt.Sprintf(" (bad attrs: %v)", err))
		} else {
			buf.WriteString(h.opts.Separator)
			buf.WriteString(h.paint(h.colorFields, encoded))
		}
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.mu = &sync.Mutex{}
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.mu = &sync.Mutex{}
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func (h *Handler) formatLevel(level slog.Level) string {
	s := fmt.Sprintf("%-*s", h.opts.LevelWidth, strings.ToUpper(level.String()))
	attr, ok := h.colorLevel[level]
	if !ok {
		attr = color.FgRed
	}
	return h.paint(attr, s)
}

func (h *Handler) extractSource(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.Function == "" {
		return ""
	}

	file := frame.File
	if !h.opts.FullSource {
		file = filepath.Base(file)
	}
	return fmt.Sprintf("%s:%d", file, frame.Line)
}

func (h *Handler) collectFields(r slog.Record) map[string]any {
	out := make(map[string]any)
	dst := out
	for _, g := range h.groups {
		nested := make(map[string]any)
		dst[g] = nested
		dst = nested
	}

	for _, a := range h.attrs {
		addAttr(dst, a)
	}
	r.Attrs(func(a slog.Attr) bool { addAttr(dst, a); return true })

	return out
}

func addAttr(dst map[string]any, a slog.Attr) {
	v := a.Value.Resolve()

	if v.Kind() == slog.KindGroup {
		group := make(map[string]any)
		for _, ga := range v.Group() {
			addAttr(group, ga)
		}
		if len(group) > 0 {
			dst[a.Key] = group
		}
		return
	}

	switch v.Kind() {
	case slog.KindTime:
		dst[a.Key] = v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		dst[a.Key] = v.Duration().String()
	default:
		dst[a.Key] = v.Any()
	}
}

func encodeFields(fields map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
