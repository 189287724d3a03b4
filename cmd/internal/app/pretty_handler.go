package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, colorize bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: colorize,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString("ts=")
	b.WriteString(paint(ts.Format("15:04:05.000"), h.color, color.Faint))
	b.WriteString(" lvl=")
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteString(" msg=")
	b.WriteString(paint(r.Message, h.color, color.Bold))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(paint(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), h.color, color.Faint))
		}
	}

	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, "")
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}
	if len(h.groups) > 0 && parent == "" {
		fullKey = strings.Join(h.groups, ".") + "." + fullKey
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, fullKey)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(remapPrettyKey(fullKey))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(fullKey, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	key = strings.TrimSpace(key)
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path":
		return paint(strings.TrimSpace(v.String()), h.color, color.FgCyan)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	}

	return quoteIfNeeded(valueToString(v))
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, colorize bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("[ERROR]", colorize, color.FgRed)
	case level >= slog.LevelWarn:
		return paint("[WARN]", colorize, color.FgYellow)
	case level < slog.LevelInfo:
		return paint("[DEBUG]", colorize, color.FgMagenta)
	default:
		return paint("[INFO]", colorize, color.FgBlue)
	}
}

func colorizeHTTPMethod(method string, colorize bool) string {
	switch method {
	case "GET":
		return paint(method, colorize, color.FgGreen)
	case "POST":
		return paint(method, colorize, color.FgBlue)
	case "PUT", "PATCH":
		return paint(method, colorize, color.FgYellow)
	case "DELETE":
		return paint(method, colorize, color.FgRed)
	default:
		return paint(method, colorize, color.FgWhite)
	}
}

func colorizeStatusCode(status int, colorize bool) string {
	return colorizeStatusClass(statusClass(status), colorize, strconv.Itoa(status))
}

// colorizeStatusClass paints text (or the class itself) by HTTP status class.
func colorizeStatusClass(class string, colorize bool, text ...string) string {
	s := class
	if len(text) > 0 {
		s = text[0]
	}
	switch class {
	case "2xx":
		return paint(s, colorize, color.FgGreen)
	case "3xx":
		return paint(s, colorize, color.FgCyan)
	case "4xx":
		return paint(s, colorize, color.FgYellow)
	case "5xx":
		return paint(s, colorize, color.FgRed)
	default:
		return paint(s, colorize, color.FgWhite)
	}
}

func colorizeDurationMS(ms int64, colorize bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(s, colorize, color.FgRed)
	case ms >= 250:
		return paint(s, colorize, color.FgYellow)
	default:
		return paint(s, colorize, color.Faint)
	}
}

func colorizeResult(result string, colorize bool) string {
	switch result {
	case "success", "redirect":
		return paint(result, colorize, color.FgGreen)
	case "client_error":
		return paint(result, colorize, color.FgYellow)
	case "server_error":
		return paint(result, colorize, color.FgRed)
	default:
		return quoteIfNeeded(result)
	}
}

// paint wraps s in the given SGR attributes. Colour is forced on when requested so output
// does not depend on the global TTY detection.
func paint(s string, colorize bool, attrs ...color.Attribute) string {
	if !colorize {
		return s
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(s)
}
