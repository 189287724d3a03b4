package app

import (
	"bytes"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"github.com/fatih/color"
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

func TestPaint(t *testing.T) {
	t.Parallel()

	if got := paint("ERR", false, color.FgRed); got != "ERR" {
		t.Fatalf("paint without colour=%q want plain", got)
	}

	got := paint("ERR", true, color.FgRed)
	if !strings.Contains(got, "\x1b[31m") {
		t.Fatalf("paint with colour=%q, missing red SGR", got)
	}
	if stripANSI(got) != "ERR" {
		t.Fatalf("stripANSI(paint())=%q want ERR", stripANSI(got))
	}
}

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("component", "http").WithGroup("req").Info("http.request",
		"method", "get",
		"status", 404,
		"status_class", "4xx",
		"duration_ms", int64(12),
		"result", "client_error",
		"user_agent", "curl/8 test",
	)

	line := buf.String()
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=http.request",
		"component=http",
		"req.method=GET",
		"req.status=404",
		"class=",
		"req.result=client_error",
		`req.user_agent="curl/8 test"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("plain output must not contain escapes: %q", line)
	}
}

func TestPrettyHandler_RemapsKnownKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false))
	log.Info("x", "status_class", "2xx", "duration_ms", int64(1500))

	line := buf.String()
	if !strings.Contains(line, "class=2xx") || !strings.Contains(line, "duration=1500ms") {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestPrettyHandler_LevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, true))
	log.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info must be filtered at warn level, got %q", buf.String())
	}
	log.Error("loud")
	if got := stripANSI(buf.String()); !strings.Contains(got, "lvl=[ERROR] msg=loud") {
		t.Fatalf("unexpected line %q", got)
	}
}
