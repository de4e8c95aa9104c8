package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(LevelDebug, FormatJSON, &buf)

	logger.Debug("test message", map[string]any{"key": "value"})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["level"] != "debug" {
		t.Errorf("expected debug level, got %v", lines[0]["level"])
	}
	if lines[0]["message"] != "test message" {
		t.Errorf("expected message, got %v", lines[0]["message"])
	}
	if lines[0]["key"] != "value" {
		t.Errorf("expected field key=value, got %v", lines[0]["key"])
	}
	if _, ok := lines[0]["timestamp"]; !ok {
		t.Errorf("expected timestamp field")
	}
}

func TestLogger_DebugFiltered(t *testing.T) {
	var buf bytes.Buffer
	logger := New(LevelInfo, FormatJSON, &buf)

	logger.Debug("test message")

	if buf.Len() > 0 {
		t.Errorf("expected no output for filtered debug, got: %s", buf.String())
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(LevelError, FormatJSON, &buf)
	logger.Warn("hidden")
	logger.SetLevel(LevelWarn)
	logger.Warn("shown")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["message"] != "shown" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestLogger_WithFieldsSharesOutput(t *testing.T) {
	var first, second bytes.Buffer
	root := New(LevelInfo, FormatJSON, &first)
	child := root.WithFields(map[string]any{"module": "store"})

	root.SetOutput(&second)
	child.Info("written", map[string]any{"collection": "positions"})

	if first.Len() != 0 {
		t.Errorf("expected first buffer to stay empty, got %s", first.String())
	}
	lines := decodeLines(t, &second)
	if lines[0]["module"] != "store" || lines[0]["collection"] != "positions" {
		t.Errorf("missing fields: %v", lines[0])
	}
}

func TestLogger_ErrorErr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(LevelInfo, FormatJSON, &buf)
	logger.ErrorErr("write failed", errors.New("quota exceeded"), map[string]any{"key": "audit-log"})

	lines := decodeLines(t, &buf)
	if lines[0]["error"] != "quota exceeded" || lines[0]["level"] != "error" {
		t.Errorf("unexpected entry: %v", lines[0])
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(LevelInfo, FormatText, &buf)
	logger.Info("hello", map[string]any{"n": 1})
	if !strings.Contains(buf.String(), "message=hello") || !strings.Contains(buf.String(), "n=1") {
		t.Errorf("unexpected text output: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestOrGlobal(t *testing.T) {
	l := New(LevelInfo, FormatJSON, &bytes.Buffer{})
	if OrGlobal(l) != l {
		t.Error("expected explicit logger")
	}
	if OrGlobal(nil) != Global() {
		t.Error("expected global logger")
	}
}
