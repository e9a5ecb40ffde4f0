package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	Shutdown()

	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "license-gate",
	})

	mu.RLock()
	defer mu.RUnlock()

	if baseWriter != os.Stderr {
		t.Fatalf("expected base writer to be os.Stderr, got %#v", baseWriter)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}
	if baseComponent != "license-gate" {
		t.Fatalf("expected base component license-gate, got %s", baseComponent)
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "console"})

	mu.RLock()
	defer mu.RUnlock()

	if _, ok := baseWriter.(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer, got %#v", baseWriter)
	}
}

func TestInitAutoFormatWithoutTerminal(t *testing.T) {
	t.Cleanup(resetLoggingState)

	orig := isTerminalFn
	isTerminalFn = func(int) bool { return false }
	t.Cleanup(func() { isTerminalFn = orig })

	Init(Config{Format: "auto"})

	mu.RLock()
	defer mu.RUnlock()

	if baseWriter != os.Stderr {
		t.Fatalf("expected plain stderr writer, got %#v", baseWriter)
	}
}

func TestInitAutoFormatWithTerminal(t *testing.T) {
	t.Cleanup(resetLoggingState)

	orig := isTerminalFn
	isTerminalFn = func(int) bool { return true }
	t.Cleanup(func() { isTerminalFn = orig })

	Init(Config{Format: ""})

	mu.RLock()
	defer mu.RUnlock()

	if _, ok := baseWriter.(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer on a terminal, got %#v", baseWriter)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"INFO":     zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		" trace ":  zerolog.TraceLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"chatty":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestIsLevelEnabled(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "json", Level: "warn"})

	if IsLevelEnabled(zerolog.InfoLevel) {
		t.Fatal("info should be disabled at warn level")
	}
	if !IsLevelEnabled(zerolog.ErrorLevel) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  req-1 ")
	if id != "req-1" {
		t.Fatalf("expected trimmed id, got %q", id)
	}
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("RequestIDFromContext = %q", got)
	}

	var nilCtx context.Context
	ctx, id = WithRequestID(nilCtx, "")
	if id == "" || RequestIDFromContext(ctx) != id {
		t.Fatalf("expected generated id, got %q", id)
	}
	if RequestIDFromContext(context.Background()) != "" {
		t.Fatal("expected empty id for bare context")
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	mu.Lock()
	baseLogger = zerolog.New(&buf)
	mu.Unlock()

	ctx, _ := WithRequestID(context.Background(), "abc")
	logger := FromContext(ctx)
	logger.Info().Msg("checked")

	event := readJSONLine(t, &buf)
	if event["request_id"] != "abc" {
		t.Fatalf("expected request_id abc, got %v", event["request_id"])
	}

	buf.Reset()
	logger = FromContext(context.Background())
	logger.Info().Msg("plain")
	event = readJSONLine(t, &buf)
	if _, ok := event["request_id"]; ok {
		t.Fatal("did not expect request_id without one on the context")
	}
}

func TestInitWritesToFile(t *testing.T) {
	t.Cleanup(resetLoggingState)

	path := filepath.Join(t.TempDir(), "logs", "gate.log")
	Init(Config{Format: "json", FilePath: path, Component: "gate"})

	log.Info().Str("subject", "u1").Msg("license use recorded")
	Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"subject":"u1"`) {
		t.Fatalf("expected event in log file, got %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat log file: %v", err)
	}
	if info.Mode().Perm() != logFilePerm {
		t.Fatalf("expected mode %o, got %o", logFilePerm, info.Mode().Perm())
	}
}

func TestRollingFileWriterRotates(t *testing.T) {
	origNow := nowFn
	nowFn = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { nowFn = origNow })

	dir := t.TempDir()
	path := filepath.Join(dir, "gate.log")
	w, err := newRollingFileWriter(Config{FilePath: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("newRollingFileWriter: %v", err)
	}
	defer w.Close()

	chunk := bytes.Repeat([]byte("x"), int(bytesPerMB)-10)
	if _, err := w.Write(chunk); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := w.Write([]byte("overflow-line\n")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	if _, err := os.Stat(path + ".20260314-120000"); err != nil {
		t.Fatalf("expected rotated file: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read active log: %v", err)
	}
	if string(data) != "overflow-line\n" {
		t.Fatalf("expected fresh active log, got %d bytes", len(data))
	}
}

func TestRollingFileWriterRefusesDirectory(t *testing.T) {
	dir := t.TempDir()
	if _, err := newRollingFileWriter(Config{FilePath: dir}); err == nil {
		t.Fatal("expected error for directory log path")
	}
}
