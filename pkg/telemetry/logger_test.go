package telemetry

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	l := logger.ForRun("run-1", "ResizeInstance")
	l.Info().Str("step", "StopInstance").Msg("Step failed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got %q", buf.String())
	}
	want := map[string]string{
		"run_id":   "run-1",
		"workflow": "ResizeInstance",
		"step":     "StopInstance",
		"message":  "Step failed",
		"level":    "info",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("Expected %s=%q, got %v", k, v, entry[k])
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	l := logger.Component("engine")
	l.Info().Msg("hidden")
	l.Warn().Msgf("shown %d", 1)

	if strings.Contains(buf.String(), "hidden") {
		t.Error("Expected info message to be filtered")
	}
	if !strings.Contains(buf.String(), "shown 1") || !strings.Contains(buf.String(), `"component":"engine"`) {
		t.Errorf("Expected tagged warning, got %q", buf.String())
	}
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rightsize.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	zl := logger.Zerolog()
	zl.Info().Msg("to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("Expected message in log file, got %q", data)
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	ctx := logger.WithContext(t.Context())
	zerolog.Ctx(ctx).Info().Msg("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Errorf("Expected context logger to write, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"trace": zerolog.TraceLevel,
		"":      zerolog.InfoLevel,
		"loud":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
