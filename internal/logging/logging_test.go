package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "debug", Format: "json"})
	logger.Debug().Str("component", "test").Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "test" || line["message"] != "hello" {
		t.Fatalf("unexpected log fields: %#v", line)
	}
}

func TestNewLoggerToLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "warn"})
	logger.Info().Msg("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
}

func TestNewLoggerToInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "loud"})
	logger.Debug().Msg("suppressed")
	logger.Info().Msg("kept")
	if !bytes.Contains(buf.Bytes(), []byte("kept")) || bytes.Contains(buf.Bytes(), []byte("suppressed")) {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
