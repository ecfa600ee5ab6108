package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry %q: %v", buf.String(), err)
	}
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Debug("hidden")
	if buf.Len() > 0 {
		t.Error("Debug message should not be logged at Info level")
	}

	logger.Warn("visible")
	entry := decodeLine(t, &buf)
	if entry["level"] != "WARN" {
		t.Errorf("Expected level WARN, got %v", entry["level"])
	}
	if entry["msg"] != "visible" {
		t.Errorf("Expected msg 'visible', got %v", entry["msg"])
	}
}

func TestLogger_WithFieldsAndError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithFields(map[string]interface{}{"actor_id": 7}).
		WithError(errors.New("boom")).
		Infof("deleted %d users", 2)

	entry := decodeLine(t, &buf)
	if entry["msg"] != "deleted 2 users" {
		t.Errorf("unexpected msg %v", entry["msg"])
	}
	if entry["actor_id"] != float64(7) {
		t.Errorf("Expected actor_id 7, got %v", entry["actor_id"])
	}
	if entry["error"] != "boom" {
		t.Errorf("Expected error field, got %v", entry["error"])
	}
}

func TestLogger_WithNilError(t *testing.T) {
	logger := NopLogger()
	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"WARNING": WarnLevel,
		" error ": ErrorLevel,
		"info":    InfoLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFromContext(t *testing.T) {
	var ctxBuf, fallbackBuf bytes.Buffer
	scoped := NewLogger(InfoLevel, &ctxBuf)
	fallback := NewLogger(InfoLevel, &fallbackBuf)

	FromContext(context.Background(), fallback).Info("fallback")
	if fallbackBuf.Len() == 0 {
		t.Error("expected fallback logger to be used")
	}

	ctx := WithLogger(context.Background(), scoped)
	FromContext(ctx, fallback).Info("scoped")
	if ctxBuf.Len() == 0 {
		t.Error("expected context logger to be used")
	}

	// no logger anywhere must not panic
	FromContext(context.Background(), nil).Info("discarded")
}
