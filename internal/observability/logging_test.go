package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info("should be filtered")
	logger.Warn("should appear", "component", "test")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Error("info record emitted despite warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn record missing")
	}
}

func TestNewLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Info("hello", "component", "agent")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", record["msg"])
	}
	if record["component"] != "agent" {
		t.Errorf("component = %v, want agent", record["component"])
	}
}

func TestRedactToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "[REDACTED]"},
		{"sk-ant-REDACTED", "sk-a…[REDACTED]"},
	}
	for _, tt := range tests {
		if got := RedactToken(tt.in); got != tt.want {
			t.Errorf("RedactToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactSecrets(t *testing.T) {
	in := `{"error":"authorization_pending","access_token":"abcdef1234567890ABCDEF"}`
	out := RedactSecrets(in)
	if strings.Contains(out, "abcdef1234567890ABCDEF") {
		t.Errorf("token survived redaction: %s", out)
	}
	if !strings.Contains(out, "authorization_pending") {
		t.Errorf("error code did not survive redaction: %s", out)
	}
}
