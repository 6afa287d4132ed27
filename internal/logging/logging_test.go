package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInitJSONOutputWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithComponent("cluster").Info().Msg("started")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a single JSON log line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "cluster" {
		t.Errorf("component = %v, want cluster", line["component"])
	}
	if line["message"] != "started" {
		t.Errorf("message = %v, want started", line["message"])
	}
}

func TestInitWarnLevelSuppressesInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithNode("n0").Info().Msg("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("info log should be suppressed at warn level, got %q", buf.String())
	}

	WithNode("n0").Warn().Msg("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("warn log missing from output: %q", buf.String())
	}
}
