package logx

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(&buf, "json", "debug"), "pool")
	log.Info().Int("size", 3).Msg("started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "pool" {
		t.Errorf("component = %v, want pool", entry["component"])
	}
	if entry["message"] != "started" {
		t.Errorf("message = %v, want started", entry["message"])
	}
	if entry["size"] != float64(3) {
		t.Errorf("size = %v, want 3", entry["size"])
	}
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "json", "warn")
	log.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}
	log.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Error("warn should be written")
	}
}

func TestNew_BadLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "json", "chatty")
	log.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug should be filtered by default, got %q", buf.String())
	}
}
