package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("warn", "json", &buf)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log.Info().Msg("hidden")
	l := ForJob("job-7")
	l.Warn().Msg("visible")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected a single json line, got %q: %v", buf.String(), err)
	}
	if entry["job_id"] != "job-7" {
		t.Errorf("expected job_id job-7, got %v", entry["job_id"])
	}
	if entry["service"] != "analysisd" {
		t.Errorf("expected service analysisd, got %v", entry["service"])
	}
}

func TestInitUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("loud", "json", &buf)

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("expected info, got %s", zerolog.GlobalLevel())
	}
}

func TestForComponent(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("info", "json", &buf)

	l := ForComponent("push")
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected a json line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "push" {
		t.Errorf("expected component push, got %v", entry["component"])
	}
}
