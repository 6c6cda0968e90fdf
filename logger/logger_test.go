package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSetupJSONAndCleanup(t *testing.T) {
	var buf bytes.Buffer
	cleanup, err := Setup(Config{Level: "warn", JSON: true, Output: &buf})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	L().Info("hidden")
	L().Warn("bootstrap.fallback", "trigger", "too_few_stars")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if rec["msg"] != "bootstrap.fallback" || rec["trigger"] != "too_few_stars" {
		t.Errorf("unexpected record %v", rec)
	}

	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	buf.Reset()
	L().Error("after cleanup")
	if buf.Len() != 0 {
		t.Errorf("logger still writes after cleanup: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"", "info", "DEBUG", "warning", "error"} {
		if _, err := ParseLevel(s); err != nil {
			t.Errorf("ParseLevel(%q): %v", s, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
}

func TestOr(t *testing.T) {
	if Or(nil) != L() {
		t.Error("Or(nil) should return the process logger")
	}
}
