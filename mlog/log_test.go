package mlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetConfig(map[string]Level{"": LevelWarn})

	log := New("smtpserver")
	log.Debug("debug line")
	log.Info("info line")
	log.Warn("warn line")
	log.Error("error line")

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Fatalf("expected debug/info suppressed at warn level, got: %s", out)
	}
	if !strings.Contains(out, "warn line") || !strings.Contains(out, "error line") {
		t.Fatalf("expected warn/error present, got: %s", out)
	}
}

func TestFieldsAndQuoting(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetConfig(map[string]Level{"": LevelDebug})

	log := New("queue").Fields(Field("id", "abc 123"))
	log.Info("enqueued")

	out := buf.String()
	if !strings.Contains(out, `id="abc 123"`) {
		t.Fatalf("expected quoted field with space, got: %s", out)
	}
	if !strings.Contains(out, "pkg=queue") {
		t.Fatalf("expected pkg field, got: %s", out)
	}
}
