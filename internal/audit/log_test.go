package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"userdir.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	original := obs.Logger()
	var buf bytes.Buffer
	obs.SetLogger(obs.NewLogger(&buf, "info"))
	defer obs.SetLogger(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithActor(ctx, "ctx-1/user-42")

	if err := LogEvent(ctx, "user.deleted", map[string]any{"uid": 7}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.Bytes()
	if len(line) == 0 {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "user.deleted" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["actor"] != "ctx-1/user-42" {
		t.Fatalf("unexpected actor: %v", entry["actor"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["uid"] != float64(7) {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event")
	}
}

func TestBlankRequestIDIgnored(t *testing.T) {
	ctx := WithRequestID(context.Background(), " ")
	if RequestID(ctx) != "" {
		t.Fatal("blank request id stored")
	}
}
