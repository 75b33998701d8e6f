package opencode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/brigadehq/agentharness/internal/provider"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func setupStorage(t *testing.T) (runtimeDir, sessionID string) {
	t.Helper()
	runtimeDir = t.TempDir()
	sessionID = "ses_abc"
	storage := filepath.Join(runtimeDir, "opencode", "storage")
	writeJSON(t, filepath.Join(storage, "session", "proj1", "ses_abc.json"), map[string]string{"id": sessionID})
	return runtimeDir, sessionID
}

func TestJournalPinDiscoversNewestSession(t *testing.T) {
	runtimeDir, wantID := setupStorage(t)

	j := &journal{}
	if err := j.Pin(runtimeDir, ""); err != nil {
		t.Fatal(err)
	}
	if j.sessionID != wantID {
		t.Errorf("sessionID = %q, want %q", j.sessionID, wantID)
	}
}

func TestJournalStatusUserThenAssistantIdle(t *testing.T) {
	runtimeDir, sessionID := setupStorage(t)
	storage := filepath.Join(runtimeDir, "opencode", "storage")

	writeJSON(t, filepath.Join(storage, "message", sessionID, "msg_1.json"), map[string]any{
		"id": "msg_1", "role": "user", "time": map[string]float64{"created": 1},
	})
	writeJSON(t, filepath.Join(storage, "part", "msg_1", "part_1.json"), map[string]string{
		"type": "text", "text": "hello",
	})

	j := &journal{}
	if err := j.Pin(runtimeDir, sessionID); err != nil {
		t.Fatal(err)
	}
	status, ok := j.Status()
	if !ok || status.Status != provider.StatusProcessing {
		t.Fatalf("Status() after user msg = %+v, %v; want processing", status, ok)
	}

	writeJSON(t, filepath.Join(storage, "message", sessionID, "msg_2.json"), map[string]any{
		"id": "msg_2", "role": "assistant", "finish": "stop",
		"time": map[string]float64{"created": 2, "completed": 3},
	})
	writeJSON(t, filepath.Join(storage, "part", "msg_2", "part_1.json"), map[string]string{
		"type": "text", "text": "done",
	})

	status, ok = j.Status()
	if !ok || status.Status != provider.StatusIdle {
		t.Fatalf("Status() after completed assistant = %+v, %v; want idle", status, ok)
	}

	msgs := j.Messages()
	if len(msgs) != 2 || msgs[0].Text != "hello" || msgs[1].Text != "done" {
		t.Fatalf("Messages() = %+v", msgs)
	}
}

func TestJournalStatusAssistantInProgressIsProcessing(t *testing.T) {
	runtimeDir, sessionID := setupStorage(t)
	storage := filepath.Join(runtimeDir, "opencode", "storage")

	writeJSON(t, filepath.Join(storage, "message", sessionID, "msg_1.json"), map[string]any{
		"id": "msg_1", "role": "assistant", "time": map[string]float64{"created": 1},
	})

	j := &journal{}
	if err := j.Pin(runtimeDir, sessionID); err != nil {
		t.Fatal(err)
	}
	status, ok := j.Status()
	if !ok || status.Status != provider.StatusProcessing {
		t.Fatalf("Status() = %+v, %v; want processing (no time.completed yet)", status, ok)
	}
}

func TestJournalStatusToolPartErrorOverridesRole(t *testing.T) {
	runtimeDir, sessionID := setupStorage(t)
	storage := filepath.Join(runtimeDir, "opencode", "storage")

	writeJSON(t, filepath.Join(storage, "message", sessionID, "msg_1.json"), map[string]any{
		"id": "msg_1", "role": "assistant", "finish": "stop",
		"time": map[string]float64{"created": 1, "completed": 2},
	})
	writeJSON(t, filepath.Join(storage, "part", "msg_1", "part_1.json"), map[string]any{
		"type": "tool", "state": map[string]string{"status": "error"},
	})

	j := &journal{}
	if err := j.Pin(runtimeDir, sessionID); err != nil {
		t.Fatal(err)
	}
	status, ok := j.Status()
	if !ok || status.Status != provider.StatusError {
		t.Fatalf("Status() = %+v, %v; want error", status, ok)
	}
}
