package pi

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brigadehq/agentharness/internal/provider"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestNewestSessionFilePicksMostRecentlyModified(t *testing.T) {
	root := t.TempDir()
	older := filepath.Join(root, "sess-a", "log.jsonl")
	newer := filepath.Join(root, "sess-b", "log.jsonl")
	writeFile(t, older, "{}")
	time.Sleep(10 * time.Millisecond)
	writeFile(t, newer, "{}")

	got, err := newestSessionFile(root)
	if err != nil {
		t.Fatal(err)
	}
	if got != newer {
		t.Errorf("newestSessionFile = %q, want %q", got, newer)
	}
}

func TestJournalStatusRoleMapping(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	writeFile(t, path, `{"message":{"role":"user","text":"hi"}}`+"\n")

	j := &journal{}
	if err := j.Pin(dir, path); err != nil {
		t.Fatal(err)
	}

	status, ok := j.Status()
	if !ok || status.Status != provider.StatusProcessing {
		t.Fatalf("Status() = %+v, %v; want processing", status, ok)
	}

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString(`{"message":{"role":"assistant","text":"done"}}` + "\n")
	f.Close()

	status, ok = j.Status()
	if !ok || status.Status != provider.StatusIdle {
		t.Fatalf("Status() after assistant = %+v, %v; want idle", status, ok)
	}
}

func TestJournalStatusAssistantErrorStopReason(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	writeFile(t, path, `{"message":{"role":"assistant","text":"oops"},"stopReason":"error"}`+"\n")

	j := &journal{}
	if err := j.Pin(dir, path); err != nil {
		t.Fatal(err)
	}
	status, ok := j.Status()
	if !ok || status.Status != provider.StatusError {
		t.Fatalf("Status() = %+v, %v; want error", status, ok)
	}
}

func TestJournalCountsParseErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	writeFile(t, path, "not json\n"+`{"message":{"role":"user","text":"hi"}}`+"\n")

	j := &journal{}
	if err := j.Pin(dir, path); err != nil {
		t.Fatal(err)
	}
	j.Status()
	if j.ParseErrors() != 1 {
		t.Errorf("ParseErrors() = %d, want 1", j.ParseErrors())
	}
}
