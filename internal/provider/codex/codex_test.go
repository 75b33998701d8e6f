package codex

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

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

func TestOldestRolloutPicksEarliestDatedDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "2026", "02", "03", "rollout-b.jsonl"), "{}")
	writeFile(t, filepath.Join(root, "2026", "01", "02", "rollout-a.jsonl"), "{}")

	got, err := oldestRollout(root)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "2026", "01", "02", "rollout-a.jsonl")
	if got != want {
		t.Errorf("oldestRollout = %q, want %q", got, want)
	}
}

func TestJournalStatusLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rollout-1.jsonl")
	writeFile(t, path, `{"type":"event_msg","event_msg":{"type":"task_started"}}`+"\n"+
		`{"type":"event_msg","event_msg":{"type":"agent_reasoning"}}`+"\n")

	j := &journal{}
	if err := j.Pin(dir, path); err != nil {
		t.Fatal(err)
	}

	status, ok := j.Status()
	if !ok || status.Status != provider.StatusProcessing {
		t.Fatalf("Status() = %+v, %v; want processing", status, ok)
	}

	// Append a malformed line followed by a valid completion record.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString("not json\n")
	f.WriteString(`{"type":"event_msg","event_msg":{"type":"task_complete"}}` + "\n")
	f.Close()

	status, ok = j.Status()
	if !ok || status.Status != provider.StatusIdle {
		t.Fatalf("Status() after completion = %+v, %v; want idle", status, ok)
	}
	if j.ParseErrors() != 1 {
		t.Errorf("ParseErrors() = %d, want 1", j.ParseErrors())
	}
}

func TestJournalMessagesPrefersResponseItemOverEventMsg(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rollout-1.jsonl")
	writeFile(t, path,
		`{"type":"event_msg","event_msg":{"type":"agent_message","message":"line one\nline two"}}`+"\n"+
			`{"type":"response_item","response_item":{"type":"message","role":"assistant","phase":"final_answer","content":[{"text":"line one"},{"text":"line two"}]}}`+"\n")

	j := &journal{}
	if err := j.Pin(dir, path); err != nil {
		t.Fatal(err)
	}
	j.Status()

	msgs := j.Messages()
	if len(msgs) != 1 || msgs[0].Text != "line one\nline two" {
		t.Fatalf("Messages() = %+v", msgs)
	}
}

func TestUpsertForcedWorkspacePreservesOtherKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "model = \"gpt-5\"\n[profile]\nname = \"default\"\n")

	if err := upsertForcedWorkspace(path, "ws-123"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{"ws-123", "gpt-5", "default"} {
		if !strings.Contains(content, want) {
			t.Errorf("config.toml lost %q after upsert: %s", want, content)
		}
	}
}
