// Package codex implements provider.Provider for OpenAI's Codex CLI,
// grounded on the teacher's backend_codex.go status heuristics and extended
// per spec.md §4.1/§4.3/§4.6 with sandboxing and rollout journal parsing.
package codex

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/brigadehq/agentharness/internal/provider"
)

const (
	id         = "codex"
	name       = "Codex"
	idPrefix   = "codex"
	exitCmd    = "/exit"
)

var idlePattern = regexp.MustCompile(`(?i)tokens used|what would you like|how can i help`)

func init() {
	provider.Register(&Provider{})
}

// Provider implements provider.Provider for codex.
type Provider struct{}

func (p *Provider) ID() string       { return id }
func (p *Provider) Name() string     { return name }
func (p *Provider) IDPrefix() string { return idPrefix }

// BuildCommand appends the task as the final argv entry: codex's TUI
// collapses pastes of >=256 chars into markers and may swallow the Enter
// keystroke for hundreds of milliseconds while the marker is arming, so the
// CLI argument is the only reliable way to submit a large initial prompt
// (spec.md §4.1 step 4).
func (p *Provider) BuildCommand(opts provider.SpawnOptions) ([]string, bool) {
	argv := []string{"codex"}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	argv = append(argv, opts.Task)
	return argv, true
}

// BuildEnv materialises CODEX_HOME under logDir/codex/<project>/<agent> and
// either symlinks (no subscription) or copies (subscription present) the
// user's auth.json/config.toml into it.
func (p *Provider) BuildEnv(opts provider.SpawnOptions) (map[string]string, []string, error) {
	home, _ := os.UserHomeDir()
	codexHome := filepath.Join(opts.LogDir, "codex", opts.Project, opts.AgentID)
	if err := os.MkdirAll(codexHome, 0700); err != nil {
		return nil, nil, fmt.Errorf("create CODEX_HOME: %w", err)
	}

	userCodexDir := filepath.Join(home, ".codex")
	if opts.Subscription == nil {
		for _, f := range []string{"auth.json", "config.toml"} {
			src := filepath.Join(userCodexDir, f)
			dst := filepath.Join(codexHome, f)
			if _, err := os.Lstat(src); err == nil {
				_ = os.Remove(dst)
				_ = os.Symlink(src, dst)
			}
		}
	} else {
		for _, f := range []string{"auth.json", "config.toml"} {
			src := filepath.Join(userCodexDir, f)
			dst := filepath.Join(codexHome, f)
			if data, err := os.ReadFile(src); err == nil {
				_ = os.WriteFile(dst, data, 0600)
			}
		}
		if opts.Subscription.ForcedWorkspace != "" {
			if err := upsertForcedWorkspace(filepath.Join(codexHome, "config.toml"), opts.Subscription.ForcedWorkspace); err != nil {
				return nil, nil, fmt.Errorf("upsert forced workspace: %w", err)
			}
		}
	}

	env := map[string]string{"CODEX_HOME": codexHome}
	unset := []string{"OPENAI_API_KEY", "CODEX_API_KEY"}
	return env, unset, nil
}

// upsertForcedWorkspace sets forced_chatgpt_workspace_id in a copied
// config.toml without disturbing any other key.
func upsertForcedWorkspace(path, workspaceID string) error {
	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse config.toml: %w", err)
		}
	}
	doc["forced_chatgpt_workspace_id"] = workspaceID

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open config.toml for write: %w", err)
	}
	defer f.Close()
	enc := toml.NewEncoder(f)
	return enc.Encode(doc)
}

func (p *Provider) StartupDelay() time.Duration { return 2000 * time.Millisecond }
func (p *Provider) ReadyTimeout() time.Duration { return 10000 * time.Millisecond }
func (p *Provider) IdlePattern() *regexp.Regexp { return idlePattern }
func (p *Provider) ExitCommand() string         { return exitCmd }

// MandatoryInternals is true: codex's UI chrome is visible even while
// processing (the token-usage status bar never disappears), so the journal
// is the only reliable status signal.
func (p *Provider) MandatoryInternals() bool { return true }

func (p *Provider) ParseStatusFromUI(tail string) (provider.Status, bool) {
	return "", false
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripAnsi(s string) string { return ansiRe.ReplaceAllString(s, "") }

// ParseOutputDiff classifies a freshly captured diff using the same
// approval-prompt vocabulary the teacher's DetectStatus scans for, emitting
// a permission_requested event when one is seen.
func (p *Provider) ParseOutputDiff(diff string) []provider.DiffEvent {
	var events []provider.DiffEvent
	lower := strings.ToLower(stripAnsi(diff))
	for _, needle := range []string{"approve", "deny", "do you want to proceed", "/permissions"} {
		if strings.Contains(lower, needle) {
			events = append(events, provider.DiffEvent{
				Type:    "permission_requested",
				Payload: map[string]any{"description": strings.TrimSpace(diff)},
			})
			break
		}
	}
	return events
}

func (p *Provider) NewJournal() provider.Journal {
	return &journal{}
}

// Watch mirrors Pin's runtimeDir argument; codex has no per-agent session
// file known in advance, so sessionFile is unused here.
func (p *Provider) Watch(runtimeDir, sessionFile string) (<-chan struct{}, io.Closer, error) {
	return Watch(runtimeDir)
}

// --- journal (rollout parsing, spec.md §4.3/§4.6) ---

type journal struct {
	path         string
	offset       int64
	partialLine  string
	lastStatus   provider.DerivedStatus
	parseErrors  int
	messages     []provider.Message
	historyPath  string
}

// Pin selects the oldest rollout file under the oldest dated directory and
// fixes it for the agent's lifetime (spec.md open question: "pinned for the
// life of the agent record", reset only on rehydration).
func (j *journal) Pin(runtimeDir, sessionFile string) error {
	if sessionFile != "" {
		j.path = sessionFile
		return nil
	}
	path, err := oldestRollout(filepath.Join(runtimeDir, "sessions"))
	if err != nil {
		return err
	}
	j.path = path
	j.historyPath = filepath.Join(runtimeDir, "history.jsonl")
	return nil
}

// oldestRollout walks sessions/YYYY/MM/DD/rollout-*.jsonl and returns the
// file in the lexicographically (== chronologically) first non-empty dated
// directory.
func oldestRollout(sessionsRoot string) (string, error) {
	years, err := sortedSubdirs(sessionsRoot)
	if err != nil || len(years) == 0 {
		return "", fmt.Errorf("no codex session directories under %s", sessionsRoot)
	}
	for _, y := range years {
		months, _ := sortedSubdirs(filepath.Join(sessionsRoot, y))
		for _, m := range months {
			days, _ := sortedSubdirs(filepath.Join(sessionsRoot, y, m))
			for _, d := range days {
				dir := filepath.Join(sessionsRoot, y, m, d)
				files, _ := filepath.Glob(filepath.Join(dir, "rollout-*.jsonl"))
				if len(files) > 0 {
					sort.Strings(files)
					return files[0], nil
				}
			}
		}
	}
	return "", fmt.Errorf("no rollout files found under %s", sessionsRoot)
}

func sortedSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// codexRecord is the union of the two JSONL record shapes codex rollouts
// contain: event_msg lifecycle records and response_item content records.
type codexRecord struct {
	Type     string `json:"type"`
	EventMsg *struct {
		Type string `json:"type"`
	} `json:"event_msg"`
	ResponseItem *struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Phase   string `json:"phase"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"response_item"`
}

func (j *journal) Status() (provider.DerivedStatus, bool) {
	lines, ok := j.readNewLines()
	if !ok {
		return j.lastStatus, false
	}
	changed := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec codexRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			j.parseErrors++
			continue
		}
		if s, ok := statusFromRecord(rec); ok {
			j.lastStatus = provider.DerivedStatus{Status: s, Source: "internals_codex_jsonl"}
			changed = true
		}
		j.appendMessage(rec)
	}
	return j.lastStatus, changed
}

func statusFromRecord(rec codexRecord) (provider.Status, bool) {
	if rec.Type == "error" {
		return provider.StatusError, true
	}
	if rec.EventMsg != nil {
		switch rec.EventMsg.Type {
		case "task_started", "agent_reasoning", "agent_message":
			return provider.StatusProcessing, true
		case "task_complete", "turn_aborted":
			return provider.StatusIdle, true
		}
	}
	if rec.ResponseItem != nil {
		switch rec.ResponseItem.Type {
		case "message":
			if rec.ResponseItem.Role == "assistant" && rec.ResponseItem.Phase == "final_answer" {
				return provider.StatusIdle, true
			}
		case "reasoning", "function_call", "custom_tool_call":
			return provider.StatusProcessing, true
		}
	}
	return "", false
}

func (j *journal) appendMessage(rec codexRecord) {
	if rec.ResponseItem == nil || rec.ResponseItem.Type != "message" || rec.ResponseItem.Role != "assistant" {
		return
	}
	var parts []string
	for _, c := range rec.ResponseItem.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	if len(parts) == 0 {
		return
	}
	j.messages = append(j.messages, provider.Message{
		Role:         "assistant",
		Text:         strings.Join(parts, "\n"),
		FinishReason: rec.ResponseItem.Phase,
	})
}

func (j *journal) Messages() []provider.Message { return j.messages }
func (j *journal) ParseErrors() int             { return j.parseErrors }

// readNewLines reads from the pinned file's stored offset to EOF,
// reconstituting any partial trailing line from the previous call.
func (j *journal) readNewLines() ([]string, bool) {
	if j.path == "" {
		return nil, false
	}
	f, err := os.Open(j.path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	if _, err := f.Seek(j.offset, 0); err != nil {
		return nil, false
	}
	buf := make([]byte, 0, 64*1024)
	tmp := make([]byte, 32*1024)
	for {
		n, err := f.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	if len(buf) == 0 {
		return nil, false
	}
	j.offset += int64(len(buf))

	content := j.partialLine + string(buf)
	lines := strings.Split(content, "\n")
	j.partialLine = lines[len(lines)-1]
	lines = lines[:len(lines)-1]
	return lines, true
}
