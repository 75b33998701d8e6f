// Package claudecode implements provider.Provider for Anthropic's Claude
// Code CLI, grounded on the teacher's backend_claude.go status heuristics
// and extended per spec.md §4.1/§4.3/§4.6 with the trust-prompt handshake
// and JSONL journal parsing.
package claudecode

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/brigadehq/agentharness/internal/provider"
	"github.com/google/uuid"
)

const (
	id       = "claude-code"
	name     = "Claude Code"
	idPrefix = "claude"
	exitCmd  = "/exit"
)

var idlePattern = regexp.MustCompile(`(?i)\? for shortcuts|anything else|can i help`)

// Trust-prompt detection constants, kept separate per spec.md §9 so tests
// can pin them independently of the detection logic.
const (
	ConfirmLine   = "Enter to confirm"
	ContextPhrase = "trust this folder"
)

var altContextPhrases = []string{"quick safety check", "accessing workspace", "trust this folder"}

func init() {
	provider.Register(&Provider{})
}

// Provider implements provider.Provider for claude-code.
type Provider struct{}

func (p *Provider) ID() string       { return id }
func (p *Provider) Name() string     { return name }
func (p *Provider) IDPrefix() string { return idPrefix }

// BuildCommand always appends --session-id and the task: claude-code accepts
// the initial prompt as a CLI argument, so the task is in-flight by the time
// createAgent returns (spec.md §4.1 step 4).
func (p *Provider) BuildCommand(opts provider.SpawnOptions) ([]string, bool) {
	sessionID := uuid.NewString()
	argv := []string{"claude", "--session-id", sessionID}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	argv = append(argv, opts.Task)
	return argv, true
}

// SessionFilePath computes the on-disk rollout path for a session id,
// sanitising cwd by collapsing every run of non [A-Za-z0-9-] characters to a
// single '-', per spec.md §9's explicit "do not normalise differently".
func SessionFilePath(home, cwd, sessionID string) string {
	return filepath.Join(home, ".claude", "projects", SanitizeProjectKey(cwd), sessionID+".jsonl")
}

// ProjectDir computes the directory SessionFilePath stores session files
// under for a given cwd, with no session id appended.
func ProjectDir(home, cwd string) string {
	return filepath.Join(home, ".claude", "projects", SanitizeProjectKey(cwd))
}

var nonIDRunRe = regexp.MustCompile(`[^A-Za-z0-9-]+`)

// SanitizeProjectKey collapses each run of non [A-Za-z0-9-] characters in a
// path to a single '-'.
func SanitizeProjectKey(path string) string {
	return nonIDRunRe.ReplaceAllString(path, "-")
}

// BuildEnv unsets API-key-style ambient credentials so the subscription's
// own credentials (if any) cannot be overridden, and wires CLAUDE_CONFIG_DIR
// only when the subscription's source dir differs from the default.
func (p *Provider) BuildEnv(opts provider.SpawnOptions) (map[string]string, []string, error) {
	env := map[string]string{}
	unset := []string{"ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN", "CLAUDE_CODE_OAUTH_TOKEN"}

	home, _ := os.UserHomeDir()
	defaultSourceDir := filepath.Join(home, ".claude")

	if sub := opts.Subscription; sub != nil {
		if sub.SourceDir != "" && sub.SourceDir != defaultSourceDir {
			env["CLAUDE_CONFIG_DIR"] = sub.SourceDir
		}
		if sub.TokenFilePath != "" {
			data, err := os.ReadFile(sub.TokenFilePath)
			if err != nil {
				return nil, nil, fmt.Errorf("read claude token file: %w", err)
			}
			env["CLAUDE_CODE_OAUTH_TOKEN"] = strings.TrimSpace(string(data))
		}
	}

	return env, unset, nil
}

func (p *Provider) StartupDelay() time.Duration { return 7000 * time.Millisecond }
func (p *Provider) ReadyTimeout() time.Duration { return 10000 * time.Millisecond }
func (p *Provider) IdlePattern() *regexp.Regexp { return idlePattern }
func (p *Provider) ExitCommand() string         { return exitCmd }
func (p *Provider) MandatoryInternals() bool    { return false }

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripAnsi(s string) string { return ansiRe.ReplaceAllString(s, "") }

// ParseStatusFromUI is the ui_parser heuristic fallback used only when the
// journal yields nothing (spec.md §4.3 priority 3).
func (p *Provider) ParseStatusFromUI(tail string) (provider.Status, bool) {
	lines := lastNonBlankLines(tail, 15)
	if len(lines) == 0 {
		return "", false
	}
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "esc to interrupt") || strings.Contains(lower, "running…") || strings.Contains(lower, "running...") {
			return provider.StatusProcessing, true
		}
	}
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, needle := range []string{"allow once", "allow always", "do you want to proceed", "(y)es", "(n)o", "y/n", "yes/no"} {
			if strings.Contains(lower, needle) {
				return provider.StatusWaitingInput, true
			}
		}
	}
	if idlePattern.MatchString(lines[0]) || strings.Contains(lines[0], "❯") {
		return provider.StatusIdle, true
	}
	return "", false
}

func lastNonBlankLines(text string, n int) []string {
	lines := strings.Split(text, "\n")
	var out []string
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		l := strings.TrimSpace(stripAnsi(lines[i]))
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// DetectTrustPrompt reports whether the captured tail shows the claude-code
// "trust this folder" startup prompt. It requires both the confirm line in
// the last 2 lines and a context phrase in the last 8 lines, to avoid
// triggering on scrollback echoes (spec.md §4.1 "Startup handshake").
func DetectTrustPrompt(tail string) bool {
	lines := strings.Split(tail, "\n")
	last2 := tailLines(lines, 2)
	last8 := tailLines(lines, 8)

	confirmFound := false
	for _, l := range last2 {
		if strings.Contains(l, ConfirmLine) {
			confirmFound = true
			break
		}
	}
	if !confirmFound {
		return false
	}

	for _, l := range last8 {
		lower := strings.ToLower(l)
		for _, phrase := range altContextPhrases {
			if strings.Contains(lower, phrase) {
				return true
			}
		}
	}
	return false
}

func tailLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// ParseOutputDiff emits a permission_requested event when an approval
// prompt appears in newly captured output.
func (p *Provider) ParseOutputDiff(diff string) []provider.DiffEvent {
	lower := strings.ToLower(stripAnsi(diff))
	for _, needle := range []string{"allow once", "allow always", "do you want to proceed", "yes/no/always allow"} {
		if strings.Contains(lower, needle) {
			return []provider.DiffEvent{{
				Type:    "permission_requested",
				Payload: map[string]any{"description": strings.TrimSpace(diff)},
			}}
		}
	}
	return nil
}

func (p *Provider) NewJournal() provider.Journal {
	return &journal{}
}

// Watch requires sessionFile: claude-code's journal is a single known
// session file rather than a directory tree to discover, so there is
// nothing to watch until Pin has resolved one.
func (p *Provider) Watch(runtimeDir, sessionFile string) (<-chan struct{}, io.Closer, error) {
	if sessionFile == "" {
		return nil, nil, fmt.Errorf("claude-code watch requires a resolved session file")
	}
	return Watch(filepath.Dir(sessionFile))
}

// --- journal (claude JSONL parsing, spec.md §4.3/§4.6) ---

type claudeRecord struct {
	Type       string `json:"type"`
	Role       string `json:"role"`
	StopReason string `json:"stop_reason"`
	Level      string `json:"level"`
	Message    *struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	} `json:"message"`
}

type journal struct {
	path        string
	offset      int64
	partialLine string
	lastStatus  provider.DerivedStatus
	parseErrors int
	messages    []provider.Message
}

// Pin uses the exact resolved session file whenever one is given, even if
// it does not exist yet; no alternative project-key spelling of its parent
// directory is tried. When rehydrating a window
// whose --session-id couldn't be recovered from the pane's start command,
// it falls back to the most-recently-modified *.jsonl in the project's
// session directory (runtimeDir), mirroring codex's rollout scan.
func (j *journal) Pin(runtimeDir, sessionFile string) error {
	if sessionFile != "" {
		j.path = sessionFile
		return nil
	}
	if runtimeDir == "" {
		return fmt.Errorf("claude-code journal requires an explicit session file")
	}
	path, err := newestSessionFile(runtimeDir)
	if err != nil {
		return err
	}
	j.path = path
	return nil
}

// newestSessionFile returns the most recently modified *.jsonl directly
// under dir.
func newestSessionFile(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("no claude-code session files under %s", dir)
	}
	var newest string
	var newestMod time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = m
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no readable claude-code session files under %s", dir)
	}
	return newest, nil
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
		var rec claudeRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			j.parseErrors++
			continue
		}
		if s, ok := statusFromRecord(rec); ok {
			j.lastStatus = provider.DerivedStatus{Status: s, Source: "internals_claude_jsonl"}
			changed = true
		}
		j.appendMessage(line, rec)
	}
	return j.lastStatus, changed
}

func statusFromRecord(rec claudeRecord) (provider.Status, bool) {
	if rec.Type == "system" && rec.Level == "error" {
		return provider.StatusError, true
	}
	switch rec.Type {
	case "queue-operation":
		return provider.StatusProcessing, true
	case "user":
		return provider.StatusProcessing, true
	case "assistant":
		switch rec.StopReason {
		case "", "tool_use", "pause_turn":
			return provider.StatusProcessing, true
		case "end_turn", "max_tokens", "stop_sequence":
			return provider.StatusIdle, true
		case "error":
			return provider.StatusError, true
		}
	}
	return "", false
}

// Client-injected meta messages that should never appear in the normalised
// history.
var metaPrefixes = []string{"<local-command-caveat>", "<local-command-stdout>", "<command-name>/"}

func (j *journal) appendMessage(raw string, rec claudeRecord) {
	if rec.Message == nil {
		return
	}
	text := extractText(rec.Message.Content)
	role := rec.Message.Role
	if role == "" {
		role = rec.Type
	}

	if role == "user" {
		for _, p := range metaPrefixes {
			if strings.HasPrefix(strings.TrimSpace(text), p) {
				return
			}
		}
	}
	if role == "assistant" && strings.TrimSpace(text) == "" {
		return
	}

	var src map[string]any
	_ = json.Unmarshal([]byte(raw), &src)

	j.messages = append(j.messages, provider.Message{
		Role:         role,
		Text:         text,
		FinishReason: rec.StopReason,
		SourceRecord: src,
	})
}

func extractText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := m["type"].(string); t == "text" {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func (j *journal) Messages() []provider.Message { return j.messages }
func (j *journal) ParseErrors() int             { return j.parseErrors }

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

	reader := bufio.NewReader(f)
	var sb strings.Builder
	n, _ := reader.WriteTo(&sb)
	if n == 0 {
		return nil, false
	}
	j.offset += n

	content := j.partialLine + sb.String()
	lines := strings.Split(content, "\n")
	j.partialLine = lines[len(lines)-1]
	lines = lines[:len(lines)-1]
	if len(lines) == 0 {
		return nil, false
	}
	return lines, true
}
