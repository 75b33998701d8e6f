// Package opencode implements provider.Provider for the OpenCode CLI. Unlike
// the other providers, OpenCode's history is not an append-only JSONL
// stream: it is a directory of small per-message/per-part JSON files under
// XDG_DATA_HOME/opencode/storage, so the journal re-scans the tree on every
// poll instead of tracking a byte offset (spec.md §4.3/§4.6).
package opencode

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

	"github.com/brigadehq/agentharness/internal/provider"
)

const (
	id       = "opencode"
	name     = "OpenCode"
	idPrefix = "oc"
	exitCmd  = "/exit"
)

var idlePattern = regexp.MustCompile(`(?i)ready\s*$|how can i help`)

func init() {
	provider.Register(&Provider{})
}

// Provider implements provider.Provider for opencode.
type Provider struct{}

func (p *Provider) ID() string       { return id }
func (p *Provider) Name() string     { return name }
func (p *Provider) IDPrefix() string { return idPrefix }

func (p *Provider) BuildCommand(opts provider.SpawnOptions) ([]string, bool) {
	argv := []string{"opencode"}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	return argv, false
}

func (p *Provider) BuildEnv(opts provider.SpawnOptions) (map[string]string, []string, error) {
	dataHome := filepath.Join(opts.LogDir, "opencode", opts.Project, opts.AgentID)
	if err := os.MkdirAll(dataHome, 0700); err != nil {
		return nil, nil, fmt.Errorf("create opencode data home: %w", err)
	}
	env := map[string]string{"XDG_DATA_HOME": dataHome}
	unset := []string{"OPENCODE_API_KEY"}
	return env, unset, nil
}

func (p *Provider) StartupDelay() time.Duration { return 2000 * time.Millisecond }
func (p *Provider) ReadyTimeout() time.Duration { return 8000 * time.Millisecond }
func (p *Provider) IdlePattern() *regexp.Regexp { return idlePattern }
func (p *Provider) ExitCommand() string         { return exitCmd }
func (p *Provider) MandatoryInternals() bool    { return false }

func (p *Provider) ParseStatusFromUI(tail string) (provider.Status, bool) {
	lines := strings.Split(strings.TrimRight(tail, "\n"), "\n")
	if len(lines) == 0 {
		return "", false
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	if idlePattern.MatchString(last) {
		return provider.StatusIdle, true
	}
	return "", false
}

func (p *Provider) ParseOutputDiff(diff string) []provider.DiffEvent {
	lower := strings.ToLower(diff)
	if strings.Contains(lower, "permission") && strings.Contains(lower, "?") {
		return []provider.DiffEvent{{Type: "permission_requested", Payload: map[string]any{"description": strings.TrimSpace(diff)}}}
	}
	return nil
}

func (p *Provider) NewJournal() provider.Journal {
	return &journal{}
}

// Watch mirrors Pin's runtimeDir argument; sessionFile is unused since
// opencode resolves its session file by scanning the storage tree.
func (p *Provider) Watch(runtimeDir, sessionFile string) (<-chan struct{}, io.Closer, error) {
	return Watch(runtimeDir)
}

// --- journal (storage-tree rescan, spec.md §4.3/§4.6) ---

type messageFile struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	Time struct {
		Created   float64 `json:"created"`
		Completed float64 `json:"completed"`
	} `json:"time"`
	Finish string `json:"finish"`
}

type partFile struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	State *struct {
		Status string `json:"status"`
	} `json:"state"`
}

type journal struct {
	storageRoot string
	sessionID   string
	seenMsgIDs  map[string]bool
	lastStatus  provider.DerivedStatus
	parseErrors int
	messages    []provider.Message
}

// Pin locates storage/session/*/ses_*.json, picks the newest by file mtime,
// and fixes the session id for the agent's lifetime.
func (j *journal) Pin(runtimeDir, pinnedSessionID string) error {
	j.storageRoot = filepath.Join(runtimeDir, "opencode", "storage")
	j.seenMsgIDs = map[string]bool{}

	if pinnedSessionID != "" {
		j.sessionID = pinnedSessionID
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(j.storageRoot, "session", "*", "ses_*.json"))
	if err != nil || len(matches) == 0 {
		return fmt.Errorf("no opencode session files under %s", j.storageRoot)
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
	data, err := os.ReadFile(newest)
	if err != nil {
		return fmt.Errorf("read opencode session file: %w", err)
	}
	var sf sessionFileRecord
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse opencode session file: %w", err)
	}
	j.sessionID = sf.ID
	return nil
}

type sessionFileRecord struct {
	ID string `json:"id"`
}

// Status re-enumerates message/<sessionId>/msg_*.json sorted by time.created,
// joins each message's part/<msgId>/*.json text parts, and derives status
// from the latest message plus any tool-part error state.
func (j *journal) Status() (provider.DerivedStatus, bool) {
	if j.sessionID == "" {
		return j.lastStatus, false
	}
	msgDir := filepath.Join(j.storageRoot, "message", j.sessionID)
	files, err := filepath.Glob(filepath.Join(msgDir, "msg_*.json"))
	if err != nil || len(files) == 0 {
		return j.lastStatus, false
	}

	type loaded struct {
		path string
		msg  messageFile
	}
	var entries []loaded
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var m messageFile
		if err := json.Unmarshal(data, &m); err != nil {
			j.parseErrors++
			continue
		}
		entries = append(entries, loaded{path: f, msg: m})
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].msg.Time.Created < entries[b].msg.Time.Created
	})

	changed := false
	for _, e := range entries {
		if !j.seenMsgIDs[e.msg.ID] {
			j.seenMsgIDs[e.msg.ID] = true
			j.appendMessage(e.msg)
		}

		errored := j.partsHaveError(e.msg.ID)
		var status provider.Status
		switch {
		case errored:
			status = provider.StatusError
		case e.msg.Role == "user":
			status = provider.StatusProcessing
		case e.msg.Role == "assistant" && e.msg.Time.Completed != 0 && e.msg.Finish == "stop":
			status = provider.StatusIdle
		case e.msg.Role == "assistant":
			status = provider.StatusProcessing
		default:
			continue
		}
		j.lastStatus = provider.DerivedStatus{Status: status, Source: "internals_opencode_storage"}
		changed = true
	}
	return j.lastStatus, changed
}

func (j *journal) partsHaveError(msgID string) bool {
	parts, _ := filepath.Glob(filepath.Join(j.storageRoot, "part", msgID, "*.json"))
	for _, p := range parts {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var pf partFile
		if err := json.Unmarshal(data, &pf); err != nil {
			continue
		}
		if pf.State != nil && pf.State.Status == "error" {
			return true
		}
	}
	return false
}

func (j *journal) appendMessage(msg messageFile) {
	parts, _ := filepath.Glob(filepath.Join(j.storageRoot, "part", msg.ID, "*.json"))
	sort.Strings(parts)
	var texts []string
	for _, p := range parts {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var pf partFile
		if err := json.Unmarshal(data, &pf); err != nil {
			continue
		}
		if pf.Type == "text" && pf.Text != "" {
			texts = append(texts, pf.Text)
		}
	}
	if len(texts) == 0 {
		return
	}
	j.messages = append(j.messages, provider.Message{
		ID:           msg.ID,
		Role:         msg.Role,
		Text:         strings.Join(texts, "\n"),
		FinishReason: msg.Finish,
	})
}

func (j *journal) Messages() []provider.Message { return j.messages }
func (j *journal) ParseErrors() int             { return j.parseErrors }
