// Package pi implements provider.Provider for the "pi" coding-agent CLI:
// a straight JSONL journal under PI_CODING_AGENT_DIR/sessions/*/, grounded
// on the codex journal's incremental-read plumbing but with pi's much
// simpler role-only status mapping (spec.md §4.3/§4.6).
package pi

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
)

const (
	id       = "pi"
	name     = "Pi"
	idPrefix = "pi"
	exitCmd  = "/exit"
)

var idlePattern = regexp.MustCompile(`(?i)ready for input|how can i help|\$\s*$`)

func init() {
	provider.Register(&Provider{})
}

// Provider implements provider.Provider for pi.
type Provider struct{}

func (p *Provider) ID() string       { return id }
func (p *Provider) Name() string     { return name }
func (p *Provider) IDPrefix() string { return idPrefix }

func (p *Provider) BuildCommand(opts provider.SpawnOptions) ([]string, bool) {
	argv := []string{"pi"}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	return argv, false
}

func (p *Provider) BuildEnv(opts provider.SpawnOptions) (map[string]string, []string, error) {
	runtimeDir := filepath.Join(opts.LogDir, "pi", opts.Project, opts.AgentID)
	if err := os.MkdirAll(runtimeDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("create pi runtime dir: %w", err)
	}
	env := map[string]string{"PI_CODING_AGENT_DIR": runtimeDir}
	unset := []string{"PI_API_KEY"}

	if sub := opts.Subscription; sub != nil && sub.TokenFilePath != "" {
		data, err := os.ReadFile(sub.TokenFilePath)
		if err != nil {
			return nil, nil, fmt.Errorf("read pi token file: %w", err)
		}
		env["PI_API_KEY"] = strings.TrimSpace(string(data))
		unset = nil
	}
	return env, unset, nil
}

func (p *Provider) StartupDelay() time.Duration { return 1500 * time.Millisecond }
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
	if strings.Contains(lower, "allow") && strings.Contains(lower, "?") {
		return []provider.DiffEvent{{Type: "permission_requested", Payload: map[string]any{"description": strings.TrimSpace(diff)}}}
	}
	return nil
}

func (p *Provider) NewJournal() provider.Journal {
	return &journal{}
}

// Watch mirrors Pin's runtimeDir argument; sessionFile is unused since pi
// has no per-agent session file known in advance.
func (p *Provider) Watch(runtimeDir, sessionFile string) (<-chan struct{}, io.Closer, error) {
	return Watch(runtimeDir)
}

// --- journal ---

type piRecord struct {
	Message *struct {
		Role string `json:"role"`
		Text string `json:"text"`
	} `json:"message"`
	StopReason string `json:"stopReason"`
}

type journal struct {
	path        string
	offset      int64
	partialLine string
	lastStatus  provider.DerivedStatus
	parseErrors int
	messages    []provider.Message
}

// Pin finds the newest *.jsonl file under any subdir of runtimeDir/sessions.
func (j *journal) Pin(runtimeDir, sessionFile string) error {
	if sessionFile != "" {
		j.path = sessionFile
		return nil
	}
	path, err := newestSessionFile(filepath.Join(runtimeDir, "sessions"))
	if err != nil {
		return err
	}
	j.path = path
	return nil
}

func newestSessionFile(sessionsRoot string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(sessionsRoot, "*", "*.jsonl"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no pi session files under %s", sessionsRoot)
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
		return "", fmt.Errorf("no readable pi session files under %s", sessionsRoot)
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
		var rec piRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			j.parseErrors++
			continue
		}
		if s, ok := statusFromRecord(rec); ok {
			j.lastStatus = provider.DerivedStatus{Status: s, Source: "internals_pi_jsonl"}
			changed = true
		}
		j.appendMessage(rec)
	}
	return j.lastStatus, changed
}

func statusFromRecord(rec piRecord) (provider.Status, bool) {
	if rec.Message == nil {
		return "", false
	}
	switch rec.Message.Role {
	case "user":
		return provider.StatusProcessing, true
	case "assistant":
		if rec.StopReason == "error" {
			return provider.StatusError, true
		}
		return provider.StatusIdle, true
	}
	return "", false
}

func (j *journal) appendMessage(rec piRecord) {
	if rec.Message == nil || rec.Message.Text == "" {
		return
	}
	j.messages = append(j.messages, provider.Message{
		Role:         rec.Message.Role,
		Text:         rec.Message.Text,
		FinishReason: rec.StopReason,
	})
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
