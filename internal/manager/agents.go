package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brigadehq/agentharness/internal/eventbus"
	"github.com/brigadehq/agentharness/internal/harnesserr"
	"github.com/brigadehq/agentharness/internal/ids"
	"github.com/brigadehq/agentharness/internal/provider"
	"github.com/brigadehq/agentharness/internal/provider/claudecode"
)

// wellKnownBinDirs are prepended to PATH so provider binaries resolve even
// under a minimal systemd/service environment that strips the user's shell
// rc-file PATH additions.
var wellKnownBinDirs = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
}

func sanitizedPath(home string) string {
	dirs := append([]string{}, wellKnownBinDirs...)
	if home != "" {
		dirs = append(dirs, filepath.Join(home, ".local", "bin"), filepath.Join(home, "bin"))
	}
	dirs = append(dirs, os.Getenv("PATH"))
	return strings.Join(dirs, string(os.PathListSeparator))
}

// CreateAgent implements the createAgent contract of spec.md §4.1: at
// return, a window has been spawned and, for CLI-argument providers, the
// task is already in flight.
func (m *Manager) CreateAgent(projectName, providerID, task, model, subscriptionID string, callback *Callback, name string) (*Agent, error) {
	prov := provider.Get(providerID)
	if prov == nil {
		return nil, harnesserr.New(harnesserr.UnknownProvider, "unknown provider: "+providerID)
	}

	var sub *provider.Subscription
	if subscriptionID != "" {
		s, ok := m.subs.Resolve(subscriptionID)
		if !ok {
			return nil, harnesserr.New(harnesserr.SubscriptionNotFound, "unknown subscription: "+subscriptionID)
		}
		if s.Provider != providerID {
			return nil, harnesserr.New(harnesserr.SubscriptionMismatch, "subscription is for provider "+s.Provider)
		}
		if !s.Valid {
			return nil, harnesserr.New(harnesserr.SubscriptionInvalid, "subscription is not valid: "+subscriptionID)
		}
		sub = s
	}

	m.mu.Lock()
	p, ok := m.projects[projectName]
	if !ok {
		m.mu.Unlock()
		return nil, harnesserr.New(harnesserr.ProjectNotFound, "unknown project: "+projectName)
	}

	agentID := name
	if agentID != "" {
		if !ids.ValidAgentID(agentID) {
			m.mu.Unlock()
			return nil, harnesserr.New(harnesserr.AgentNameInvalid, "invalid agent id: "+agentID)
		}
		if _, exists := p.Agents[agentID]; exists {
			m.mu.Unlock()
			return nil, harnesserr.New(harnesserr.NameConflict, "agent already exists: "+agentID)
		}
	} else {
		for {
			candidate := ids.GenerateAgentID(prov.IDPrefix())
			if _, exists := p.Agents[candidate]; !exists {
				agentID = candidate
				break
			}
		}
	}
	cwd := p.Cwd
	session := p.Session
	m.mu.Unlock()

	if err := m.ensureLogDir(); err != nil {
		return nil, harnesserr.Wrap(harnesserr.TmuxError, "prepare log dir", err)
	}

	opts := provider.SpawnOptions{
		Project:      projectName,
		AgentID:      agentID,
		Task:         task,
		Model:        model,
		Cwd:          cwd,
		LogDir:       m.cfg.LogDir,
		Subscription: sub,
	}

	argv, initialTaskViaCLI := prov.BuildCommand(opts)
	env, unset, err := prov.BuildEnv(opts)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.TmuxError, "build provider environment", err)
	}
	if env == nil {
		env = map[string]string{}
	}
	home, _ := os.UserHomeDir()
	env["PATH"] = sanitizedPath(home)

	if m.tmux.Unavailable() {
		return nil, harnesserr.New(harnesserr.TmuxUnavailable, "tmux is not installed")
	}
	if err := m.tmux.NewWindow(session, agentID, cwd, argv, env, unset); err != nil {
		return nil, harnesserr.Wrap(harnesserr.TmuxError, "spawn window", err)
	}

	target := session + ":" + agentID
	now := m.now()
	a := &Agent{
		ID:                  agentID,
		Project:             projectName,
		Provider:            providerID,
		Status:              provider.StatusStarting,
		StatusSince:         now,
		Task:                task,
		Window:              agentID,
		Target:              target,
		AttachCommand:       fmt.Sprintf("tmux attach-session -t %s", session),
		ProviderRuntimeDir:  env["CODEX_HOME"],
		SubscriptionID:      subscriptionID,
		Callback:            callback,
		CreatedAt:           now,
		LastActivity:        now,
		Journal:             prov.NewJournal(),
	}
	if providerID == "claude-code" {
		a.ProviderSessionFile = extractClaudeSessionFile(argv, home, cwd)
	}
	if a.ProviderRuntimeDir == "" {
		a.ProviderRuntimeDir = env["PI_CODING_AGENT_DIR"]
	}
	if a.ProviderRuntimeDir == "" {
		a.ProviderRuntimeDir = env["XDG_DATA_HOME"]
	}

	m.mu.Lock()
	p.Agents[agentID] = a
	m.mu.Unlock()

	m.emit(projectName, agentID, eventbus.AgentStarted, map[string]any{"provider": providerID})

	if initialTaskViaCLI {
		if providerID == "claude-code" {
			go m.dismissClaudeTrustPrompt(projectName, agentID, target)
		}
		m.setStatus(projectName, agentID, provider.StatusProcessing, "manager_initial_input")
		m.emit(projectName, agentID, eventbus.InputSent, map[string]any{"text": task})
		return a, nil
	}

	go m.sendInitialTaskAsync(projectName, agentID, target, prov, task)
	return a, nil
}

// extractClaudeSessionFile recovers the --session-id value from the argv
// claude-code was spawned with and derives its rollout path.
func extractClaudeSessionFile(argv []string, home, cwd string) string {
	for i, a := range argv {
		if a == "--session-id" && i+1 < len(argv) {
			return claudecode.SessionFilePath(home, cwd, argv[i+1])
		}
	}
	return ""
}

// dismissClaudeTrustPrompt polls the pane for the claude-code trust prompt
// and auto-confirms it with a single Enter keystroke, up to 5 attempts
// rate-limited >=250ms apart, per spec.md's startup handshake.
func (m *Manager) dismissClaudeTrustPrompt(project, agentID, target string) {
	const minGap = 250 * time.Millisecond
	const defaultAttempts = 5
	timeout := m.cfg.InitialTaskDelayClaude
	if timeout <= 0 {
		timeout = defaultAttempts * minGap
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !m.agentExists(project, agentID) {
			return
		}
		tail, err := m.tmux.CapturePane(target, 20)
		if err == nil && claudecode.DetectTrustPrompt(tail) {
			_ = m.tmux.SendEnter(target)
			return
		}
		time.Sleep(minGap)
	}
}

// sendInitialTaskAsync implements createAgent step 7 for providers whose CLI
// does not accept the task as an argument (pi, opencode): sleep the
// provider's startup delay, then poll the pane every 200ms for the idle
// pattern until the ready timeout (counted from the start of the wait)
// expires, and paste and submit the task on the first match. If the pattern
// never matches before that deadline, the task is not sent.
func (m *Manager) sendInitialTaskAsync(project, agentID, target string, prov provider.Provider, task string) {
	delay := prov.StartupDelay()
	if m.cfg.InitialTaskDelay > 0 {
		delay = m.cfg.InitialTaskDelay
	}
	timeout := prov.ReadyTimeout()
	if m.cfg.InitialTaskReadyTimeout > 0 {
		timeout = m.cfg.InitialTaskReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	time.Sleep(minDuration(delay, 0))

	for time.Now().Before(deadline) {
		if !m.agentExists(project, agentID) {
			return
		}
		tail, err := m.tmux.CapturePane(target, 20)
		if err == nil && prov.IdlePattern().MatchString(tail) {
			if err := m.tmux.PasteText(target, task); err != nil {
				return
			}
			time.Sleep(m.cfg.TmuxPasteEnterDelay)
			if err := m.tmux.SendEnter(target); err != nil {
				return
			}
			if !m.agentExists(project, agentID) {
				return
			}
			m.setStatus(project, agentID, provider.StatusProcessing, "manager_initial_input")
			m.emit(project, agentID, eventbus.InputSent, map[string]any{"text": task})
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func minDuration(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}

func (m *Manager) agentExists(project, agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[project]
	if !ok {
		return false
	}
	_, ok = p.Agents[agentID]
	return ok
}

// setStatus transitions an agent's status, emitting status_changed only when
// the value actually differs (invariant 2: from != to).
func (m *Manager) setStatus(project, agentID string, next provider.Status, source string) {
	m.mu.Lock()
	p, ok := m.projects[project]
	if !ok {
		m.mu.Unlock()
		return
	}
	a, ok := p.Agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	prev := a.Status
	if prev == next {
		m.mu.Unlock()
		return
	}
	a.Status = next
	a.StatusSince = m.now()
	m.mu.Unlock()

	m.emit(project, agentID, eventbus.StatusChanged, map[string]any{"from": prev, "to": next, "source": source})
}

// SendInput delivers follow-up user text to an already-running agent.
// claude-code is re-probed for the trust prompt before every send; codex
// follow-ups always wait codexFollowupPasteSettleMs between paste and Enter
// to survive the paste-vs-submit race documented in spec.md §4.1.
func (m *Manager) SendInput(project, id, text string) error {
	_, a, err := m.lookupAgent(project, id)
	if err != nil {
		return err
	}

	if a.Provider == "claude-code" {
		tail, cerr := m.tmux.CapturePane(a.Target, 20)
		if cerr == nil && claudecode.DetectTrustPrompt(tail) {
			_ = m.tmux.SendEnter(a.Target)
		}
	}

	if err := m.tmux.PasteText(a.Target, text); err != nil {
		return harnesserr.Wrap(harnesserr.TmuxError, "paste input", err)
	}

	gap := m.cfg.TmuxPasteEnterDelay
	if a.Provider == "codex" {
		gap = m.cfg.CodexFollowupPasteSettle
	}
	time.Sleep(gap)

	if err := m.tmux.SendEnter(a.Target); err != nil {
		return harnesserr.Wrap(harnesserr.TmuxError, "submit input", err)
	}

	m.mu.Lock()
	a.LastActivity = m.now()
	m.mu.Unlock()

	m.emit(project, id, eventbus.InputSent, map[string]any{"text": text})
	return nil
}

// AbortAgent sends Escape then Ctrl-C as separate keystrokes, propagating
// the first failure.
func (m *Manager) AbortAgent(project, id string) error {
	_, a, err := m.lookupAgent(project, id)
	if err != nil {
		return err
	}
	if err := m.tmux.SendEscape(a.Target); err != nil {
		return harnesserr.Wrap(harnesserr.TmuxError, "send escape", err)
	}
	if err := m.tmux.SendInterrupt(a.Target); err != nil {
		return harnesserr.Wrap(harnesserr.TmuxError, "send interrupt", err)
	}
	return nil
}

// DeleteAgent is best-effort: it asks the agent to exit cleanly, waits
// 1000ms, then kills the window. Kill failures are fatal (the in-memory
// state would otherwise drift from tmux reality).
func (m *Manager) DeleteAgent(project, id string) error {
	p, a, err := m.lookupAgent(project, id)
	if err != nil {
		return err
	}

	prov := provider.Get(a.Provider)
	if prov != nil && prov.ExitCommand() != "" {
		if perr := m.tmux.PasteText(a.Target, prov.ExitCommand()); perr == nil {
			_ = m.tmux.SendEnter(a.Target)
		}
	}
	time.Sleep(1000 * time.Millisecond)

	if err := m.tmux.KillWindow(a.Target); err != nil {
		return harnesserr.Wrap(harnesserr.TmuxError, "kill window", err)
	}

	m.emit(project, id, eventbus.AgentExited, map[string]any{"exitCode": nil})

	m.mu.Lock()
	delete(p.Agents, id)
	m.mu.Unlock()
	return nil
}

// SetAgentCallback overwrites an agent's callback override directly,
// bypassing the normal sendInput/createAgent path. It exists for restoring
// persisted callbacks (internal/callbackstore) onto agents recovered by
// rehydrateAgentsFromTmux at startup, where there is no create-time call
// site to pass the callback through.
func (m *Manager) SetAgentCallback(project, id string, callback *Callback) error {
	_, a, err := m.lookupAgent(project, id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	a.Callback = callback
	m.mu.Unlock()
	return nil
}
