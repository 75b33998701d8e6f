package manager

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/brigadehq/agentharness/internal/provider"
	"github.com/brigadehq/agentharness/internal/provider/claudecode"
)

// RehydrateProjectsFromTmux lists every tmux session prefixed with
// cfg.TmuxPrefix and reconstructs a Project for each one not already known.
// Idempotent: re-running never creates duplicates.
func (m *Manager) RehydrateProjectsFromTmux() error {
	sessions, err := m.tmux.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	prefix := m.cfg.TmuxPrefix + "-"

	for _, session := range sessions {
		if !strings.HasPrefix(session, prefix) {
			continue
		}
		name := strings.TrimPrefix(session, prefix)

		m.mu.Lock()
		_, known := m.projects[name]
		m.mu.Unlock()
		if known {
			continue
		}

		cwd, err := m.tmux.SessionPath(session)
		if err != nil {
			continue
		}

		m.mu.Lock()
		m.projects[name] = &Project{
			Name:      name,
			Cwd:       cwd,
			Session:   session,
			CreatedAt: m.now(),
			Agents:    map[string]*Agent{},
		}
		m.mu.Unlock()
	}
	return nil
}

// RehydrateAgentsFromTmux lists the windows inside every known project
// session and reconstructs an Agent for each valid-id window not already
// known. The pane process is never respawned; it has been running
// throughout. Idempotent: re-running never creates duplicates.
func (m *Manager) RehydrateAgentsFromTmux() error {
	m.mu.Lock()
	projects := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		projects = append(projects, p)
	}
	m.mu.Unlock()

	for _, p := range projects {
		windows, err := m.tmux.ListWindows(p.Session)
		if err != nil {
			continue
		}
		for _, win := range windows {
			m.mu.Lock()
			_, known := p.Agents[win]
			m.mu.Unlock()
			if known {
				continue
			}
			m.rehydrateOneAgent(p, win)
		}
	}
	return nil
}

func (m *Manager) rehydrateOneAgent(p *Project, window string) {
	if !validAgentWindowName(window) {
		return
	}
	target := p.Session + ":" + window

	info, err := m.tmux.DisplayMessage(target)
	if err != nil {
		return
	}

	prov, ok := inferProvider(info.CurrentCommand, info.StartCommand, window)
	if !ok {
		return
	}

	status := provider.StatusIdle
	if info.Dead {
		status = provider.StatusExited
	} else if tail, err := m.tmux.CapturePane(target, m.cfg.CaptureLines); err == nil {
		if s, ok := prov.ParseStatusFromUI(tail); ok {
			status = s
		}
	}

	now := m.now()
	a := &Agent{
		ID:            window,
		Project:       p.Name,
		Provider:      prov.ID(),
		Status:        status,
		StatusSince:   now,
		Window:        window,
		Target:        target,
		AttachCommand: fmt.Sprintf("tmux attach-session -t %s", p.Session),
		CreatedAt:     now,
		LastActivity:  now,
		Journal:       prov.NewJournal(),
	}

	if prov.ID() == "claude-code" {
		home, _ := os.UserHomeDir()
		if sessionID := extractEnvAssignment(info.StartCommand, "--session-id"); sessionID != "" {
			a.ProviderSessionFile = claudecode.SessionFilePath(home, p.Cwd, sessionID)
		} else {
			// No --session-id recoverable from the pane's start command;
			// let journal.Pin fall back to the newest file in the project's
			// session directory.
			a.ProviderRuntimeDir = claudecode.ProjectDir(home, p.Cwd)
		}
	} else {
		a.ProviderRuntimeDir = firstNonEmpty(
			extractEnvVar(info.StartCommand, "CODEX_HOME"),
			extractEnvVar(info.StartCommand, "PI_CODING_AGENT_DIR"),
			extractEnvVar(info.StartCommand, "XDG_DATA_HOME"),
		)
	}

	m.mu.Lock()
	p.Agents[window] = a
	m.mu.Unlock()
}

func validAgentWindowName(name string) bool {
	return agentWindowRe.MatchString(name)
}

var agentWindowRe = regexp.MustCompile(`^[a-z0-9-]{3,40}$`)

// inferProvider applies the three-step inference of spec.md §4.1:
// pane_current_command, then pane_start_command substring match, then
// window-name prefix match against a provider's id prefix.
func inferProvider(currentCommand, startCommand, windowName string) (provider.Provider, bool) {
	for _, p := range provider.All() {
		if strings.Contains(currentCommand, providerBinary(p)) {
			return p, true
		}
	}
	for _, p := range provider.All() {
		if strings.Contains(startCommand, providerBinary(p)) {
			return p, true
		}
	}
	for _, p := range provider.All() {
		if strings.HasPrefix(windowName, p.IDPrefix()+"-") {
			return p, true
		}
	}
	return nil, false
}

// providerBinary returns the CLI's actual executable name, which for
// claude-code ("claude") differs from its provider id ("claude-code") --
// BuildCommand's argv[0] is stable regardless of SpawnOptions, so a zero
// value is enough to read it off.
func providerBinary(p provider.Provider) string {
	argv, _ := p.BuildCommand(provider.SpawnOptions{})
	if len(argv) == 0 {
		return p.ID()
	}
	return argv[0]
}

func extractEnvVar(startCommand, key string) string {
	idx := strings.Index(startCommand, key+"=")
	if idx < 0 {
		return ""
	}
	rest := startCommand[idx+len(key)+1:]
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], `"'`)
}

func extractEnvAssignment(startCommand, flag string) string {
	idx := strings.Index(startCommand, flag)
	if idx < 0 {
		return ""
	}
	rest := strings.TrimSpace(startCommand[idx+len(flag):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], `"'`)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
