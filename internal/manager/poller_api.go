package manager

import (
	"time"

	"github.com/brigadehq/agentharness/internal/eventbus"
	"github.com/brigadehq/agentharness/internal/provider"
)

// AgentSnapshot is a point-in-time, lock-free copy of the fields the Poller
// needs to read. Journal is shared by reference: its cursor state is only
// ever touched by the Poller, one tick at a time, for a given agent, which
// satisfies the Journal interface's single-goroutine contract.
type AgentSnapshot struct {
	Project             string
	ID                  string
	Provider            string
	Target              string
	Status              provider.Status
	StatusSince         time.Time
	LastActivity        time.Time
	LastCapturedOutput  string
	ProviderRuntimeDir  string
	ProviderSessionFile string
	Journal             provider.Journal
}

// Snapshot returns a copy of every live agent across every project. Callers
// must route any mutation back through the Manager's accessor methods below
// rather than writing through a held *Agent.
func (m *Manager) Snapshot() []AgentSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AgentSnapshot
	for _, p := range m.projects {
		for _, a := range p.Agents {
			out = append(out, AgentSnapshot{
				Project:             p.Name,
				ID:                  a.ID,
				Provider:            a.Provider,
				Target:              a.Target,
				Status:              a.Status,
				StatusSince:         a.StatusSince,
				LastActivity:        a.LastActivity,
				LastCapturedOutput:  a.LastCapturedOutput,
				ProviderRuntimeDir:  a.ProviderRuntimeDir,
				ProviderSessionFile: a.ProviderSessionFile,
				Journal:             a.Journal,
			})
		}
	}
	return out
}

// RecordCapture stores the latest pane snapshot, per spec.md §4.2 step 7.
func (m *Manager) RecordCapture(project, agentID, output string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.lockedAgent(project, agentID); a != nil {
		a.LastCapturedOutput = output
	}
}

// RecordBrief replaces the agent's brief lines, per spec.md §4.2 step 7.
func (m *Manager) RecordBrief(project, agentID string, brief []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.lockedAgent(project, agentID); a != nil {
		a.Brief = brief
	}
}

// TouchActivity bumps lastActivity to now.
func (m *Manager) TouchActivity(project, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.lockedAgent(project, agentID); a != nil {
		a.LastActivity = m.now()
	}
}

// ApplyStatus is the Poller-facing equivalent of setStatus: it transitions
// status and emits status_changed only when the value actually changes.
func (m *Manager) ApplyStatus(project, agentID string, next provider.Status, source string) {
	m.setStatus(project, agentID, next, source)
}

// EmitEvent lets the Poller and webhook dispatcher publish through the same
// timestamp-stamping path CreateAgent/SendInput use.
func (m *Manager) EmitEvent(project, agentID string, typ eventbus.EventType, payload map[string]any) {
	m.emit(project, agentID, typ, payload)
}

// Bus exposes the EventBus for subscribers and replay (webhook dispatcher,
// HTTP SSE handlers) that live outside this package.
func (m *Manager) Bus() *eventbus.Bus {
	return m.bus
}

// TmuxAvailable reports whether the underlying multiplexer binary is usable,
// for GET /health (spec.md §6.1.1).
func (m *Manager) TmuxAvailable() bool {
	return !m.tmux.Unavailable()
}

// lockedAgent looks up an agent; callers must already hold m.mu.
func (m *Manager) lockedAgent(project, agentID string) *Agent {
	p, ok := m.projects[project]
	if !ok {
		return nil
	}
	return p.Agents[agentID]
}
