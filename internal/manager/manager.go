// Package manager implements the Session Manager of spec.md §4.1: CRUD on
// projects and agents, the createAgent startup handshake, follow-up input
// delivery, abort/delete, and rehydration from a live multiplexer. It owns
// the in-memory project/agent tables exclusively — the Poller and webhook
// dispatcher only read through the accessor methods here, grounded on the
// teacher's Store in state.go generalised from a flat agent list to
// projects-of-agents and from a JSON file to tmux + provider journals as the
// durable source of truth.
package manager

import (
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/brigadehq/agentharness/internal/config"
	"github.com/brigadehq/agentharness/internal/eventbus"
	"github.com/brigadehq/agentharness/internal/harnesserr"
	"github.com/brigadehq/agentharness/internal/ids"
	"github.com/brigadehq/agentharness/internal/provider"
	"github.com/brigadehq/agentharness/internal/tmux"
)

// Tmux is the subset of *tmux.Client the Manager depends on. Tests supply a
// fake so the Manager's logic can run without a live tmux binary.
type Tmux interface {
	// Unavailable reports whether the underlying multiplexer binary cannot
	// be found, per spec.md §6.2 ("not-installed is reported to callers as
	// a service-unavailable condition").
	Unavailable() bool
	NewSession(name, cwd string) error
	HasSession(name string) bool
	KillSession(name string) error
	ListSessions() ([]string, error)
	SessionPath(name string) (string, error)
	NewWindow(sess, window, cwd string, command []string, env map[string]string, unset []string) error
	ListWindows(sess string) ([]string, error)
	KillWindow(target string) error
	CapturePane(target string, lines int) (string, error)
	DisplayMessage(target string) (tmux.PaneInfo, error)
	SendEnter(target string) error
	SendEscape(target string) error
	SendInterrupt(target string) error
	PasteText(target, text string) error
}

// Attacher is an optional capability of a Tmux implementation: opening a
// persistent "virtual client" attach to a session so the multiplexer never
// exits for lack of attached clients, per spec.md §4.1.1. Tests whose fake
// Tmux doesn't implement it simply skip project monitoring.
type Attacher interface {
	Attach(session string) (io.Closer, error)
}

// SubscriptionResolver looks up a previously-registered subscription by id.
// The concrete store lives outside the core (spec.md treats subscriptions as
// configuration, not core-owned state); the Manager only ever reads it.
type SubscriptionResolver interface {
	Resolve(id string) (*provider.Subscription, bool)
}

// SubscriptionLister is an optional capability of a SubscriptionResolver:
// when the concrete resolver can also enumerate its subscriptions,
// GET /subscriptions (spec.md §6.1) surfaces them; resolvers that can't
// (e.g. a resolver backed by an opaque upstream lookup) leave the route
// returning an empty list.
type SubscriptionLister interface {
	List() []*provider.Subscription
}

// ListSubscriptions returns every subscription known to the resolver, or
// nil if it does not implement SubscriptionLister.
func (m *Manager) ListSubscriptions() []*provider.Subscription {
	if l, ok := m.subs.(SubscriptionLister); ok {
		return l.List()
	}
	return nil
}

// Callback is the per-project or per-agent routing record of spec.md §3.
type Callback struct {
	URL            string
	Token          string
	DiscordChannel string
	SessionKey     string
	Extra          map[string]string
}

// Project is a workspace rooted at Cwd, backed by one tmux session.
type Project struct {
	Name      string
	Cwd       string
	Session   string
	Callback  *Callback
	CreatedAt time.Time
	Agents    map[string]*Agent

	// monitor is the persistent attach-session client keeping the tmux
	// session alive for the project's lifetime (spec.md §4.1.1). nil when
	// the underlying Tmux implementation doesn't support it (e.g. a test
	// fake).
	monitor io.Closer
}

// Agent is a single supervised agent process realised as one tmux window.
type Agent struct {
	ID                  string
	Project             string
	Provider            string
	Status              provider.Status
	StatusSince         time.Time
	Brief               []string
	Task                string
	Window              string
	Target              string
	AttachCommand        string
	ProviderRuntimeDir   string
	ProviderSessionFile  string
	SubscriptionID       string
	Callback             *Callback
	CreatedAt            time.Time
	LastActivity         time.Time
	LastCapturedOutput   string

	// Journal is the provider-specific on-disk internals reader pinned at
	// agent-creation time. The Poller is the only other reader; it must
	// still go through Manager accessor methods to mutate Status/Brief/
	// LastCapturedOutput so the Manager remains the single writer.
	Journal provider.Journal
}

// Manager owns the in-memory project/agent tables exclusively.
type Manager struct {
	mu           sync.Mutex
	tmux         Tmux
	bus          *eventbus.Bus
	cfg          config.Config
	subs         SubscriptionResolver
	now          func() time.Time
	projects     map[string]*Project
}

// New constructs a Manager. now defaults to time.Now if nil (tests may
// inject a deterministic clock).
func New(t Tmux, bus *eventbus.Bus, cfg config.Config, subs SubscriptionResolver, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		tmux:     t,
		bus:      bus,
		cfg:      cfg,
		subs:     subs,
		now:      now,
		projects: map[string]*Project{},
	}
}

func (m *Manager) sessionName(project string) string {
	return m.cfg.TmuxPrefix + "-" + project
}

func (m *Manager) emit(project, agentID string, typ eventbus.EventType, payload map[string]any) {
	m.bus.Emit(project, agentID, typ, m.now().UTC().Format(time.RFC3339Nano), payload)
}

// CreateProject refuses when a project by that name already exists; creates
// the tmux session rooted at cwd and disables automatic renaming on it.
func (m *Manager) CreateProject(name, cwd string, callback *Callback) (*Project, error) {
	if !ids.ValidProjectName(name) {
		return nil, harnesserr.New(harnesserr.InvalidRequest, "invalid project name: "+name)
	}

	m.mu.Lock()
	if _, exists := m.projects[name]; exists {
		m.mu.Unlock()
		return nil, harnesserr.New(harnesserr.ProjectExists, "project already exists: "+name)
	}
	session := m.sessionName(name)
	m.mu.Unlock()

	if m.tmux.Unavailable() {
		return nil, harnesserr.New(harnesserr.TmuxUnavailable, "tmux is not installed")
	}
	if err := m.tmux.NewSession(session, cwd); err != nil {
		return nil, harnesserr.Wrap(harnesserr.TmuxError, "create session", err)
	}

	p := &Project{
		Name:      name,
		Cwd:       cwd,
		Session:   session,
		Callback:  callback,
		CreatedAt: m.now(),
		Agents:    map[string]*Agent{},
	}
	if att, ok := m.tmux.(Attacher); ok {
		// Best-effort: a failed attach just means the session can exit for
		// lack of clients under some tmux configurations, not a fatal
		// createProject error.
		if mc, err := att.Attach(session); err == nil {
			p.monitor = mc
		}
	}

	m.mu.Lock()
	m.projects[name] = p
	m.mu.Unlock()
	return p, nil
}

// UpdateProject patches cwd and/or callback on an existing project.
func (m *Manager) UpdateProject(name string, cwd *string, callback *Callback) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[name]
	if !ok {
		return nil, harnesserr.New(harnesserr.ProjectNotFound, "unknown project: "+name)
	}
	if cwd != nil {
		p.Cwd = *cwd
	}
	if callback != nil {
		p.Callback = callback
	}
	return p, nil
}

// ListProjects returns every known project, sorted by name.
func (m *Manager) ListProjects() []*Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetProject looks up a project by name.
func (m *Manager) GetProject(name string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[name]
	if !ok {
		return nil, harnesserr.New(harnesserr.ProjectNotFound, "unknown project: "+name)
	}
	return p, nil
}

// DeleteProject kills the project's tmux session and drops it from the
// store. Agents within it are dropped along with it.
func (m *Manager) DeleteProject(name string) error {
	m.mu.Lock()
	p, ok := m.projects[name]
	if !ok {
		m.mu.Unlock()
		return harnesserr.New(harnesserr.ProjectNotFound, "unknown project: "+name)
	}
	session := p.Session
	monitor := p.monitor
	m.mu.Unlock()

	if monitor != nil {
		_ = monitor.Close()
	}

	if err := m.tmux.KillSession(session); err != nil {
		return harnesserr.Wrap(harnesserr.TmuxError, "kill session", err)
	}

	m.mu.Lock()
	delete(m.projects, name)
	m.mu.Unlock()
	return nil
}

// lookupAgent fetches a project and one of its agents under the lock,
// returning harnesserr-typed errors on either miss.
func (m *Manager) lookupAgent(project, id string) (*Project, *Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[project]
	if !ok {
		return nil, nil, harnesserr.New(harnesserr.ProjectNotFound, "unknown project: "+project)
	}
	a, ok := p.Agents[id]
	if !ok {
		return nil, nil, harnesserr.New(harnesserr.AgentNotFound, "unknown agent: "+id)
	}
	return p, a, nil
}

// ListAgents returns every agent in a project, sorted by id.
func (m *Manager) ListAgents(project string) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[project]
	if !ok {
		return nil, harnesserr.New(harnesserr.ProjectNotFound, "unknown project: "+project)
	}
	out := make([]*Agent, 0, len(p.Agents))
	for _, a := range p.Agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetAgent looks up a single agent by project and id.
func (m *Manager) GetAgent(project, id string) (*Agent, error) {
	_, a, err := m.lookupAgent(project, id)
	return a, err
}

// GetAgentOutput returns up to lines of freshly captured pane text (0 means
// the agent's last cached capture, not a new round trip).
func (m *Manager) GetAgentOutput(project, id string, lines int) (string, error) {
	_, a, err := m.lookupAgent(project, id)
	if err != nil {
		return "", err
	}
	if lines <= 0 {
		return a.LastCapturedOutput, nil
	}
	out, err := m.tmux.CapturePane(a.Target, lines)
	if err != nil {
		return "", harnesserr.Wrap(harnesserr.TmuxError, "capture pane", err)
	}
	return out, nil
}

// ensureLogDir makes sure cfg.LogDir exists before any provider sandbox is
// materialised under it.
func (m *Manager) ensureLogDir() error {
	return os.MkdirAll(m.cfg.LogDir, 0700)
}

