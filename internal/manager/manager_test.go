package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brigadehq/agentharness/internal/config"
	"github.com/brigadehq/agentharness/internal/eventbus"
	"github.com/brigadehq/agentharness/internal/provider"
	_ "github.com/brigadehq/agentharness/internal/provider/claudecode"
	_ "github.com/brigadehq/agentharness/internal/provider/codex"
	"github.com/brigadehq/agentharness/internal/tmux"
)

// fakeMonitor is the io.Closer handed back by fakeTmux.Attach, letting
// tests observe whether the Manager ever closes it.
type fakeMonitor struct {
	closed bool
}

func (m *fakeMonitor) Close() error {
	m.closed = true
	return nil
}

type fakeTmux struct {
	mu        sync.Mutex
	sessions  map[string]string
	windows   map[string][]string
	paneInfo  map[string]tmux.PaneInfo
	paneText  map[string]string
	calls     []string
	monitors  map[string]*fakeMonitor
	attachErr error
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{
		sessions: map[string]string{},
		windows:  map[string][]string{},
		paneInfo: map[string]tmux.PaneInfo{},
		paneText: map[string]string{},
		monitors: map[string]*fakeMonitor{},
	}
}

// Attach satisfies manager.Attacher so tests can verify the Manager opens
// and closes a monitoring client around a project's lifetime.
func (f *fakeTmux) Attach(session string) (io.Closer, error) {
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	mc := &fakeMonitor{}
	f.monitors[session] = mc
	return mc, nil
}

func (f *fakeTmux) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTmux) Unavailable() bool { return false }

func (f *fakeTmux) NewSession(name, cwd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = cwd
	f.windows[name] = nil
	return nil
}

func (f *fakeTmux) HasSession(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

func (f *fakeTmux) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	delete(f.windows, name)
	return nil
}

func (f *fakeTmux) ListSessions() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for n := range f.sessions {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeTmux) SessionPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name], nil
}

func (f *fakeTmux) NewWindow(sess, window, cwd string, command []string, env map[string]string, unset []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows[sess] = append(f.windows[sess], window)
	target := sess + ":" + window
	f.paneInfo[target] = tmux.PaneInfo{CurrentCommand: command[0], StartCommand: joinArgv(command)}
	return nil
}

func joinArgv(argv []string) string {
	s := ""
	for i, a := range argv {
		if i > 0 {
			s += " "
		}
		s += a
	}
	return s
}

func (f *fakeTmux) ListWindows(sess string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windows[sess], nil
}

func (f *fakeTmux) KillWindow(target string) error {
	f.record("kill-window:" + target)
	return nil
}

func (f *fakeTmux) CapturePane(target string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paneText[target], nil
}

func (f *fakeTmux) DisplayMessage(target string) (tmux.PaneInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paneInfo[target], nil
}

func (f *fakeTmux) SendEnter(target string) error {
	f.record("enter:" + target)
	return nil
}

func (f *fakeTmux) SendEscape(target string) error {
	f.record("escape:" + target)
	return nil
}

func (f *fakeTmux) SendInterrupt(target string) error {
	f.record("interrupt:" + target)
	return nil
}

func (f *fakeTmux) PasteText(target, text string) error {
	f.record("paste:" + target + ":" + text)
	return nil
}

type fakeSubs struct{}

func (fakeSubs) Resolve(id string) (*provider.Subscription, bool) { return nil, false }

func newTestManager(t *testing.T) (*Manager, *fakeTmux) {
	t.Helper()
	ft := newFakeTmux()
	cfg := config.Defaults()
	cfg.LogDir = t.TempDir()
	cfg.TmuxPasteEnterDelay = time.Millisecond
	cfg.CodexFollowupPasteSettle = time.Millisecond
	bus := eventbus.New(100)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(ft, bus, cfg, fakeSubs{}, func() time.Time { return fixedNow })
	return m, ft
}

func TestCreateProjectThenDuplicateFails(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.CreateProject("p1", "/work/p1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateProject("p1", "/work/p1", nil); err == nil {
		t.Fatal("expected PROJECT_EXISTS error on duplicate create")
	}
}

func TestCreateProjectOpensMonitorAndDeleteCloses(t *testing.T) {
	m, ft := newTestManager(t)
	if _, err := m.CreateProject("p1", "/work/p1", nil); err != nil {
		t.Fatal(err)
	}

	session := m.sessionName("p1")
	mc, ok := ft.monitors[session]
	if !ok {
		t.Fatal("expected CreateProject to open a monitoring client")
	}
	if mc.closed {
		t.Error("monitor closed before DeleteProject")
	}

	if err := m.DeleteProject("p1"); err != nil {
		t.Fatal(err)
	}
	if !mc.closed {
		t.Error("expected DeleteProject to close the monitoring client")
	}
}

func TestCreateProjectSurvivesAttachFailure(t *testing.T) {
	m, ft := newTestManager(t)
	ft.attachErr = fmt.Errorf("attach refused")
	if _, err := m.CreateProject("p1", "/work/p1", nil); err != nil {
		t.Fatalf("attach failure should not fail project creation: %v", err)
	}
}

func TestCreateAgentCodexInitialTaskViaCLI(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.CreateProject("p1", "/work/p1", nil); err != nil {
		t.Fatal(err)
	}

	a, err := m.CreateAgent("p1", "codex", "Reply with exactly: 4", "", "", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != provider.StatusProcessing {
		t.Errorf("Status = %v, want processing", a.Status)
	}

	events := m.bus.Since("evt-0", eventbus.Filter{})
	if len(events) != 3 {
		t.Fatalf("events = %+v, want 3 (agent_started, status_changed, input_sent)", events)
	}
	if events[0].Type != eventbus.AgentStarted || events[1].Type != eventbus.StatusChanged || events[2].Type != eventbus.InputSent {
		t.Fatalf("events in wrong order: %+v", events)
	}
}

func TestCreateAgentRejectsUnknownProvider(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.CreateProject("p1", "/work/p1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateAgent("p1", "nope", "task", "", "", nil, ""); err == nil {
		t.Fatal("expected UNKNOWN_PROVIDER error")
	}
}

func TestCreateAgentRejectsDuplicateName(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.CreateProject("p1", "/work/p1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateAgent("p1", "codex", "t", "", "", nil, "myagent"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateAgent("p1", "codex", "t", "", "", nil, "myagent"); err == nil {
		t.Fatal("expected NAME_CONFLICT error on duplicate agent name")
	}
}

func TestListAgentsOmitsDeletedAgent(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.CreateProject("p1", "/work/p1", nil); err != nil {
		t.Fatal(err)
	}
	a, err := m.CreateAgent("p1", "codex", "t", "", "", nil, "")
	if err != nil {
		t.Fatal(err)
	}

	agents, _ := m.ListAgents("p1")
	if len(agents) != 1 {
		t.Fatalf("ListAgents = %d, want 1", len(agents))
	}

	if err := m.DeleteAgent("p1", a.ID); err != nil {
		t.Fatal(err)
	}
	agents, _ = m.ListAgents("p1")
	if len(agents) != 0 {
		t.Fatalf("ListAgents after delete = %d, want 0", len(agents))
	}
}

func TestAbortAgentSendsEscapeThenInterrupt(t *testing.T) {
	m, ft := newTestManager(t)
	if _, err := m.CreateProject("p1", "/work/p1", nil); err != nil {
		t.Fatal(err)
	}
	a, err := m.CreateAgent("p1", "codex", "t", "", "", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.AbortAgent("p1", a.ID); err != nil {
		t.Fatal(err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	foundEscape, foundInterrupt := false, false
	escapeIdx, interruptIdx := -1, -1
	for i, c := range ft.calls {
		if c == "escape:"+a.Target {
			foundEscape, escapeIdx = true, i
		}
		if c == "interrupt:"+a.Target {
			foundInterrupt, interruptIdx = true, i
		}
	}
	if !foundEscape || !foundInterrupt {
		t.Fatalf("calls = %v, want escape and interrupt", ft.calls)
	}
	if escapeIdx > interruptIdx {
		t.Errorf("escape must precede interrupt: %v", ft.calls)
	}
}

func TestRedactionDropsCallbackToken(t *testing.T) {
	p := &Project{
		Name:      "p1",
		Cwd:       "/work/p1",
		Session:   "harness-p1",
		CreatedAt: time.Now(),
		Callback:  &Callback{URL: "https://example.com/hook", Token: "secret-token"},
		Agents:    map[string]*Agent{},
	}
	view := p.Redact()
	if view.Callback == nil || view.Callback.URL != "https://example.com/hook" {
		t.Fatalf("callback URL lost: %+v", view.Callback)
	}
	data, err := json.Marshal(view)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secret-token") {
		t.Errorf("redacted project still carries the callback token: %s", data)
	}
}

func TestAPICallbackHasNoTokenField(t *testing.T) {
	c := &Callback{URL: "https://example.com", Token: "shh"}
	view := redactCallback(c)
	// Reflection-free check: the struct literally has no Token field, so
	// accessing it would be a compile error; this test exists to pin that
	// redactCallback's output type can never carry the token forward.
	if view.URL != c.URL {
		t.Errorf("URL = %q, want %q", view.URL, c.URL)
	}
}

func TestCompactAgentElidesBriefAndTask(t *testing.T) {
	a := &Agent{ID: "codex-a", Task: "do the thing", Brief: []string{"line1"}, CreatedAt: time.Now(), LastActivity: time.Now()}
	compact := a.Redact(true)
	if compact.Task != "" || compact.Brief != nil {
		t.Errorf("compact view leaked task/brief: %+v", compact)
	}
	full := a.Redact(false)
	if full.Task == "" || full.Brief == nil {
		t.Errorf("full view missing task/brief: %+v", full)
	}
}

func TestRehydrateProjectsIsIdempotent(t *testing.T) {
	m, ft := newTestManager(t)
	ft.sessions["harness-p1"] = "/work/p1"
	ft.windows["harness-p1"] = nil

	if err := m.RehydrateProjectsFromTmux(); err != nil {
		t.Fatal(err)
	}
	if err := m.RehydrateProjectsFromTmux(); err != nil {
		t.Fatal(err)
	}

	projects := m.ListProjects()
	if len(projects) != 1 {
		t.Fatalf("ListProjects = %d, want 1 after running rehydrate twice", len(projects))
	}
}

func TestRehydrateAgentsInfersProviderFromWindowPrefix(t *testing.T) {
	m, ft := newTestManager(t)
	ft.sessions["harness-p1"] = "/work/p1"
	ft.windows["harness-p1"] = []string{"codex-brisk-falcon"}
	ft.paneInfo["harness-p1:codex-brisk-falcon"] = tmux.PaneInfo{CurrentCommand: "node", StartCommand: "some-wrapper"}

	if err := m.RehydrateProjectsFromTmux(); err != nil {
		t.Fatal(err)
	}
	if err := m.RehydrateAgentsFromTmux(); err != nil {
		t.Fatal(err)
	}

	agents, err := m.ListAgents("p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].Provider != "codex" {
		t.Fatalf("agents = %+v, want one codex agent inferred from window prefix", agents)
	}

	if err := m.RehydrateAgentsFromTmux(); err != nil {
		t.Fatal(err)
	}
	agents, _ = m.ListAgents("p1")
	if len(agents) != 1 {
		t.Fatalf("rehydrate is not idempotent: got %d agents", len(agents))
	}
}

func TestRehydrateAgentsInfersClaudeCodeFromBinaryName(t *testing.T) {
	m, ft := newTestManager(t)
	ft.sessions["harness-p1"] = "/work/p1"
	ft.windows["harness-p1"] = []string{"some-window-name"}
	// pane_current_command/start_command carry the binary "claude", not the
	// provider id "claude-code" -- and the window name doesn't use the
	// "claude-" prefix either, so only the binary match can find it.
	ft.paneInfo["harness-p1:some-window-name"] = tmux.PaneInfo{CurrentCommand: "claude", StartCommand: "claude --session-id abc"}

	if err := m.RehydrateProjectsFromTmux(); err != nil {
		t.Fatal(err)
	}
	if err := m.RehydrateAgentsFromTmux(); err != nil {
		t.Fatal(err)
	}

	agents, err := m.ListAgents("p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].Provider != "claude-code" {
		t.Fatalf("agents = %+v, want one claude-code agent inferred from binary name", agents)
	}
}

func TestRehydrateAgentDeadPaneIsExited(t *testing.T) {
	m, ft := newTestManager(t)
	ft.sessions["harness-p1"] = "/work/p1"
	ft.windows["harness-p1"] = []string{"codex-brisk-falcon"}
	ft.paneInfo["harness-p1:codex-brisk-falcon"] = tmux.PaneInfo{Dead: true, StartCommand: "codex"}

	if err := m.RehydrateProjectsFromTmux(); err != nil {
		t.Fatal(err)
	}
	if err := m.RehydrateAgentsFromTmux(); err != nil {
		t.Fatal(err)
	}
	agents, _ := m.ListAgents("p1")
	if len(agents) != 1 || agents[0].Status != provider.StatusExited {
		t.Fatalf("agents = %+v, want exited", agents)
	}
}
