package messages

import (
	"fmt"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/brigadehq/agentharness/internal/config"
	"github.com/brigadehq/agentharness/internal/eventbus"
	"github.com/brigadehq/agentharness/internal/manager"
	"github.com/brigadehq/agentharness/internal/provider"
	"github.com/brigadehq/agentharness/internal/tmux"
)

func init() {
	provider.Register(&fakeProvider{})
}

type fakeJournal struct{ msgs []provider.Message }

func (j *fakeJournal) Pin(string, string) error               { return nil }
func (j *fakeJournal) Status() (provider.DerivedStatus, bool) { return provider.DerivedStatus{}, false }
func (j *fakeJournal) Messages() []provider.Message           { return j.msgs }
func (j *fakeJournal) ParseErrors() int                       { return 0 }

type fakeProvider struct{ msgs []provider.Message }

func (p *fakeProvider) ID() string       { return "fakemsg" }
func (p *fakeProvider) Name() string     { return "Fake" }
func (p *fakeProvider) IDPrefix() string { return "fake" }
func (p *fakeProvider) BuildCommand(opts provider.SpawnOptions) ([]string, bool) {
	return []string{"fake"}, true
}
func (p *fakeProvider) BuildEnv(opts provider.SpawnOptions) (map[string]string, []string, error) {
	return map[string]string{}, nil, nil
}
func (p *fakeProvider) StartupDelay() time.Duration { return 0 }
func (p *fakeProvider) ReadyTimeout() time.Duration { return 0 }
func (p *fakeProvider) IdlePattern() *regexp.Regexp { return regexp.MustCompile(`never`) }
func (p *fakeProvider) ExitCommand() string         { return "" }
func (p *fakeProvider) MandatoryInternals() bool    { return false }
func (p *fakeProvider) ParseStatusFromUI(tail string) (provider.Status, bool) {
	return "", false
}
func (p *fakeProvider) ParseOutputDiff(diff string) []provider.DiffEvent { return nil }
func (p *fakeProvider) NewJournal() provider.Journal {
	return &fakeJournal{msgs: append([]provider.Message(nil), p.msgs...)}
}
func (p *fakeProvider) Watch(runtimeDir, sessionFile string) (<-chan struct{}, io.Closer, error) {
	return nil, nil, fmt.Errorf("fakeProvider does not support watching")
}

type faketmux struct{}

func (faketmux) Unavailable() bool                 { return false }
func (faketmux) NewSession(name, cwd string) error { return nil }
func (faketmux) HasSession(name string) bool       { return true }
func (faketmux) KillSession(name string) error     { return nil }
func (faketmux) ListSessions() ([]string, error)   { return nil, nil }
func (faketmux) SessionPath(name string) (string, error) {
	return "/tmp", nil
}
func (faketmux) NewWindow(sess, window, cwd string, command []string, env map[string]string, unset []string) error {
	return nil
}
func (faketmux) ListWindows(sess string) ([]string, error) { return nil, nil }
func (faketmux) KillWindow(target string) error            { return nil }
func (faketmux) CapturePane(target string, lines int) (string, error) {
	return "", nil
}
func (faketmux) DisplayMessage(target string) (tmux.PaneInfo, error) {
	return tmux.PaneInfo{}, nil
}
func (faketmux) SendEnter(target string) error     { return nil }
func (faketmux) SendEscape(target string) error    { return nil }
func (faketmux) SendInterrupt(target string) error { return nil }
func (faketmux) PasteText(target, text string) error {
	return nil
}

type fakeSubs struct{}

func (fakeSubs) Resolve(id string) (*provider.Subscription, bool) { return nil, false }

func newTestAgent(t *testing.T, msgs []provider.Message) *manager.Agent {
	t.Helper()
	prov := &fakeProvider{msgs: msgs}
	provider.Register(prov)

	cfg := config.Defaults()
	cfg.LogDir = t.TempDir()
	bus := eventbus.New(100)
	mgr := manager.New(faketmux{}, bus, cfg, fakeSubs{}, func() time.Time {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	})
	if _, err := mgr.CreateProject("proj", "/tmp", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	a, err := mgr.CreateAgent("proj", "fakemsg", "do it", "", "", nil, "msg-1")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	return a
}

func TestListReturnsAllMessagesInOrder(t *testing.T) {
	msgs := []provider.Message{
		{Role: RoleUser, Text: "hello"},
		{Role: RoleAssistant, Text: "hi there"},
		{Role: RoleUser, Text: "do the thing"},
	}
	a := newTestAgent(t, msgs)

	got := List(a, RoleAll, 0)
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
	if got[0].Text != "hello" || got[2].Text != "do the thing" {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestListFiltersByRole(t *testing.T) {
	msgs := []provider.Message{
		{Role: RoleUser, Text: "hello"},
		{Role: RoleAssistant, Text: "hi there"},
		{Role: RoleAssistant, Text: "done"},
	}
	a := newTestAgent(t, msgs)

	got := List(a, RoleAssistant, 0)
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	for _, m := range got {
		if m.Role != RoleAssistant {
			t.Errorf("unexpected role in filtered result: %+v", m)
		}
	}
}

func TestListAppliesLimitFromTheEnd(t *testing.T) {
	msgs := []provider.Message{
		{Role: RoleUser, Text: "one"},
		{Role: RoleUser, Text: "two"},
		{Role: RoleUser, Text: "three"},
	}
	a := newTestAgent(t, msgs)

	got := List(a, RoleAll, 2)
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Text != "two" || got[1].Text != "three" {
		t.Errorf("unexpected tail: %+v", got)
	}
}

func TestLastPrefersNonWhitespaceAssistantText(t *testing.T) {
	msgs := []provider.Message{
		{Role: RoleAssistant, Text: "first answer"},
		{Role: RoleUser, Text: "more input"},
		{Role: RoleAssistant, Text: "   "},
	}
	a := newTestAgent(t, msgs)

	got, ok := Last(a)
	if !ok {
		t.Fatalf("expected a last message")
	}
	if got.Text != "first answer" {
		t.Errorf("Text = %q, want %q (fallback past the whitespace-only message)", got.Text, "first answer")
	}
}

func TestLastFallsBackToWhitespaceOnlyWhenNoneOtherExists(t *testing.T) {
	msgs := []provider.Message{
		{Role: RoleAssistant, Text: "   "},
	}
	a := newTestAgent(t, msgs)

	got, ok := Last(a)
	if !ok {
		t.Fatalf("expected a fallback message")
	}
	if got.Text != "   " {
		t.Errorf("Text = %q, want fallback whitespace-only text", got.Text)
	}
}

func TestLastReturnsFalseWithNoAssistantMessages(t *testing.T) {
	msgs := []provider.Message{
		{Role: RoleUser, Text: "hello"},
	}
	a := newTestAgent(t, msgs)

	_, ok := Last(a)
	if ok {
		t.Errorf("expected ok=false with no assistant messages")
	}
}

func TestLastTextEmptyWhenNoJournal(t *testing.T) {
	a := &manager.Agent{}
	if got := LastText(a); got != "" {
		t.Errorf("LastText = %q, want empty", got)
	}
}
