// Package poller implements the Poller & status deriver of spec.md §4.2/§4.3:
// a fixed-interval loop that captures each agent's pane, diffs it against the
// previous snapshot, reads the provider's on-disk journal incrementally, and
// reconciles every signal into a single authoritative status.
package poller

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/brigadehq/agentharness/internal/config"
	"github.com/brigadehq/agentharness/internal/eventbus"
	"github.com/brigadehq/agentharness/internal/manager"
	"github.com/brigadehq/agentharness/internal/provider"
)

var shellCommands = map[string]bool{
	"bash": true,
	"zsh":  true,
	"sh":   true,
	"fish": true,
}

// agentState is per-agent scratch the Poller keeps between ticks. It is
// never shared outside this package.
type agentState struct {
	pinned      bool
	lastCapture string
	lastDiffAt  time.Time

	// watchStarted/watcher track the fsnotify-backed invalidation watch
	// opened once a journal is pinned (spec.md §4.3.1). The watcher's
	// channel is only ever forwarded into Poller.wake by watchLoop; Tick
	// itself remains the sole caller of Journal methods.
	watchStarted bool
	watcher      io.Closer
}

// Poller ticks every cfg.PollInterval, reading through tmux directly (it is
// not proxied through the Manager) and writing back only via the Manager's
// exported accessor methods, preserving the single-writer invariant of
// spec.md §5.
type Poller struct {
	tmux manager.Tmux
	mgr  *manager.Manager
	cfg  config.Config
	now  func() time.Time

	mu    sync.Mutex
	state map[string]*agentState

	// wake is fed by each agent's watchLoop goroutine (see tickAgent) so Run
	// can fire an out-of-band Tick sooner than the next fixed interval when
	// a provider's on-disk journal changes, per SPEC_FULL.md §4.3.1. Tick
	// remains the only goroutine that ever calls a Journal method.
	wake chan struct{}
}

// New constructs a Poller. now defaults to time.Now if nil.
func New(t manager.Tmux, mgr *manager.Manager, cfg config.Config, now func() time.Time) *Poller {
	if now == nil {
		now = time.Now
	}
	return &Poller{
		tmux:  t,
		mgr:   mgr,
		cfg:   cfg,
		now:   now,
		state: map[string]*agentState{},
		wake:  make(chan struct{}, 1),
	}
}

// Run blocks, ticking until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer p.closeWatchers()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick()
		case <-p.wake:
			p.Tick()
		}
	}
}

func (p *Poller) closeWatchers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.state {
		if st.watcher != nil {
			_ = st.watcher.Close()
		}
	}
}

// Tick runs one pass over every live agent. Exported so tests and a manual
// "poll now" debug hook can drive it without waiting on the ticker.
func (p *Poller) Tick() {
	agents := p.mgr.Snapshot()
	live := make(map[string]bool, len(agents))
	for _, a := range agents {
		live[a.Project+"/"+a.ID] = true
		p.tickAgent(a)
	}
	p.prune(live)
}

func (p *Poller) stateFor(key string) *agentState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[key]
	if !ok {
		st = &agentState{}
		p.state[key] = st
	}
	return st
}

func (p *Poller) prune(live map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, st := range p.state {
		if !live[key] {
			if st.watcher != nil {
				_ = st.watcher.Close()
			}
			delete(p.state, key)
		}
	}
}

// watchLoop forwards ch into p.wake until ch is closed (by the provider
// watcher itself erroring out, or by st.watcher.Close on prune/shutdown). It
// never touches the agent's Journal; Tick remains the sole caller of that.
func (p *Poller) watchLoop(ch <-chan struct{}) {
	for range ch {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

func (p *Poller) tickAgent(a manager.AgentSnapshot) {
	key := a.Project + "/" + a.ID
	st := p.stateFor(key)
	prov := provider.Get(a.Provider)
	if prov == nil {
		return
	}

	if !st.pinned {
		if err := a.Journal.Pin(a.ProviderRuntimeDir, a.ProviderSessionFile); err == nil {
			st.pinned = true
		}
	}

	if st.pinned && !st.watchStarted {
		st.watchStarted = true
		// Best-effort: a failed watch just falls back to the fixed poll
		// interval for this agent, not a tick failure.
		if ch, closer, err := prov.Watch(a.ProviderRuntimeDir, a.ProviderSessionFile); err == nil {
			st.watcher = closer
			go p.watchLoop(ch)
		}
	}

	info, infoErr := p.tmux.DisplayMessage(a.Target)
	capture, capErr := p.tmux.CapturePane(a.Target, p.cfg.CaptureLines)
	if capErr != nil {
		// Step 1: capture failures are non-fatal, next tick retries.
		return
	}

	diff := Diff(st.lastCapture, capture)
	st.lastCapture = capture
	p.mgr.RecordCapture(a.Project, a.ID, capture)

	now := p.now()
	if diff != "" {
		st.lastDiffAt = now
		p.mgr.TouchActivity(a.Project, a.ID)
		p.mgr.EmitEvent(a.Project, a.ID, eventbus.Output, map[string]any{"text": diff})
		for _, de := range prov.ParseOutputDiff(diff) {
			p.mgr.EmitEvent(a.Project, a.ID, mapDiffEventType(de.Type), de.Payload)
		}
	}

	paneDead := infoErr == nil && info.Dead
	currentCommand := ""
	if infoErr == nil {
		currentCommand = info.CurrentCommand
	}

	next, source := p.deriveStatus(a, prov, paneDead, currentCommand, capture, st, now)
	p.mgr.ApplyStatus(a.Project, a.ID, next, source)

	if msgs := a.Journal.Messages(); len(msgs) > 0 {
		p.mgr.RecordBrief(a.Project, a.ID, brief(msgs))
	}
}

// deriveStatus applies the four-step priority of spec.md §4.3.
func (p *Poller) deriveStatus(a manager.AgentSnapshot, prov provider.Provider, paneDead bool, currentCommand, tail string, st *agentState, now time.Time) (provider.Status, string) {
	if paneDead {
		return provider.StatusExited, "pane_dead"
	}

	prior := a.Status
	next := prior
	source := "unchanged"

	if derived, ok := a.Journal.Status(); ok {
		next = derived.Status
		source = derived.Source
	} else if !prov.MandatoryInternals() {
		if s, ok := prov.ParseStatusFromUI(tail); ok {
			next = s
			source = "ui_parser"
		}
	}

	// Never regress a settled status back to starting.
	if next == provider.StatusStarting && (prior == provider.StatusIdle || prior == provider.StatusWaitingInput || prior == provider.StatusError) {
		next = prior
		source = "unchanged"
	}

	if prior == provider.StatusStarting && !st.lastDiffAt.IsZero() && now.Sub(st.lastDiffAt) <= 2*time.Second {
		next = provider.StatusProcessing
		source = "override_fresh_activity"
	}

	if next == provider.StatusProcessing && !isShellCommand(currentCommand) && !st.lastDiffAt.IsZero() && now.Sub(st.lastDiffAt) >= 4*time.Second {
		next = provider.StatusIdle
		source = "override_idle_timeout"
	}

	return next, source
}

func isShellCommand(cmd string) bool {
	return shellCommands[cmd]
}

func mapDiffEventType(t string) eventbus.EventType {
	switch t {
	case "tool_use":
		return eventbus.ToolUse
	case "tool_result":
		return eventbus.ToolResult
	case "permission_requested":
		return eventbus.PermissionRequested
	case "question_asked":
		return eventbus.QuestionAsked
	case "error":
		return eventbus.ErrorEvent
	default:
		return eventbus.Unknown
	}
}

// brief returns up to the last 4 assistant messages' first lines, each
// truncated to 140 bytes, per the Agent.brief field of spec.md §3.
func brief(msgs []provider.Message) []string {
	var assistant []provider.Message
	for _, m := range msgs {
		if m.Role == "assistant" && strings.TrimSpace(m.Text) != "" {
			assistant = append(assistant, m)
		}
	}
	if len(assistant) > 4 {
		assistant = assistant[len(assistant)-4:]
	}
	out := make([]string, 0, len(assistant))
	for _, m := range assistant {
		line := m.Text
		if idx := strings.IndexByte(line, '\n'); idx >= 0 {
			line = line[:idx]
		}
		if len(line) > 140 {
			line = line[:140]
		}
		out = append(out, line)
	}
	return out
}
