// Package webhook implements the completion-callback dispatcher of
// spec.md §4.5: a status_changed subscriber that POSTs at-most-once per
// terminal transition, plus a safety-net reconciliation loop for missed
// deliveries and stuck-agent warnings.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/brigadehq/agentharness/internal/config"
	"github.com/brigadehq/agentharness/internal/eventbus"
	"github.com/brigadehq/agentharness/internal/manager"
	"github.com/brigadehq/agentharness/internal/messages"
	"github.com/brigadehq/agentharness/internal/provider"
)

// Route is a resolved delivery target: a URL plus the optional fields the
// payload copies through when present.
type Route struct {
	URL            string
	Token          string
	DiscordChannel string
	SessionKey     string
	Extra          map[string]string
}

// Payload is the JSON body POSTed on delivery, per spec.md §4.5.
type Payload struct {
	Event          string            `json:"event"`
	Project        string            `json:"project"`
	AgentID        string            `json:"agentId"`
	Provider       string            `json:"provider"`
	Status         string            `json:"status"`
	LastMessage    string            `json:"lastMessage"`
	Timestamp      string            `json:"timestamp"`
	DiscordChannel string            `json:"discordChannel,omitempty"`
	SessionKey     string            `json:"sessionKey,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Attempt is one recorded delivery try, kept for the status endpoint.
type Attempt struct {
	Project    string
	AgentID    string
	Event      string
	URL        string
	StatusCode int
	Err        string
	At         time.Time
	Retried    bool
}

// Counters tallies dispatcher activity, exposed by the status endpoint.
type Counters struct {
	Attempts          int
	Successes         int
	Failures          int
	Retries           int
	ManualTests       int
	SafetyNetCycles   int
	SafetyNetWarnings int
}

type lifecycleEntry struct {
	status     provider.Status
	since      time.Time
	delivered  bool
	lastWarnAt time.Time
}

// Dispatcher subscribes to the EventBus and runs the safety-net loop.
type Dispatcher struct {
	mgr    *manager.Manager
	cfg    config.Config
	client *http.Client
	now    func() time.Time
	log    *slog.Logger

	mu        sync.Mutex
	lifecycle map[string]*lifecycleEntry
	counters  Counters
	recent    []Attempt

	// runAsync dispatches delivery work off the EventBus's synchronous
	// notification path, per spec.md §4.4's "callbacks must be non-blocking".
	// Tests override it to run inline for determinism.
	runAsync func(func())
}

const maxRecentAttempts = 50

// New constructs a Dispatcher. now defaults to time.Now, logger to slog.Default.
func New(mgr *manager.Manager, cfg config.Config, now func() time.Time, logger *slog.Logger) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		mgr:       mgr,
		cfg:       cfg,
		client:    &http.Client{Timeout: 10 * time.Second},
		now:       now,
		log:       logger,
		lifecycle: map[string]*lifecycleEntry{},
		runAsync:  func(fn func()) { go fn() },
	}
}

// Start subscribes to status_changed and returns an unsubscribe func.
func (d *Dispatcher) Start() (unsubscribe func()) {
	return d.mgr.Bus().Subscribe(eventbus.Filter{Types: []eventbus.EventType{eventbus.StatusChanged}}, d.onStatusChanged)
}

func (d *Dispatcher) onStatusChanged(e eventbus.Event) {
	from, _ := e.Payload["from"].(provider.Status)
	to, _ := e.Payload["to"].(provider.Status)
	if from.Terminal() || !to.Terminal() {
		return
	}

	project, agentID := e.Project, e.AgentID
	d.runAsync(func() {
		a, err := d.mgr.GetAgent(project, agentID)
		if err != nil {
			return
		}
		if d.deliver(project, a, terminalEventName(to)) {
			d.markDelivered(project, agentID, to)
		}
	})
}

// terminalEventName maps a terminal status to the payload's event name.
func terminalEventName(status provider.Status) string {
	switch status {
	case provider.StatusIdle:
		return "agent_completed"
	case provider.StatusError:
		return "agent_error"
	case provider.StatusExited:
		return "agent_exited"
	default:
		return "agent_completed"
	}
}

// resolveRoute applies agent-callback, then project-callback, then the
// global default, per spec.md §4.5.
func (d *Dispatcher) resolveRoute(project string, a *manager.Agent) (Route, bool) {
	if a.Callback != nil && a.Callback.URL != "" {
		return routeFromCallback(a.Callback), true
	}
	if p, err := d.mgr.GetProject(project); err == nil && p.Callback != nil && p.Callback.URL != "" {
		return routeFromCallback(p.Callback), true
	}
	if d.cfg.DefaultCallbackURL != "" {
		return Route{URL: d.cfg.DefaultCallbackURL, Token: d.cfg.DefaultCallbackToken}, true
	}
	return Route{}, false
}

func routeFromCallback(c *manager.Callback) Route {
	return Route{
		URL:            c.URL,
		Token:          c.Token,
		DiscordChannel: c.DiscordChannel,
		SessionKey:     c.SessionKey,
		Extra:          c.Extra,
	}
}

// deliver builds and sends a payload for event, per the resolved route. It
// is the single code path both the transition subscriber and the safety-net
// loop call.
func (d *Dispatcher) deliver(project string, a *manager.Agent, event string) bool {
	route, ok := d.resolveRoute(project, a)
	if !ok {
		return false
	}
	payload := Payload{
		Event:          event,
		Project:        project,
		AgentID:        a.ID,
		Provider:       a.Provider,
		Status:         string(a.Status),
		LastMessage:    messages.LastText(a),
		Timestamp:      d.now().UTC().Format(time.RFC3339Nano),
		DiscordChannel: route.DiscordChannel,
		SessionKey:     route.SessionKey,
		Extra:          route.Extra,
	}
	return d.send(project, a.ID, event, route, payload)
}

// send POSTs payload to route, retrying exactly once on non-2xx or
// transport error, per spec.md §4.5.
func (d *Dispatcher) send(project, agentID, event string, route Route, payload Payload) bool {
	ok, code, sendErr := d.post(route, payload)
	retried := false
	d.recordAttempt(project, agentID, event, route.URL, code, sendErr, false)
	if !ok {
		retried = true
		ok, code, sendErr = d.post(route, payload)
		d.recordAttempt(project, agentID, event, route.URL, code, sendErr, true)
	}

	d.mu.Lock()
	d.counters.Attempts++
	if retried {
		d.counters.Retries++
	}
	if ok {
		d.counters.Successes++
	} else {
		d.counters.Failures++
	}
	d.mu.Unlock()

	if !ok {
		d.log.Warn("webhook delivery failed", "project", project, "agentId", agentID, "event", event, "err", sendErr)
	}
	return ok
}

func (d *Dispatcher) post(route Route, payload Payload) (ok bool, statusCode int, err error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, 0, fmt.Errorf("marshal payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, route.URL, bytes.NewReader(body))
	if err != nil {
		return false, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if route.Token != "" {
		req.Header.Set("Authorization", "Bearer "+route.Token)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode, nil
}

// Probe sends a synthetic payload to url to check reachability before a
// caller saves it as a callback, per spec.md §6.1's POST /webhook/probe-
// receiver. It is deliberately independent of any Dispatcher instance (the
// URL under test may not be wired to any project or agent yet) and never
// touches delivery counters, the lifecycle cache, or retries.
func Probe(ctx context.Context, url, token string) (reachable bool, statusCode int, err error) {
	body, err := json.Marshal(Payload{Event: "probe", Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return false, 0, fmt.Errorf("marshal probe payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode, nil
}

func (d *Dispatcher) recordAttempt(project, agentID, event, url string, code int, err error, retried bool) {
	a := Attempt{Project: project, AgentID: agentID, Event: event, URL: url, StatusCode: code, At: d.now(), Retried: retried}
	if err != nil {
		a.Err = err.Error()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, a)
	if len(d.recent) > maxRecentAttempts {
		d.recent = d.recent[len(d.recent)-maxRecentAttempts:]
	}
}

func (d *Dispatcher) markDelivered(project, agentID string, status provider.Status) {
	key := project + "/" + agentID
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lifecycle[key] = &lifecycleEntry{status: status, since: d.now(), delivered: true}
}

// Counters returns a snapshot of the dispatcher's activity counters.
func (d *Dispatcher) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters
}

// RecentAttempts returns up to the last maxRecentAttempts delivery records.
func (d *Dispatcher) RecentAttempts() []Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Attempt, len(d.recent))
	copy(out, d.recent)
	return out
}

// SendTestWebhook synthesises a payload for project/agentID and reuses the
// normal retrying POST path, for the manual-test endpoint of spec.md §4.5.
func (d *Dispatcher) SendTestWebhook(project, agentID string) (bool, error) {
	a, err := d.mgr.GetAgent(project, agentID)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	d.counters.ManualTests++
	d.mu.Unlock()
	ok := d.deliver(project, a, "agent_completed")
	return ok, nil
}

// RunSafetyNet blocks, running the reconciliation cycle every
// cfg.SafetyNetInterval until ctx is cancelled. A no-op if disabled.
func (d *Dispatcher) RunSafetyNet(ctx context.Context) {
	if !d.cfg.SafetyNetEnabled {
		return
	}
	interval := d.cfg.SafetyNetInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.safetyNetCycle()
		}
	}
}

// safetyNetCycle implements spec.md §4.5's reconciliation pass.
func (d *Dispatcher) safetyNetCycle() {
	d.mu.Lock()
	d.counters.SafetyNetCycles++
	d.mu.Unlock()

	now := d.now()
	live := map[string]bool{}

	for _, proj := range d.mgr.ListProjects() {
		agents, err := d.mgr.ListAgents(proj.Name)
		if err != nil {
			continue
		}
		for _, a := range agents {
			key := proj.Name + "/" + a.ID
			live[key] = true
			d.reconcileOne(proj.Name, a, now)
		}
	}
	d.pruneLifecycle(live)
}

func (d *Dispatcher) reconcileOne(project string, a *manager.Agent, now time.Time) {
	key := project + "/" + a.ID

	d.mu.Lock()
	entry, known := d.lifecycle[key]
	if !known || entry.status != a.Status {
		entry = &lifecycleEntry{status: a.Status, since: now}
		d.lifecycle[key] = entry
	}
	delivered := entry.delivered
	since := entry.since
	lastWarnAt := entry.lastWarnAt
	d.mu.Unlock()

	if a.Status.Terminal() {
		if !delivered {
			if d.deliver(project, a, terminalEventName(a.Status)) {
				d.markDelivered(project, a.ID, a.Status)
			}
		}
		return
	}

	if a.Status == provider.StatusStarting || a.Status == provider.StatusProcessing {
		stuckAfter := d.cfg.SafetyNetStuckAfter
		if stuckAfter <= 0 {
			stuckAfter = 180 * time.Second
		}
		warnInterval := d.cfg.SafetyNetStuckWarnInterval
		if warnInterval <= 0 {
			warnInterval = 300 * time.Second
		}
		if now.Sub(since) >= stuckAfter && now.Sub(lastWarnAt) >= warnInterval {
			d.log.Warn("agent appears stuck", "project", project, "agentId", a.ID, "status", a.Status, "since", since)
			d.mu.Lock()
			entry.lastWarnAt = now
			d.counters.SafetyNetWarnings++
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) pruneLifecycle(live map[string]bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.lifecycle {
		if !live[key] {
			delete(d.lifecycle, key)
		}
	}
}
