// Package httpapi implements the HTTP/SSE surface of spec.md §6.1: a thin
// decode/dispatch/encode layer over the Manager, the Poller's event stream,
// the message reader, and the webhook dispatcher. It owns no state of its
// own beyond the process start time (for GET /health uptime); the
// http.Server belongs to cmd/agentharnessd — grounded on the raphaeltm-simple-agent-manager Server struct
// that holds references to every subsystem and registers routes in one
// setupRoutes(mux) method.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/brigadehq/agentharness/internal/callbackstore"
	"github.com/brigadehq/agentharness/internal/config"
	"github.com/brigadehq/agentharness/internal/eventbus"
	"github.com/brigadehq/agentharness/internal/harnesserr"
	"github.com/brigadehq/agentharness/internal/manager"
	"github.com/brigadehq/agentharness/internal/messages"
	"github.com/brigadehq/agentharness/internal/webhook"
)

// ModeHeader is set on every response to a ?compact=true request, per
// spec.md §6.1.
const ModeHeader = "X-Agent-Harness-Mode"

// Server wires every subsystem the HTTP surface fronts. Construct with New
// and mount Handler() on an *http.Server (cmd/agentharnessd owns the
// listener/lifecycle).
type Server struct {
	mgr        *manager.Manager
	dispatcher *webhook.Dispatcher
	store      *callbackstore.Store
	cfg        config.Config
	log        *slog.Logger
	started    time.Time
	now        func() time.Time
}

// New constructs a Server. store may be nil (callback persistence disabled).
func New(mgr *manager.Manager, dispatcher *webhook.Dispatcher, store *callbackstore.Store, cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		mgr:        mgr,
		dispatcher: dispatcher,
		store:      store,
		cfg:        cfg,
		log:        logger,
		started:    time.Now(),
		now:        time.Now,
	}
}

// Handler builds the route table and wraps it with the bearer-token
// middleware spec.md §6.1.1 requires ahead of routing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// GET /health is reachable both bare (SPEC_FULL.md §6.1.1, for load
	// balancer probes) and under the versioned prefix (spec.md §6.1's
	// route table lists it alongside every other path).
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/v1/projects", s.handleListProjects)
	mux.HandleFunc("GET /api/v1/projects/{name}", s.handleGetProject)
	mux.HandleFunc("PATCH /api/v1/projects/{name}", s.handleUpdateProject)
	mux.HandleFunc("DELETE /api/v1/projects/{name}", s.handleDeleteProject)

	mux.HandleFunc("POST /api/v1/projects/{name}/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/v1/projects/{name}/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/v1/projects/{name}/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /api/v1/projects/{name}/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("POST /api/v1/projects/{name}/agents/{id}/input", s.handleSendInput)
	mux.HandleFunc("GET /api/v1/projects/{name}/agents/{id}/output", s.handleGetOutput)
	mux.HandleFunc("POST /api/v1/projects/{name}/agents/{id}/abort", s.handleAbortAgent)
	mux.HandleFunc("GET /api/v1/projects/{name}/agents/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/v1/projects/{name}/agents/{id}/messages/last", s.handleLastMessage)

	mux.HandleFunc("GET /api/v1/projects/{name}/events", s.handleProjectEvents)
	mux.HandleFunc("GET /api/v1/projects/{name}/agents/{id}/events", s.handleAgentEvents)

	mux.HandleFunc("GET /api/v1/subscriptions", s.handleListSubscriptions)

	mux.HandleFunc("GET /api/v1/webhook/status", s.handleWebhookStatus)
	mux.HandleFunc("POST /api/v1/webhook/test", s.handleWebhookTest)
	mux.HandleFunc("POST /api/v1/webhook/probe-receiver", s.handleWebhookProbe)

	return s.withAuth(mux)
}

// withAuth rejects mutating and read requests alike when HARNESS_API_TOKEN
// is configured and the caller doesn't present it; GET /health is always
// open so load balancers can probe without a credential.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		want := "Bearer " + s.cfg.APIToken
		if got := r.Header.Get("Authorization"); got == want {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, harnesserr.New(harnesserr.Unauthorized, "missing or invalid bearer token"))
	})
}

// --- health -----------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tmuxAvailable": s.mgr.TmuxAvailable(),
		"uptimeSeconds": int(s.now().Sub(s.started).Seconds()),
	})
}

// --- projects -----------------------------------------------------------

type createProjectRequest struct {
	Name     string           `json:"name"`
	Cwd      string           `json:"cwd"`
	Callback *callbackPayload `json:"callback,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.mgr.CreateProject(req.Name, req.Cwd, req.Callback.toManager())
	if err != nil {
		writeError(w, err)
		return
	}
	s.persistProjectCallback(req.Name, p.Callback)
	writeJSON(w, http.StatusCreated, p.Redact())
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects := s.mgr.ListProjects()
	out := make([]manager.APIProject, 0, len(projects))
	for _, p := range projects {
		out = append(out, p.Redact())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.mgr.GetProject(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Redact())
}

type updateProjectRequest struct {
	Cwd      *string          `json:"cwd,omitempty"`
	Callback *callbackPayload `json:"callback,omitempty"`
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var req updateProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := r.PathValue("name")
	var cb *manager.Callback
	if req.Callback != nil {
		cb = req.Callback.toManager()
	}
	p, err := s.mgr.UpdateProject(name, req.Cwd, cb)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Callback != nil {
		s.persistProjectCallback(name, cb)
	}
	writeJSON(w, http.StatusOK, p.Redact())
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeleteProject(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- agents -----------------------------------------------------------

type createAgentRequest struct {
	Provider     string           `json:"provider"`
	Task         string           `json:"task"`
	Model        string           `json:"model,omitempty"`
	Subscription string           `json:"subscription,omitempty"`
	Callback     *callbackPayload `json:"callback,omitempty"`
	Name         string           `json:"name,omitempty"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	project := r.PathValue("name")
	a, err := s.mgr.CreateAgent(project, req.Provider, req.Task, req.Model, req.Subscription, req.Callback.toManager(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	s.persistAgentCallback(project, a.ID, a.Callback)
	compact := isCompact(r)
	if compact {
		w.Header().Set(ModeHeader, "compact")
	}
	writeJSON(w, http.StatusCreated, a.Redact(compact))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.mgr.ListAgents(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	compact := isCompact(r)
	out := make([]manager.APIAgent, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Redact(compact))
	}
	if compact {
		w.Header().Set(ModeHeader, "compact")
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.mgr.GetAgent(r.PathValue("name"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	compact := isCompact(r)
	if compact {
		w.Header().Set(ModeHeader, "compact")
	}
	writeJSON(w, http.StatusOK, a.Redact(compact))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeleteAgent(r.PathValue("name"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendInputRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	var req sendInputRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.mgr.SendInput(r.PathValue("name"), r.PathValue("id"), req.Text); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	lines := intQuery(r, "lines", 0)
	out, err := s.mgr.GetAgentOutput(r.PathValue("name"), r.PathValue("id"), lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": out})
}

func (s *Server) handleAbortAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.AbortAgent(r.PathValue("name"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- messages -----------------------------------------------------------

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	a, err := s.mgr.GetAgent(r.PathValue("name"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	role := r.URL.Query().Get("role")
	limit := intQuery(r, "limit", 0)
	writeJSON(w, http.StatusOK, messages.List(a, role, limit))
}

func (s *Server) handleLastMessage(w http.ResponseWriter, r *http.Request) {
	a, err := s.mgr.GetAgent(r.PathValue("name"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	msg, ok := messages.Last(a)
	if isCompact(r) {
		w.Header().Set(ModeHeader, "compact")
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"text": ""})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"text": msg.Text})
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// --- events / SSE -----------------------------------------------------------

const heartbeatInterval = 15 * time.Second

func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, eventbus.Filter{Project: r.PathValue("name")})
}

func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, eventbus.Filter{Project: r.PathValue("name"), AgentID: r.PathValue("id")})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, filter eventbus.Filter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, harnesserr.New(harnesserr.InvalidRequest, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if since := r.URL.Query().Get("since"); since != "" {
		for _, e := range s.mgr.Bus().Since(since, filter) {
			writeSSE(w, e)
		}
		flusher.Flush()
	}

	ch := make(chan eventbus.Event, 64)
	unsubscribe := s.mgr.Bus().Subscribe(filter, func(e eventbus.Event) {
		select {
		case ch <- e:
		default:
			// Slow consumer: drop rather than block the EventBus's
			// synchronous notification path.
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			writeSSE(w, e)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: \n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e eventbus.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, body)
}

// --- subscriptions -----------------------------------------------------------

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.ListSubscriptions())
}

// --- webhook -----------------------------------------------------------

func (s *Server) handleWebhookStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"counters": s.dispatcher.Counters(),
		"recent":   s.dispatcher.RecentAttempts(),
	})
}

type webhookTestRequest struct {
	Project string `json:"project"`
	AgentID string `json:"agentId"`
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	var req webhookTestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ok, err := s.dispatcher.SendTestWebhook(req.Project, req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": ok})
}

type probeReceiverRequest struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// handleWebhookProbe issues a lightweight synthetic POST to a candidate
// receiver URL without touching the dispatcher's attempt counters or
// lifecycle cache — this is a connectivity check, not a delivery.
func (s *Server) handleWebhookProbe(w http.ResponseWriter, r *http.Request) {
	var req probeReceiverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, harnesserr.New(harnesserr.InvalidRequest, "url is required"))
		return
	}
	ok, statusCode, err := webhook.Probe(r.Context(), req.URL, req.Token)
	resp := map[string]any{"reachable": ok, "statusCode": statusCode}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- helpers -----------------------------------------------------------

type callbackPayload struct {
	URL            string            `json:"url"`
	Token          string            `json:"token,omitempty"`
	DiscordChannel string            `json:"discordChannel,omitempty"`
	SessionKey     string            `json:"sessionKey,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

func (c *callbackPayload) toManager() *manager.Callback {
	if c == nil {
		return nil
	}
	return &manager.Callback{
		URL:            c.URL,
		Token:          c.Token,
		DiscordChannel: c.DiscordChannel,
		SessionKey:     c.SessionKey,
		Extra:          c.Extra,
	}
}

func (s *Server) persistProjectCallback(project string, cb *manager.Callback) {
	if s.store == nil {
		return
	}
	if err := s.store.SetProjectCallback(project, toStoreCallback(cb)); err != nil {
		s.log.Warn("persist project callback failed", "project", project, "err", err)
	}
}

func (s *Server) persistAgentCallback(project, agentID string, cb *manager.Callback) {
	if s.store == nil {
		return
	}
	if err := s.store.SetAgentCallback(project, agentID, toStoreCallback(cb)); err != nil {
		s.log.Warn("persist agent callback failed", "project", project, "agentId", agentID, "err", err)
	}
}

func toStoreCallback(cb *manager.Callback) *callbackstore.Callback {
	if cb == nil {
		return nil
	}
	return &callbackstore.Callback{
		URL:            cb.URL,
		Token:          cb.Token,
		DiscordChannel: cb.DiscordChannel,
		SessionKey:     cb.SessionKey,
		Extra:          cb.Extra,
	}
}

func isCompact(r *http.Request) bool {
	return r.URL.Query().Get("compact") == "true"
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, harnesserr.New(harnesserr.InvalidRequest, "malformed request body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	he, ok := harnesserr.As(err)
	if !ok {
		he = harnesserr.New(harnesserr.InvalidRequest, err.Error())
	}
	writeJSON(w, harnesserr.HTTPStatus(he.Kind), map[string]any{
		"error": map[string]any{
			"kind":    he.Kind,
			"message": he.Message,
		},
	})
}
