package manager

// APICallback is the wire-safe view of a Callback: token is never echoed
// (spec.md §4.1 "API redaction", invariant 8).
type APICallback struct {
	URL            string            `json:"url"`
	DiscordChannel string            `json:"discordChannel,omitempty"`
	SessionKey     string            `json:"sessionKey,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

func redactCallback(c *Callback) *APICallback {
	if c == nil {
		return nil
	}
	return &APICallback{
		URL:            c.URL,
		DiscordChannel: c.DiscordChannel,
		SessionKey:     c.SessionKey,
		Extra:          c.Extra,
	}
}

// APIProject is the wire-safe view of a Project.
type APIProject struct {
	Name       string       `json:"name"`
	Cwd        string       `json:"cwd"`
	Session    string       `json:"session"`
	Callback   *APICallback `json:"callback,omitempty"`
	CreatedAt  string       `json:"createdAt"`
	AgentCount int          `json:"agentCount"`
}

// Redact converts p into its wire-safe view.
func (p *Project) Redact() APIProject {
	return APIProject{
		Name:       p.Name,
		Cwd:        p.Cwd,
		Session:    p.Session,
		Callback:   redactCallback(p.Callback),
		CreatedAt:  p.CreatedAt.UTC().Format(timeLayout),
		AgentCount: len(p.Agents),
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// APIAgent is the wire-safe view of an Agent: providerSessionFile and
// providerRuntimeDir are never exposed (spec.md §4.1).
type APIAgent struct {
	ID            string       `json:"id"`
	Project       string       `json:"project"`
	Provider      string       `json:"provider"`
	Status        string       `json:"status"`
	Brief         []string     `json:"brief,omitempty"`
	Task          string       `json:"task,omitempty"`
	TmuxTarget    string       `json:"tmuxTarget"`
	AttachCommand string       `json:"attachCommand"`
	Callback      *APICallback `json:"callback,omitempty"`
	CreatedAt     string       `json:"createdAt"`
	LastActivity  string       `json:"lastActivity"`
}

// Redact converts a into its wire-safe view. When compact is true, brief and
// task are elided per spec.md E2.
func (a *Agent) Redact(compact bool) APIAgent {
	out := APIAgent{
		ID:            a.ID,
		Project:       a.Project,
		Provider:      a.Provider,
		Status:        string(a.Status),
		TmuxTarget:    a.Target,
		AttachCommand: a.AttachCommand,
		Callback:      redactCallback(a.Callback),
		CreatedAt:     a.CreatedAt.UTC().Format(timeLayout),
		LastActivity:  a.LastActivity.UTC().Format(timeLayout),
	}
	if !compact {
		out.Brief = a.Brief
		out.Task = a.Task
	}
	return out
}
