// Package messages implements the Message reader of spec.md §4.6: it turns
// an agent's pinned provider journal into the normalised message history the
// HTTP surface and the webhook payload both need. Per-provider parsing
// lives in internal/provider/<name>; this package only knows the
// provider.Journal contract, matching the teacher's own "ask the backend,
// don't special-case it" shape in backend.go.
package messages

import (
	"strings"

	"github.com/brigadehq/agentharness/internal/manager"
	"github.com/brigadehq/agentharness/internal/provider"
)

// Role filters the set a caller may request via ?role=.
const (
	RoleAll       = "all"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleDeveloper = "developer"
)

// List returns a's full normalised message history, optionally filtered by
// role and capped to the last limit entries (0 means unlimited). Order is
// preserved (oldest first), matching provider.Journal.Messages.
func List(a *manager.Agent, role string, limit int) []provider.Message {
	if a == nil || a.Journal == nil {
		return nil
	}
	all := a.Journal.Messages()

	var filtered []provider.Message
	if role == "" || role == RoleAll {
		filtered = all
	} else {
		filtered = make([]provider.Message, 0, len(all))
		for _, m := range all {
			if m.Role == role {
				filtered = append(filtered, m)
			}
		}
	}

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

// Last returns the most recent assistant message with non-whitespace text,
// falling back to the most recent assistant message overall, per spec.md
// §4.6's lastAssistantMessage. ok is false when the agent has no journal or
// no assistant messages at all.
func Last(a *manager.Agent) (provider.Message, bool) {
	if a == nil || a.Journal == nil {
		return provider.Message{}, false
	}
	msgs := a.Journal.Messages()

	var fallback provider.Message
	haveFallback := false
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != RoleAssistant {
			continue
		}
		if !haveFallback {
			fallback = m
			haveFallback = true
		}
		if strings.TrimSpace(m.Text) != "" {
			return m, true
		}
	}
	return fallback, haveFallback
}

// LastText is a convenience wrapper over Last returning just the text, or
// "" if there is no assistant message yet.
func LastText(a *manager.Agent) string {
	m, ok := Last(a)
	if !ok {
		return ""
	}
	return m.Text
}
