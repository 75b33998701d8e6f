// Package subscriptions loads the credential-routing records spec.md §4.1
// resolves against at createAgent time (subscription id → provider,
// validity, sandbox source dir, token file, forced workspace). Spec.md
// treats subscriptions as configuration external to the core, so this
// package is a thin file-backed store the manager.SubscriptionResolver and
// manager.SubscriptionLister interfaces are satisfied against, never core
// state itself.
package subscriptions

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/brigadehq/agentharness/internal/provider"
)

// entry mirrors provider.Subscription's exported fields in TOML's
// lower_snake_case convention, the same key convention as the codex
// config.toml this package's sibling (internal/provider/codex) reads/writes.
type entry struct {
	ID              string `toml:"id"`
	Provider        string `toml:"provider"`
	Valid           bool   `toml:"valid"`
	SourceDir       string `toml:"source_dir"`
	TokenFilePath   string `toml:"token_file_path"`
	ForcedWorkspace string `toml:"forced_workspace"`
}

type document struct {
	Subscription []entry `toml:"subscription"`
}

// Store is a read-mostly, in-memory table of subscriptions loaded from a
// TOML file on startup. Reload re-reads the file; lookups are safe to call
// concurrently with a Reload.
type Store struct {
	path string

	mu   sync.RWMutex
	byID map[string]*provider.Subscription
	ids  []string // sorted by id, for a stable List()
}

// Load reads path and returns a populated Store. A missing file is not an
// error: it yields an empty store, since subscriptions are optional (agents
// may be created without one, per spec.md §4.1).
func Load(path string) (*Store, error) {
	s := &Store{path: path, byID: map[string]*provider.Subscription{}}
	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the backing file, replacing the in-memory table
// atomically. Safe to call from a signal handler or an admin endpoint.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}

	byID := make(map[string]*provider.Subscription, len(doc.Subscription))
	ids := make([]string, 0, len(doc.Subscription))
	for _, e := range doc.Subscription {
		if e.ID == "" {
			continue
		}
		byID[e.ID] = &provider.Subscription{
			ID:              e.ID,
			Provider:        e.Provider,
			Valid:           e.Valid,
			SourceDir:       e.SourceDir,
			TokenFilePath:   e.TokenFilePath,
			ForcedWorkspace: e.ForcedWorkspace,
		}
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)

	s.mu.Lock()
	s.byID = byID
	s.ids = ids
	s.mu.Unlock()
	return nil
}

// Resolve satisfies manager.SubscriptionResolver.
func (s *Store) Resolve(id string) (*provider.Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byID[id]
	return sub, ok
}

// List satisfies manager.SubscriptionLister.
func (s *Store) List() []*provider.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*provider.Subscription, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.byID[id])
	}
	return out
}
