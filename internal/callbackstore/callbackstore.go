// Package callbackstore persists project/agent callback overrides across
// process restarts, per SPEC_FULL.md §3.1: a single JSON file written with a
// sibling flock plus write-temp+rename, generalised from the teacher's plain
// os.WriteFile in state.go into the race-safe idiom spec.md §6.3 names.
package callbackstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Callback mirrors manager.Callback; duplicated here (rather than imported)
// to keep this package persistence-only and free of a dependency on the
// core's in-memory types.
type Callback struct {
	URL            string            `json:"url,omitempty"`
	Token          string            `json:"token,omitempty"`
	DiscordChannel string            `json:"discordChannel,omitempty"`
	SessionKey     string            `json:"sessionKey,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// document is the on-disk shape at logDir/state/callbacks.json.
type document struct {
	Version  int                  `json:"version"`
	Projects map[string]*Callback `json:"projects"`
	Agents   map[string]*Callback `json:"agents"`
}

// Store reads/writes the callback overrides file. The zero value is not
// usable; use Open.
type Store struct {
	path     string
	lockPath string
	mu       func() (unlock func(), err error)
}

// Open prepares a Store rooted at logDir/state/callbacks.json, creating the
// state directory (mode 0700) if necessary. It does not load the file yet.
func Open(logDir string) (*Store, error) {
	dir := filepath.Join(logDir, "state")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, "callbacks.json")
	s := &Store{path: path, lockPath: path + ".lock"}
	s.mu = s.acquireLock
	return s, nil
}

func (s *Store) acquireLock() (func(), error) {
	fl := flock.New(s.lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", s.lockPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s: timed out", s.lockPath)
	}
	return func() { _ = fl.Unlock() }, nil
}

// Load reads every persisted callback. A missing file is not an error: it
// returns two empty maps (no overrides have ever been saved).
func (s *Store) Load() (projects map[string]*Callback, agents map[string]*Callback, err error) {
	unlock, err := s.mu()
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	doc, err := s.readLocked()
	if err != nil {
		return nil, nil, err
	}
	return doc.Projects, doc.Agents, nil
}

func (s *Store) readLocked() (document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return document{Version: 1, Projects: map[string]*Callback{}, Agents: map[string]*Callback{}}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("read %s: %w", s.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if doc.Projects == nil {
		doc.Projects = map[string]*Callback{}
	}
	if doc.Agents == nil {
		doc.Agents = map[string]*Callback{}
	}
	return doc, nil
}

// SetProjectCallback upserts (or, if cb is nil, clears) a project's
// persisted callback override.
func (s *Store) SetProjectCallback(project string, cb *Callback) error {
	return s.mutate(func(doc *document) {
		if cb == nil {
			delete(doc.Projects, project)
			return
		}
		doc.Projects[project] = cb
	})
}

// SetAgentCallback upserts (or, if cb is nil, clears) an agent's persisted
// callback override, keyed "project:id" per SPEC_FULL.md §3.1.
func (s *Store) SetAgentCallback(project, agentID string, cb *Callback) error {
	key := project + ":" + agentID
	return s.mutate(func(doc *document) {
		if cb == nil {
			delete(doc.Agents, key)
			return
		}
		doc.Agents[key] = cb
	})
}

func (s *Store) mutate(fn func(doc *document)) error {
	unlock, err := s.mu()
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	fn(&doc)
	return s.writeLocked(doc)
}

// writeLocked serialises doc and installs it atomically: write a *.tmp file
// in the same directory, fsync it, then rename over the target. The lock
// caller already holds must stay held for the full write+rename.
func (s *Store) writeLocked(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal callbacks: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, s.path, err)
	}
	return nil
}
