package claudecode

import (
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch notifies on changes to a single claude-code project directory
// (one session file per agent, so unlike codex there is no subtree to
// discover lazily), grounded on the sidecar claudecode adapter's watcher.
func Watch(projectDir string) (<-chan struct{}, io.Closer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := watcher.Add(projectDir); err != nil {
		watcher.Close()
		return nil, nil, err
	}

	ch := make(chan struct{}, 1)

	go func() {
		var mu sync.Mutex
		var timer *time.Timer
		const debounce = 200 * time.Millisecond

		notify := func() {
			select {
			case ch <- struct{}{}:
			default:
			}
		}

		defer func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			close(ch)
		}()

		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".jsonl") {
					continue
				}
				_ = filepath.Base(ev.Name)
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, notify)
				mu.Unlock()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return ch, watcher, nil
}
