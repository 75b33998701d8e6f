package opencode

import (
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch notifies on changes to the storage/session, storage/message and
// storage/part directories of the given data home. Only those three
// directories themselves are watched, not recursively: creating a new
// per-session or per-message subdirectory fires a notification, while files
// written inside an existing subdirectory do not. OpenCode writes many small
// files per turn, so the debounce here is slightly longer than the JSONL
// providers'.
func Watch(dataHome string) (<-chan struct{}, io.Closer, error) {
	storageRoot := filepath.Join(dataHome, "opencode", "storage")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	for _, sub := range []string{"session", "message", "part"} {
		dir := filepath.Join(storageRoot, sub)
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, nil, err
		}
	}

	ch := make(chan struct{}, 1)

	go func() {
		var mu sync.Mutex
		var timer *time.Timer
		const debounce = 300 * time.Millisecond

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
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
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
