package codex

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch notifies on every likely change to a codex CODEX_HOME's sessions
// tree. It only watches the root and the year/month/day directories below
// it (each non-recursively: the ones present at start, plus new ones as they
// are created) to keep fd usage bounded, grounded on the
// debounced watch-and-rescan pattern of the sidecar codex adapter.
func Watch(runtimeDir string) (<-chan struct{}, io.Closer, error) {
	root := filepath.Join(runtimeDir, "sessions")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, nil, err
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root || !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if len(strings.Split(rel, string(filepath.Separator))) > 3 {
			return filepath.SkipDir
		}
		_ = watcher.Add(path)
		return nil
	})

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
				if ev.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						rel, _ := filepath.Rel(root, ev.Name)
						if depth := len(strings.Split(rel, string(filepath.Separator))); depth <= 3 {
							_ = watcher.Add(ev.Name)
						}
						continue
					}
				}
				if !strings.HasSuffix(ev.Name, ".jsonl") {
					continue
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
