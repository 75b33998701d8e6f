package pi

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch notifies on session-file changes under runtimeDir/sessions. The
// session subdirectories present at start are watched too, and newly
// created ones are added lazily, since pi groups jsonl files by per-session
// subdirectory rather than by date.
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
	if subdirs, err := filepath.Glob(filepath.Join(root, "*")); err == nil {
		for _, dir := range subdirs {
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				_ = watcher.Add(dir)
			}
		}
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
				if ev.Op&fsnotify.Create != 0 {
					_ = watcher.Add(ev.Name)
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
