package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"billcal/internal/ics"
	appLog "billcal/internal/log"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Watcher triggers a rebuild when a local ICS source changes on disk.
// Remote sources are left to the refresh schedule.
type Watcher struct {
	fs       *fsnotify.Watcher
	files    map[string]string // abs path -> source id
	debounce time.Duration
	onChange func(ctx context.Context)

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches the directories of every local source. onChange runs
// once per burst of writes.
func NewWatcher(sources []ics.Source, onChange func(ctx context.Context)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		fs:       fsw,
		files:    make(map[string]string),
		debounce: defaultWatchDebounce,
		onChange: onChange,
	}
	dirs := make(map[string]struct{})
	for _, src := range sources {
		path, local := ics.LocalPath(src.URL)
		if !local {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
		w.files[abs] = src.ID

		// Watch the directory so editors that replace the file are seen.
		dir := filepath.Dir(abs)
		if _, ok := dirs[dir]; ok {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = struct{}{}
	}
	return w, nil
}

// Files returns the number of watched local sources.
func (w *Watcher) Files() int {
	return len(w.files)
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return ctx.Err()

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			id, watched := w.files[abs]
			if !watched {
				continue
			}
			appLog.Debug("local source changed", "id", id, "op", event.Op.String())
			w.schedule(ctx)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			appLog.Error("source watcher", err)
		}
	}
}

// schedule debounces rapid changes into a single onChange call.
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.onChange(ctx)
	})
}
