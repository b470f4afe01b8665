package importer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeCallback receives PGN files that were written, sorted by path
type ChangeCallback func(files []string)

// Watcher reports PGN files dropped into a directory tree
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	log      zerolog.Logger
	debounce time.Duration

	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher watches dir and every directory below it
func NewWatcher(dir string, callback ChangeCallback, log zerolog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:      dir,
		watcher:  watcher,
		callback: callback,
		log:      log,
		debounce: 500 * time.Millisecond, // files are often written in several chunks
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return nil, err
	}
	return w, nil
}

// Existing lists the PGN files already in the directory tree
func (w *Watcher) Existing() []string {
	var files []string
	filepath.Walk(w.dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && isPGN(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files
}

// SetDebounce sets how long to wait for writes to settle
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start begins watching for file changes
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn().Err(err).Str("dir", w.dir).Msg("watch error")
			}
		}
	}()
}

// Stop stops watching and drops changes still being debounced
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.watcher.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.log.Warn().Err(err).Str("dir", event.Name).Msg("watching new directory")
			}
			return
		}
	}

	if !isPGN(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if w.callback == nil || len(pending) == 0 {
		return
	}

	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	sort.Strings(files)
	w.callback(files)
}

func isPGN(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pgn")
}
