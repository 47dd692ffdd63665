package jsonl

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceInterval is how long the watcher lets a changed log settle
// before importing it. Editors and git checkouts touch a file several
// times in quick succession.
const DebounceInterval = 500 * time.Millisecond

// Watcher imports logs when their files change on disk. It fires only
// while auto sync is enabled in sync_config, checked at trigger time so
// toggling takes effect without a restart.
type Watcher struct {
	syncer   *Syncer
	debounce time.Duration

	mu     sync.Mutex
	timers map[Kind]*time.Timer

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
}

// NewWatcher creates a watcher over the syncer's directory. A zero
// debounce defaults to DebounceInterval.
func NewWatcher(syncer *Syncer, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DebounceInterval
	}
	return &Watcher{
		syncer:   syncer,
		debounce: debounce,
		timers:   make(map[Kind]*time.Timer),
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the sync directory, creating it if needed.
func (w *Watcher) Start() error {
	if err := ensureDir(w.syncer.Dir()); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}
	if err := fsw.Add(w.syncer.Dir()); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.syncer.Dir(), err)
	}
	w.fsw = fsw
	go w.loop()
	return nil
}

// Stop stops watching and cancels pending imports.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			kind, ok := KindForFile(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			w.schedule(kind)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.syncer.logger.Warn().Err(err).Msg("File watcher error")
		case <-w.stopCh:
			return
		}
	}
}

// schedule arms, or re-arms, the kind's debounce timer.
func (w *Watcher) schedule(kind Kind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[kind]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[kind] = time.AfterFunc(w.debounce, func() { w.fire(kind) })
}

func (w *Watcher) fire(kind Kind) {
	w.mu.Lock()
	delete(w.timers, kind)
	w.mu.Unlock()

	select {
	case <-w.stopCh:
		return
	default:
	}

	ctx := context.Background()
	on, err := w.syncer.AutoSync(ctx)
	if err != nil {
		w.syncer.logger.Warn().Err(err).Msg("Auto sync check failed")
		return
	}
	if !on {
		return
	}
	res, err := w.syncer.Import(ctx, kind, "")
	if err != nil {
		w.syncer.logger.Warn().Str("kind", string(kind)).Err(err).Msg("Auto import failed")
		return
	}
	w.syncer.logger.Debug().
		Str("kind", string(kind)).
		Int("imported", res.Imported).
		Msg("Auto imported changed log")
}
