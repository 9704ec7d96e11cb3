// Package watch observes the workspace while external processes are
// writing into it. The codegen agent and the training run are both
// opaque subprocesses; the watcher is how the operator sees files
// appear (model.py rewritten, metrics.json landing) in real time.
package watch

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"ralphml/internal/log"
)

// Callback receives the base name of an interesting file after the
// debounce interval has passed with no further writes to it.
type Callback func(name string)

// Watcher reports create/write activity on a fixed set of interesting
// files inside one directory. Rapid successive writes to the same file
// are debounced.
type Watcher struct {
	dir      string
	names    map[string]bool
	debounce time.Duration
	onChange Callback

	fw *fsnotify.Watcher

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	stopCh  chan struct{}
	doneCh  chan struct{}
	stopMu  sync.Mutex
	stopped bool
}

// New creates a watcher for the given file names inside dir. The
// callback may be nil, in which case activity is only logged.
func New(dir string, names []string, debounce time.Duration, onChange Callback) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}

	return &Watcher{
		dir:      dir,
		names:    nameSet,
		debounce: debounce,
		onChange: onChange,
		fw:       fw,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. The event loop runs until Stop.
func (w *Watcher) Start() error {
	if err := w.fw.Add(w.dir); err != nil {
		w.fw.Close()
		return err
	}
	log.Debug("workspace watcher started", zap.String("dir", w.dir))
	go w.loop()
	return nil
}

// Stop ends the event loop and closes the underlying watcher. Safe to
// call more than once.
func (w *Watcher) Stop() error {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	<-w.doneCh
	return w.fw.Close()
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warn("workspace watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	name := filepath.Base(event.Name)
	if !w.names[name] {
		return
	}

	w.timersMu.Lock()
	defer w.timersMu.Unlock()
	if timer, exists := w.timers[name]; exists {
		timer.Stop()
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() {
		log.Info("workspace file updated", zap.String("file", name))
		if w.onChange != nil {
			w.onChange(name)
		}
		w.timersMu.Lock()
		delete(w.timers, name)
		w.timersMu.Unlock()
	})
}
