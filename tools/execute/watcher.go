package execute

import (
	"os"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher records files that appear in a workspace while a run executes.
type Watcher struct {
	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	created map[string]struct{}
	done    chan struct{}
}

func NewWatcher(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{fsw: fsw, created: make(map[string]struct{}), done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				w.mu.Lock()
				w.created[ev.Name] = struct{}{}
				w.mu.Unlock()
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Stop closes the watcher and returns the paths recorded during the watch,
// sorted for determinism. Paths that no longer exist are dropped.
func (w *Watcher) Stop() []string {
	w.fsw.Close()
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.created))
	for p := range w.created {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
