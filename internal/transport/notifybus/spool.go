// ABOUTME: Tails the listener helper's payload spool directory with fsnotify.
// ABOUTME: Runs independently of the transport gate so emits never block receipt.

package notifybus

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// spoolTailer watches the spool directory the listener helper drops payload
// files into. Each consumed file is handed to the adapter and deleted.
// The helper writes files atomically (write to a dotfile, then rename), so a
// create event always refers to a complete payload.
type spoolTailer struct {
	dir     string
	watcher *fsnotify.Watcher
	handle  func(path string)
	logger  *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

func newSpoolTailer(dir string, handle func(path string), logger *slog.Logger) (*spoolTailer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating spool watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching spool directory: %w", err)
	}

	t := &spoolTailer{
		dir:     dir,
		watcher: watcher,
		handle:  handle,
		logger:  logger,
		stopped: make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func (t *spoolTailer) run() {
	defer close(t.stopped)

	for {
		select {
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !isPayloadFile(ev.Name) {
				continue
			}
			t.handle(ev.Name)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("spool watcher error", "error", err)
		}
	}
}

// drain consumes every payload file currently in the spool. Used by Pull to
// cover events missed while the tailer or listener was down.
func (t *spoolTailer) drain() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !isPayloadFile(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(t.dir, entry.Name()))
	}
	return paths, nil
}

func (t *spoolTailer) stop() {
	t.stopOnce.Do(func() {
		t.watcher.Close()
	})
	<-t.stopped
}

// isPayloadFile filters spool entries: payload files end in .json and the
// helper's in-progress dotfiles are skipped.
func isPayloadFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
