package watcher

import (
	"os"
	"time"

	"github.com/aquemy/ballast/pkg/config"
	"github.com/aquemy/ballast/pkg/logging"
	"github.com/aquemy/ballast/pkg/state"
)

// Watcher delivers validated config snapshots to the core. It polls the
// config file's modification time at the configured interval; when the
// file changed, it parses and validates it, then hands the snapshot to
// Context.Migrate. An invalid file is logged and skipped, leaving the
// running snapshot untouched.
type Watcher struct {
	state *state.Context
	path  string

	lastModTime time.Time
}

// New creates a watcher for the given config file path
func New(st *state.Context, path string) *Watcher {
	w := &Watcher{state: st, path: path}
	if info, err := os.Stat(path); err == nil {
		w.lastModTime = info.ModTime()
	}
	return w
}

// Run polls until shutdown. The poll interval itself is hot-reloadable:
// it is re-read from the active snapshot after every migration.
func (w *Watcher) Run() {
	interval := w.state.Config().ConfigWatchInterval()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Info("config watcher started",
		logging.String("path", w.path),
		logging.Duration("interval", interval))

	for {
		select {
		case <-w.state.ShutdownCh():
			logging.Info("config watcher stopped")
			return

		case <-ticker.C:
			w.poll()
			if next := w.state.Config().ConfigWatchInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// poll checks the file and migrates when it changed
func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		logging.Warn("config file unavailable", logging.String("path", w.path), logging.Err(err))
		return
	}
	if !info.ModTime().After(w.lastModTime) {
		return
	}
	w.lastModTime = info.ModTime()

	cfg, err := config.Load(w.path)
	if err != nil {
		logging.Error("config reload failed, keeping current snapshot",
			logging.String("path", w.path), logging.Err(err))
		return
	}
	if err := w.Submit(cfg); err != nil {
		logging.Error("config migration failed, keeping current snapshot",
			logging.String("path", w.path), logging.Err(err))
	}
}

// Submit validates and migrates one snapshot. It is the programmatic
// entry point for config delivery; the file poller is just one producer.
func (w *Watcher) Submit(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := w.state.Migrate(cfg); err != nil {
		return err
	}
	logging.Info("config migrated", logging.String("path", w.path))
	return nil
}
