package runtime

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aquemy/ballast/pkg/admin"
	"github.com/aquemy/ballast/pkg/config"
	"github.com/aquemy/ballast/pkg/health"
	"github.com/aquemy/ballast/pkg/logging"
	"github.com/aquemy/ballast/pkg/metrics"
	"github.com/aquemy/ballast/pkg/proxy"
	"github.com/aquemy/ballast/pkg/state"
	"github.com/aquemy/ballast/pkg/watcher"
)

// ErrDrainTimeout is returned when shutdown force-closed connections
// that outlived the drain deadline.
var ErrDrainTimeout = errors.New("shutdown drain timed out, connections were force-closed")

// ErrBackgroundTimeout is returned when a background task did not stop
// within the grace period.
var ErrBackgroundTimeout = errors.New("background tasks did not stop within the grace period")

// Orchestrator owns the component lifecycle: it builds the shared
// context, spawns the background tasks, serves the proxy on the calling
// goroutine and coordinates the ordered shutdown.
type Orchestrator struct {
	state      *state.Context
	proxy      *proxy.Server
	checker    *health.Checker
	aggregator *metrics.Aggregator
	watcher    *watcher.Watcher
	admin      *admin.Server

	background sync.WaitGroup
}

// New builds an orchestrator from the initial validated snapshot.
// configPath feeds the file-polling watcher; empty disables polling.
func New(cfg *config.Config, configPath string) (*Orchestrator, error) {
	st, err := state.New(cfg)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		state:      st,
		proxy:      proxy.NewServer(st),
		checker:    health.NewChecker(st),
		aggregator: metrics.NewAggregator(st),
	}
	if configPath != "" {
		o.watcher = watcher.New(st, configPath)
	}
	if cfg.Admin != nil && cfg.Admin.Listen != "" {
		o.admin = admin.NewServer(st, o.aggregator, cfg.Admin.Listen)
	}
	return o, nil
}

// State exposes the shared context, mainly for tests and embedding
func (o *Orchestrator) State() *state.Context {
	return o.state
}

// Run starts everything and blocks until shutdown completed. It returns
// nil on a clean drain and an error when the drain or the background
// grace period timed out, or the listener could not be bound.
func (o *Orchestrator) Run() error {
	o.spawn(o.checker.Run)
	o.spawn(o.aggregator.Run)
	if o.watcher != nil {
		o.spawn(o.watcher.Run)
	}
	if o.admin != nil {
		o.admin.Start()
	}

	o.installSignalHandler()

	// The proxy serves on this goroutine; it returns once shutdown is
	// broadcast or the initial bind failed.
	if err := o.proxy.Run(); err != nil {
		o.state.Shutdown()
		o.stopBackground(o.state.Config().BackgroundTimeout())
		if o.admin != nil {
			o.admin.Shutdown()
		}
		return err
	}

	return o.shutdown()
}

func (o *Orchestrator) spawn(run func()) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		run()
	}()
}

// installSignalHandler converts the first interrupt into the shutdown
// broadcast.
func (o *Orchestrator) installSignalHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logging.Info("shutdown signal received", logging.String("signal", sig.String()))
			o.state.Shutdown()
		case <-o.state.ShutdownCh():
		}
		signal.Stop(sigCh)
	}()
}

// shutdown runs the ordered teardown: stop accepting, drain in-flight
// connections within the deadline, force-close stragglers, then stop
// background tasks within their grace period.
func (o *Orchestrator) shutdown() error {
	cfg := o.state.Config()
	var result error

	o.proxy.CloseListener()

	logging.Info("draining connections", logging.Duration("timeout", cfg.DrainTimeout()))
	if !o.proxy.Drain(cfg.DrainTimeout()) {
		forced := o.state.ForceCloseAll()
		logging.Warn("drain deadline expired, force-closed connections",
			logging.Int("count", forced))
		// The handlers unwind quickly once their sockets are closed.
		o.proxy.Drain(cfg.BackgroundTimeout())
		result = ErrDrainTimeout
	}

	if !o.stopBackground(cfg.BackgroundTimeout()) {
		if result == nil {
			result = ErrBackgroundTimeout
		}
	}

	if o.admin != nil {
		o.admin.Shutdown()
	}

	if result == nil {
		logging.Info("shutdown complete")
	} else {
		logging.Error("shutdown finished with errors", logging.Err(result))
	}
	return result
}

// stopBackground waits for the background tasks with a grace period
func (o *Orchestrator) stopBackground(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}
