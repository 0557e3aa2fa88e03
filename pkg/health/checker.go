package health

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/aquemy/ballast/pkg/backend"
	"github.com/aquemy/ballast/pkg/events"
	"github.com/aquemy/ballast/pkg/logging"
	"github.com/aquemy/ballast/pkg/state"
)

// Checker drives backend liveness from two inputs: a periodic TCP probe
// of idle backends, and proxy-observed failures delivered on the
// point-to-point failure channel. Backends with in-flight connections
// are not probed; their health only moves via failure reports.
type Checker struct {
	state *state.Context
}

// NewChecker creates a health checker bound to the shared context
func NewChecker(st *state.Context) *Checker {
	return &Checker{state: st}
}

// Run loops until shutdown. Probe interval and timeout are re-read from
// the config snapshot after every migration, so a hot-reload of the
// health section takes effect without a restart.
func (c *Checker) Run() {
	cfg := c.state.Config()
	interval := cfg.HealthInterval()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	configCh, cancel := c.state.SubscribeConfig()
	defer cancel()

	logging.Info("health checker started",
		logging.Duration("interval", interval),
		logging.Duration("timeout", cfg.HealthTimeout()))

	for {
		select {
		case <-c.state.ShutdownCh():
			logging.Info("health checker stopped")
			return

		case failure := <-c.state.Failures():
			c.handleFailure(failure)

		case <-ticker.C:
			c.probeAll(c.state.Config().HealthTimeout())

		case ev, ok := <-configCh:
			if !ok {
				continue
			}
			if ev.Kind == events.ConfigMigrated {
				if next := c.state.Config().HealthInterval(); next != interval {
					interval = next
					ticker.Reset(interval)
				}
			}
		}
	}
}

// handleFailure marks the reported backend down immediately
func (c *Checker) handleFailure(failure events.BackendFailure) {
	b, ok := c.state.RouteTable().Get(failure.BackendID)
	if !ok {
		// Usually a backend removed between the report and now.
		logging.Warn("failure report for unknown backend",
			logging.Int("backend_id", int(failure.BackendID)),
			logging.String("reason", failure.Reason))
		return
	}
	changed := b.SetAlive(false)
	b.StampHealthCheck(time.Now())
	if changed {
		c.state.PublishHealth(events.HealthEvent{BackendID: b.ID(), Up: false})
		logging.Warn("backend down (proxy-reported)",
			logging.Int("backend_id", int(b.ID())),
			logging.String("address", b.Address()),
			logging.String("reason", failure.Reason))
	}
}

// probeAll probes every idle, non-draining backend concurrently
func (c *Checker) probeAll(timeout time.Duration) {
	var wg sync.WaitGroup
	for _, b := range c.state.RouteTable().All() {
		if b.IsDraining() || b.ActiveConnections() > 0 {
			continue
		}
		wg.Add(1)
		go func(b *backend.Backend) {
			defer wg.Done()
			c.probe(b, timeout)
		}(b)
	}
	wg.Wait()
}

// probe attempts a TCP connect and applies the verdict
func (c *Checker) probe(b *backend.Backend, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", b.Address())
	if conn != nil {
		conn.Close()
	}

	alive := err == nil
	changed := b.SetAlive(alive)
	b.StampHealthCheck(time.Now())

	if changed {
		c.state.PublishHealth(events.HealthEvent{BackendID: b.ID(), Up: alive})
		if alive {
			logging.Info("backend up",
				logging.Int("backend_id", int(b.ID())),
				logging.String("address", b.Address()))
		} else {
			logging.Warn("backend down",
				logging.Int("backend_id", int(b.ID())),
				logging.String("address", b.Address()),
				logging.Err(err))
		}
	}
}
