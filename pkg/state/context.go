package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aquemy/ballast/pkg/backend"
	"github.com/aquemy/ballast/pkg/config"
	"github.com/aquemy/ballast/pkg/events"
	"github.com/aquemy/ballast/pkg/lb"
)

// DrainResult is the outcome of a drain wait
type DrainResult int

const (
	// Drained means every draining backend reached zero connections
	Drained DrainResult = iota

	// DrainTimedOut means the deadline expired with connections still open
	DrainTimedOut
)

// strategyHolder wraps the strategy interface so it can sit behind an
// atomic pointer.
type strategyHolder struct {
	strategy lb.Strategy
}

// Context is the shared state every component hangs off: the current
// config snapshot, the route table, the active strategy and the event
// buses. Hot-path reads (config, table lookups, strategy) are lock-free
// pointer loads; writers swap pointers under the migration lock.
type Context struct {
	cfg      atomic.Pointer[config.Config]
	table    *backend.Table
	strategy atomic.Pointer[strategyHolder]

	configBus     *events.Bus[events.ConfigEvent]
	healthBus     *events.Bus[events.HealthEvent]
	connectionBus *events.Bus[events.ConnectionEvent]
	failures      chan events.BackendFailure

	// migrateMu serializes migrations. Readers never take it.
	migrateMu sync.Mutex

	// draining tracks backends being drained, including ones already
	// evicted from the table (address changes). drainCh is a wake-all
	// notifier: it is closed and replaced on every notify, and waiters
	// re-check their predicate after each wake.
	drainMu  sync.Mutex
	draining map[*backend.Backend]struct{}
	drainCh  chan struct{}

	conns *connRegistry

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a Context from the initial config snapshot. The snapshot
// must already be validated.
func New(cfg *config.Config) (*Context, error) {
	c := &Context{
		table:         backend.NewTable(),
		configBus:     events.NewBus[events.ConfigEvent](cfg.Runtime.MetricsCap),
		healthBus:     events.NewBus[events.HealthEvent](cfg.Runtime.MetricsCap),
		connectionBus: events.NewBus[events.ConnectionEvent](cfg.Runtime.MetricsCap),
		failures:      make(chan events.BackendFailure, cfg.Runtime.HealthCap),
		draining:      make(map[*backend.Backend]struct{}),
		drainCh:       make(chan struct{}),
		conns:         newConnRegistry(),
		shutdownCh:    make(chan struct{}),
	}

	for _, bc := range cfg.Backends {
		c.table.Insert(backend.New(bc.ID, bc.Name, bc.Address, bc.Weight))
	}

	strategy, err := lb.New(cfg.Strategy, c.table)
	if err != nil {
		return nil, err
	}
	c.strategy.Store(&strategyHolder{strategy: strategy})
	c.cfg.Store(cfg)

	return c, nil
}

// Config returns the current config snapshot. A caller that loaded an
// earlier snapshot keeps observing it consistently until it reloads.
func (c *Context) Config() *config.Config {
	return c.cfg.Load()
}

// RouteTable returns the shared route table handle
func (c *Context) RouteTable() *backend.Table {
	return c.table
}

// Strategy returns the active strategy
func (c *Context) Strategy() lb.Strategy {
	return c.strategy.Load().strategy
}

// SetStrategy atomically swaps the active strategy. The old strategy's
// state is discarded.
func (c *Context) SetStrategy(s lb.Strategy) {
	c.strategy.Store(&strategyHolder{strategy: s})
}

// SubscribeConfig returns a subscription to config lifecycle events
func (c *Context) SubscribeConfig() (<-chan events.ConfigEvent, func()) {
	return c.configBus.Subscribe()
}

// SubscribeHealth returns a subscription to backend up/down events
func (c *Context) SubscribeHealth() (<-chan events.HealthEvent, func()) {
	return c.healthBus.Subscribe()
}

// SubscribeConnections returns a subscription to connection events
func (c *Context) SubscribeConnections() (<-chan events.ConnectionEvent, func()) {
	return c.connectionBus.Subscribe()
}

// PublishConfig broadcasts a config event
func (c *Context) PublishConfig(ev events.ConfigEvent) {
	c.configBus.Publish(ev)
}

// PublishHealth broadcasts a health transition event
func (c *Context) PublishHealth(ev events.HealthEvent) {
	c.healthBus.Publish(ev)
}

// PublishConnection broadcasts a connection lifecycle event
func (c *Context) PublishConnection(ev events.ConnectionEvent) {
	c.connectionBus.Publish(ev)
}

// ReportFailure hands a proxy-observed backend failure to the health
// checker. The channel is bounded; when it is full the send blocks until
// the checker catches up or shutdown begins.
func (c *Context) ReportFailure(f events.BackendFailure) {
	select {
	case c.failures <- f:
	case <-c.shutdownCh:
	}
}

// Failures returns the point-to-point failure channel consumed by the
// health checker.
func (c *Context) Failures() <-chan events.BackendFailure {
	return c.failures
}

// Shutdown broadcasts the one-shot shutdown signal. Idempotent.
func (c *Context) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.shutdownCh)
	})
}

// ShutdownCh returns the channel closed on shutdown
func (c *Context) ShutdownCh() <-chan struct{} {
	return c.shutdownCh
}

// IsShuttingDown reports whether shutdown has been broadcast
func (c *Context) IsShuttingDown() bool {
	select {
	case <-c.shutdownCh:
		return true
	default:
		return false
	}
}

// beginDrain registers a backend in the draining set
func (c *Context) beginDrain(b *backend.Backend) {
	c.drainMu.Lock()
	c.draining[b] = struct{}{}
	c.drainMu.Unlock()
}

// endDrain removes a backend from the draining set and wakes waiters so
// aggregate predicates re-evaluate.
func (c *Context) endDrain(b *backend.Backend) {
	c.drainMu.Lock()
	delete(c.draining, b)
	ch := c.drainCh
	c.drainCh = make(chan struct{})
	c.drainMu.Unlock()
	close(ch)
}

// NotifyDrain wakes every drain waiter. Called by the proxy when a
// draining backend's connection count reaches zero. A single wake-all is
// enough because waiters re-check their predicate on wake.
func (c *Context) NotifyDrain() {
	c.drainMu.Lock()
	ch := c.drainCh
	c.drainCh = make(chan struct{})
	c.drainMu.Unlock()
	close(ch)
}

// drainWaitCh returns the current notifier channel
func (c *Context) drainWaitCh() <-chan struct{} {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	return c.drainCh
}

// drainingConnections sums active connections across every draining
// backend: the ones still in the table plus any already evicted by an
// address change.
func (c *Context) drainingConnections() int64 {
	var total int64
	seen := make(map[*backend.Backend]struct{})
	for _, b := range c.table.Draining() {
		total += b.ActiveConnections()
		seen[b] = struct{}{}
	}
	c.drainMu.Lock()
	for b := range c.draining {
		if _, ok := seen[b]; !ok {
			total += b.ActiveConnections()
		}
	}
	c.drainMu.Unlock()
	return total
}

// WaitForDrain blocks until every draining backend reaches zero active
// connections, or the timeout expires.
func (c *Context) WaitForDrain(timeout time.Duration) DrainResult {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		ch := c.drainWaitCh()
		if c.drainingConnections() == 0 {
			return Drained
		}
		select {
		case <-ch:
		case <-deadline.C:
			return DrainTimedOut
		}
	}
}

// RegisterConn records an open proxied pair so drain timeouts and
// shutdown can force-close it. The returned func deregisters it.
func (c *Context) RegisterConn(target *backend.Backend, closer func()) func() {
	return c.conns.register(target, closer)
}

// ForceCloseBackend force-closes every registered connection routed to
// the given backend instance and returns how many were closed.
func (c *Context) ForceCloseBackend(target *backend.Backend) int {
	return c.conns.forceClose(target)
}

// ForceCloseAll force-closes every registered connection
func (c *Context) ForceCloseAll() int {
	return c.conns.forceCloseAll()
}

// ActiveConnections sums active connections across every backend in the
// table plus any backends still draining off-table.
func (c *Context) ActiveConnections() int64 {
	var total int64
	seen := make(map[*backend.Backend]struct{})
	for _, b := range c.table.All() {
		total += b.ActiveConnections()
		seen[b] = struct{}{}
	}
	c.drainMu.Lock()
	for b := range c.draining {
		if _, ok := seen[b]; !ok {
			total += b.ActiveConnections()
		}
	}
	c.drainMu.Unlock()
	return total
}
