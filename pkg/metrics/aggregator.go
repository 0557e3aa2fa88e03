package metrics

import (
	"time"

	"github.com/aquemy/ballast/pkg/backend"
	"github.com/aquemy/ballast/pkg/events"
	"github.com/aquemy/ballast/pkg/logging"
	"github.com/aquemy/ballast/pkg/state"
)

// Row is one backend's counters at a point in time
type Row struct {
	ID                backend.ID `json:"id"`
	Name              string     `json:"name"`
	Address           string     `json:"address"`
	Alive             bool       `json:"alive"`
	Status            string     `json:"status"`
	ActiveConnections int64      `json:"active_connections"`
	TotalRequests     uint64     `json:"total_requests"`
	TotalErrors       uint64     `json:"total_errors"`
	AvgLatencyMS      float64    `json:"avg_latency_ms"`
}

// Aggregator periodically reads the per-backend atomic counters,
// stamps them and refreshes the exported gauges. It never writes a
// counter itself; the proxy owns per-request accounting.
type Aggregator struct {
	state *state.Context
}

// NewAggregator creates an aggregator bound to the shared context
func NewAggregator(st *state.Context) *Aggregator {
	return &Aggregator{state: st}
}

// Run loops until shutdown, re-reading the interval after migrations.
func (a *Aggregator) Run() {
	interval := a.state.Config().MetricsInterval()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	configCh, cancel := a.state.SubscribeConfig()
	defer cancel()

	logging.Info("metrics aggregator started", logging.Duration("interval", interval))

	for {
		select {
		case <-a.state.ShutdownCh():
			logging.Info("metrics aggregator stopped")
			return

		case <-ticker.C:
			a.aggregate(time.Now())

		case ev, ok := <-configCh:
			if !ok {
				continue
			}
			if ev.Kind == events.ConfigMigrated {
				if next := a.state.Config().MetricsInterval(); next != interval {
					interval = next
					ticker.Reset(interval)
				}
			}
		}
	}
}

// aggregate stamps every backend and pushes its counters to the gauges
func (a *Aggregator) aggregate(now time.Time) {
	for _, b := range a.state.RouteTable().All() {
		b.StampMetricsUpdate(now)

		name := b.Name()
		SetBackendConnectionsActive(name, b.ActiveConnections())
		SetBackendAlive(name, b.IsAlive())
		SetBackendAvgLatency(name, b.AvgLatencyMS())
	}
}

// Snapshot returns one consistent pass over the table's counters, in
// ascending id order. Counters are read live; two rows may straddle a
// concurrent update, which is fine for reporting.
func (a *Aggregator) Snapshot() []Row {
	backends := a.state.RouteTable().All()
	rows := make([]Row, 0, len(backends))
	for _, b := range backends {
		rows = append(rows, Row{
			ID:                b.ID(),
			Name:              b.Name(),
			Address:           b.Address(),
			Alive:             b.IsAlive(),
			Status:            b.Status().String(),
			ActiveConnections: b.ActiveConnections(),
			TotalRequests:     b.TotalRequests(),
			TotalErrors:       b.TotalErrors(),
			AvgLatencyMS:      b.AvgLatencyMS(),
		})
	}
	return rows
}
