package lb

import (
	"github.com/aquemy/ballast/pkg/backend"
	"github.com/aquemy/ballast/pkg/config"
)

// warmupRequests is the number of completed requests before a backend's
// measured latency takes part in the comparison. Below the threshold the
// backend scores a latency of zero, which keeps new backends favoured
// until they have seen enough traffic to be judged.
const warmupRequests = 10

// FastestResponseTime routes to the backend with the lowest average
// connection duration.
type FastestResponseTime struct {
	table *backend.Table
}

// NewFastestResponseTime creates a new fastest-response-time load balancer
func NewFastestResponseTime(table *backend.Table) *FastestResponseTime {
	return &FastestResponseTime{
		table: table,
	}
}

// Pick selects the backend with the lowest average latency. Ties break
// by fewer active connections, then by lower id (candidates iterate in
// ascending id order, so strict comparisons keep the lower id).
func (fr *FastestResponseTime) Pick() (*backend.Backend, error) {
	backends := fr.table.Selectable()
	if len(backends) == 0 {
		return nil, ErrNoHealthyBackend
	}

	selected := backends[0]
	bestLatency := scoredLatency(selected)
	bestActive := selected.ActiveConnections()

	for _, b := range backends[1:] {
		latency := scoredLatency(b)
		active := b.ActiveConnections()
		if latency < bestLatency || (latency == bestLatency && active < bestActive) {
			selected = b
			bestLatency = latency
			bestActive = active
		}
	}

	return selected, nil
}

// scoredLatency is the average latency used for comparison, zero while
// the backend is still warming up.
func scoredLatency(b *backend.Backend) float64 {
	if b.TotalRequests() < warmupRequests {
		return 0
	}
	return b.AvgLatencyMS()
}

// Name returns the algorithm name
func (fr *FastestResponseTime) Name() string {
	return config.StrategyFastestResponseTime
}
