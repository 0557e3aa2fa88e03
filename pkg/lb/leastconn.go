package lb

import (
	"github.com/aquemy/ballast/pkg/backend"
	"github.com/aquemy/ballast/pkg/config"
)

// LeastConnections implements least-connections load balancing
type LeastConnections struct {
	table *backend.Table
}

// NewLeastConnections creates a new least-connections load balancer
func NewLeastConnections(table *backend.Table) *LeastConnections {
	return &LeastConnections{
		table: table,
	}
}

// Pick selects the backend with the fewest active connections. Ties go
// to the lower id: candidates arrive in ascending id order and only a
// strictly smaller count displaces the current choice.
func (lc *LeastConnections) Pick() (*backend.Backend, error) {
	backends := lc.table.Selectable()
	if len(backends) == 0 {
		return nil, ErrNoHealthyBackend
	}

	selected := backends[0]
	minConnections := selected.ActiveConnections()

	for _, b := range backends[1:] {
		if connections := b.ActiveConnections(); connections < minConnections {
			selected = b
			minConnections = connections
		}
	}

	return selected, nil
}

// Name returns the algorithm name
func (lc *LeastConnections) Name() string {
	return config.StrategyLeastConnections
}
