package lb

import (
	"sync/atomic"

	"github.com/aquemy/ballast/pkg/backend"
	"github.com/aquemy/ballast/pkg/config"
)

// RoundRobin implements round-robin load balancing
type RoundRobin struct {
	table   *backend.Table
	current atomic.Uint64
}

// NewRoundRobin creates a new round-robin load balancer
func NewRoundRobin(table *backend.Table) *RoundRobin {
	return &RoundRobin{
		table: table,
	}
}

// Pick selects the next backend in ascending id order. The counter keeps
// advancing across set changes, so after a membership change rotation
// continues from wherever it was.
func (rr *RoundRobin) Pick() (*backend.Backend, error) {
	backends := rr.table.Selectable()
	if len(backends) == 0 {
		return nil, ErrNoHealthyBackend
	}

	// Atomically increment and get the next index
	next := rr.current.Add(1)
	index := (next - 1) % uint64(len(backends))

	return backends[index], nil
}

// Name returns the algorithm name
func (rr *RoundRobin) Name() string {
	return config.StrategyRoundRobin
}
