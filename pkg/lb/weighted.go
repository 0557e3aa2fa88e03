package lb

import (
	"sync"

	"github.com/aquemy/ballast/pkg/backend"
	"github.com/aquemy/ballast/pkg/config"
)

// WeightedRoundRobin implements smooth weighted round-robin (the nginx
// SWRR variant): backends with higher weights receive proportionally
// more connections, interleaved rather than bunched.
type WeightedRoundRobin struct {
	table *backend.Table

	// currentWeight is keyed by backend id, so rotation state survives
	// membership changes over the intersection of old and new sets.
	mu            sync.Mutex
	currentWeight map[backend.ID]int64
}

// NewWeightedRoundRobin creates a new weighted round-robin load balancer
func NewWeightedRoundRobin(table *backend.Table) *WeightedRoundRobin {
	return &WeightedRoundRobin{
		table:         table,
		currentWeight: make(map[backend.ID]int64),
	}
}

// Pick selects a backend using smooth weighted round-robin. On each call
// every selectable backend's current weight grows by its effective
// weight; the largest current weight wins and pays the total back. For
// weights 5,1,1 this yields A,A,B,A,C,A,A rather than A,A,A,A,A,B,C.
func (wrr *WeightedRoundRobin) Pick() (*backend.Backend, error) {
	backends := wrr.table.Selectable()
	if len(backends) == 0 {
		return nil, ErrNoHealthyBackend
	}

	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	// Drop state for ids that left the selectable set.
	inSet := make(map[backend.ID]bool, len(backends))
	for _, b := range backends {
		inSet[b.ID()] = true
	}
	for id := range wrr.currentWeight {
		if !inSet[id] {
			delete(wrr.currentWeight, id)
		}
	}

	var total int64
	var selected *backend.Backend
	var best int64
	for _, b := range backends {
		effective := int64(b.Weight())
		total += effective
		cw := wrr.currentWeight[b.ID()] + effective
		wrr.currentWeight[b.ID()] = cw
		// Strict > keeps the lower id on ties; backends iterate in
		// ascending id order.
		if selected == nil || cw > best {
			selected = b
			best = cw
		}
	}

	wrr.currentWeight[selected.ID()] -= total

	return selected, nil
}

// Name returns the algorithm name
func (wrr *WeightedRoundRobin) Name() string {
	return config.StrategyWeightedRoundRobin
}
