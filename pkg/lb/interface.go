package lb

import (
	"errors"
	"fmt"

	"github.com/aquemy/ballast/pkg/backend"
	"github.com/aquemy/ballast/pkg/config"
)

// ErrNoHealthyBackend is returned when the selectable set is empty
var ErrNoHealthyBackend = errors.New("no healthy backend available")

// Strategy defines the interface for load balancing algorithms. A Pick
// call observes a single consistent selectable set and must break ties
// deterministically.
type Strategy interface {
	// Pick selects a backend for a new connection
	Pick() (*backend.Backend, error)

	// Name returns the name of the load balancing algorithm
	Name() string
}

// New builds a strategy from its config tag. Strategy state starts
// fresh; a strategy swapped in during migration does not inherit the
// previous one's rotation.
func New(tag string, table *backend.Table) (Strategy, error) {
	switch tag {
	case config.StrategyRoundRobin:
		return NewRoundRobin(table), nil
	case config.StrategyLeastConnections:
		return NewLeastConnections(table), nil
	case config.StrategyWeightedRoundRobin:
		return NewWeightedRoundRobin(table), nil
	case config.StrategyFastestResponseTime:
		return NewFastestResponseTime(table), nil
	case config.StrategyAdaptive:
		return NewAdaptive(table), nil
	default:
		return nil, fmt.Errorf("unsupported load balancer strategy: %s", tag)
	}
}
