package lb

import (
	"github.com/aquemy/ballast/pkg/backend"
	"github.com/aquemy/ballast/pkg/config"
)

// Adaptive score coefficients. Latency dominates, then load, then error
// rate; weight is subtracted so heavier backends win close calls.
const (
	alphaLatency = 0.4
	betaActive   = 0.3
	gammaErrors  = 0.2
	deltaWeight  = 0.1
)

// Adaptive scores every selectable backend from its live counters and
// routes to the lowest score.
type Adaptive struct {
	table *backend.Table
}

// NewAdaptive creates a new adaptive load balancer
func NewAdaptive(table *backend.Table) *Adaptive {
	return &Adaptive{
		table: table,
	}
}

// Pick computes, per backend,
//
//	score = α·norm(avg_latency) + β·norm(active) + γ·norm(error_rate) − δ·norm(weight)
//
// where norm is min-max normalization over the current selectable set
// (zero when max == min), and selects the minimum. Ties go to the lower
// id.
func (a *Adaptive) Pick() (*backend.Backend, error) {
	backends := a.table.Selectable()
	if len(backends) == 0 {
		return nil, ErrNoHealthyBackend
	}
	if len(backends) == 1 {
		return backends[0], nil
	}

	n := len(backends)
	latency := make([]float64, n)
	active := make([]float64, n)
	errRate := make([]float64, n)
	weight := make([]float64, n)
	for i, b := range backends {
		latency[i] = b.AvgLatencyMS()
		active[i] = float64(b.ActiveConnections())
		errRate[i] = b.ErrorRate()
		weight[i] = float64(b.Weight())
	}
	normalize(latency)
	normalize(active)
	normalize(errRate)
	normalize(weight)

	selected := backends[0]
	best := alphaLatency*latency[0] + betaActive*active[0] + gammaErrors*errRate[0] - deltaWeight*weight[0]
	for i, b := range backends[1:] {
		j := i + 1
		score := alphaLatency*latency[j] + betaActive*active[j] + gammaErrors*errRate[j] - deltaWeight*weight[j]
		if score < best {
			selected = b
			best = score
		}
	}

	return selected, nil
}

// normalize rescales values to [0, 1] in place. A flat series maps to
// all zeros.
func normalize(values []float64) {
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := max - min
	for i, v := range values {
		if span == 0 {
			values[i] = 0
		} else {
			values[i] = (v - min) / span
		}
	}
}

// Name returns the algorithm name
func (a *Adaptive) Name() string {
	return config.StrategyAdaptive
}
