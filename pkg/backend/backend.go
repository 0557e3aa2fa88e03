package backend

import (
	"sync/atomic"
	"time"
)

// ID identifies a backend. The id space is 8-bit wide, matching the
// config schema, so a table never holds more than 256 entries.
type ID = uint8

// Status is the lifecycle state of a backend within the route table.
type Status int32

const (
	// StatusActive means the backend may receive new connections.
	StatusActive Status = iota

	// StatusDraining means the backend is being removed and must not
	// receive new connections. Draining is terminal: a draining backend
	// is deleted once its connections reach zero or the drain deadline
	// expires, never reactivated.
	StatusDraining
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Backend represents one configured TCP target.
//
// The id and address are immutable for the life of the struct; a config
// change that touches the address is modeled as a remove+add of a fresh
// Backend. Name and weight may be updated in place by a migration. All
// runtime state is atomic so the hot path never takes a lock.
type Backend struct {
	id      ID
	address string

	name   atomic.Pointer[string]
	weight atomic.Int32

	alive  atomic.Bool
	status atomic.Int32

	activeConnections atomic.Int64
	totalRequests     atomic.Uint64
	totalErrors       atomic.Uint64
	totalLatencyMS    atomic.Uint64

	lastHealthCheckMS   atomic.Int64
	lastMetricsUpdateMS atomic.Int64
}

// New creates a new backend. A zero or negative weight defaults to 1.
func New(id ID, name, address string, weight int) *Backend {
	if weight <= 0 {
		weight = 1
	}
	b := &Backend{
		id:      id,
		address: address,
	}
	b.name.Store(&name)
	b.weight.Store(int32(weight))
	b.alive.Store(true) // Start as alive
	b.status.Store(int32(StatusActive))
	return b
}

// ID returns the backend id
func (b *Backend) ID() ID {
	return b.id
}

// Name returns the backend name
func (b *Backend) Name() string {
	return *b.name.Load()
}

// Address returns the backend address
func (b *Backend) Address() string {
	return b.address
}

// Weight returns the backend weight
func (b *Backend) Weight() int {
	return int(b.weight.Load())
}

// UpdateMeta replaces the mutable metadata. Used when a migration keeps
// a backend but its name or weight changed. A zero or negative weight
// defaults to 1.
func (b *Backend) UpdateMeta(name string, weight int) {
	if weight <= 0 {
		weight = 1
	}
	b.name.Store(&name)
	b.weight.Store(int32(weight))
}

// IsAlive returns true if the backend passed its last health check
func (b *Backend) IsAlive() bool {
	return b.alive.Load()
}

// SetAlive stores the health verdict and reports whether it changed.
func (b *Backend) SetAlive(alive bool) (changed bool) {
	return b.alive.Swap(alive) != alive
}

// Status returns the lifecycle status
func (b *Backend) Status() Status {
	return Status(b.status.Load())
}

// BeginDrain moves the backend from active to draining. It reports false
// if the backend was already draining.
func (b *Backend) BeginDrain() bool {
	return b.status.CompareAndSwap(int32(StatusActive), int32(StatusDraining))
}

// IsDraining returns true if the backend is being drained
func (b *Backend) IsDraining() bool {
	return b.Status() == StatusDraining
}

// Selectable reports whether a strategy may hand new connections to this
// backend: alive and not draining.
func (b *Backend) Selectable() bool {
	return b.Status() == StatusActive && b.alive.Load()
}

// ActiveConnections returns the number of in-flight proxied connections
func (b *Backend) ActiveConnections() int64 {
	return b.activeConnections.Load()
}

// IncrementConnections increments the active connection count
func (b *Backend) IncrementConnections() {
	b.activeConnections.Add(1)
}

// DecrementConnections decrements the active connection count and
// returns the new value.
func (b *Backend) DecrementConnections() int64 {
	return b.activeConnections.Add(-1)
}

// TotalRequests returns the number of connections ever assigned
func (b *Backend) TotalRequests() uint64 {
	return b.totalRequests.Load()
}

// IncrementRequests increments the total request count
func (b *Backend) IncrementRequests() {
	b.totalRequests.Add(1)
}

// TotalErrors returns the number of failed connections
func (b *Backend) TotalErrors() uint64 {
	return b.totalErrors.Load()
}

// IncrementErrors increments the error count
func (b *Backend) IncrementErrors() {
	b.totalErrors.Add(1)
}

// TotalLatencyMS returns the cumulative connection duration in milliseconds
func (b *Backend) TotalLatencyMS() uint64 {
	return b.totalLatencyMS.Load()
}

// AddLatencyMS adds a completed connection's duration to the total
func (b *Backend) AddLatencyMS(ms uint64) {
	b.totalLatencyMS.Add(ms)
}

// AvgLatencyMS returns the mean connection duration. Backends that have
// not served a request yet report 0.
func (b *Backend) AvgLatencyMS() float64 {
	requests := b.totalRequests.Load()
	if requests == 0 {
		return 0
	}
	return float64(b.totalLatencyMS.Load()) / float64(requests)
}

// ErrorRate returns the fraction of requests that failed, in [0, 1].
func (b *Backend) ErrorRate() float64 {
	requests := b.totalRequests.Load()
	if requests == 0 {
		return 0
	}
	return float64(b.totalErrors.Load()) / float64(requests)
}

// StampHealthCheck records the time of the last health probe or verdict
func (b *Backend) StampHealthCheck(t time.Time) {
	b.lastHealthCheckMS.Store(t.UnixMilli())
}

// LastHealthCheckMS returns the epoch-millis of the last health update
func (b *Backend) LastHealthCheckMS() int64 {
	return b.lastHealthCheckMS.Load()
}

// StampMetricsUpdate records the time of the last aggregator pass
func (b *Backend) StampMetricsUpdate(t time.Time) {
	b.lastMetricsUpdateMS.Store(t.UnixMilli())
}

// LastMetricsUpdateMS returns the epoch-millis of the last aggregator pass
func (b *Backend) LastMetricsUpdateMS() int64 {
	return b.lastMetricsUpdateMS.Load()
}
