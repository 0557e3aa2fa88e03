package events

import "github.com/aquemy/ballast/pkg/backend"

// ConfigEventKind discriminates configuration lifecycle events
type ConfigEventKind int

const (
	// ConfigMigrated is published after a migration completed and the
	// new snapshot is installed.
	ConfigMigrated ConfigEventKind = iota

	// ListenAddressChanged is published when a migration changed the
	// proxy listen address; the proxy rebinds in response.
	ListenAddressChanged
)

// ConfigEvent is broadcast on the config bus
type ConfigEvent struct {
	Kind ConfigEventKind

	// ListenAddress carries the new listen address for
	// ListenAddressChanged events.
	ListenAddress string
}

// HealthEvent is broadcast whenever a backend transitions between alive
// and down.
type HealthEvent struct {
	BackendID backend.ID
	Up        bool
}

// ConnectionEventKind discriminates connection lifecycle events
type ConnectionEventKind int

const (
	// ConnectionOpened is published after a backend was assigned
	ConnectionOpened ConnectionEventKind = iota

	// ConnectionClosed is published once the proxied pair finished
	ConnectionClosed
)

// ConnectionEvent is broadcast on the connection bus. Within one
// connection, Opened always precedes Closed; across connections no
// ordering is guaranteed.
type ConnectionEvent struct {
	Kind       ConnectionEventKind
	BackendID  backend.ID
	ConnID     string
	ClientAddr string

	// Closed-only fields
	DurationMS int64
	BytesIn    int64
	BytesOut   int64
	OK         bool
}

// BackendFailure reports a proxy-observed failure (dial error or copy
// error) to the health checker. It travels on a bounded point-to-point
// channel, not a broadcast bus.
type BackendFailure struct {
	BackendID backend.ID
	Reason    string
}
