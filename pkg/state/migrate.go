package state

import (
	"github.com/aquemy/ballast/pkg/backend"
	"github.com/aquemy/ballast/pkg/config"
	"github.com/aquemy/ballast/pkg/events"
	"github.com/aquemy/ballast/pkg/lb"
	"github.com/aquemy/ballast/pkg/logging"
)

// Migrate replaces the current config snapshot with next, reconciling
// the route table, strategy and listener without dropping in-flight
// connections:
//
//   - added ids get a fresh Backend with zeroed counters
//   - removed ids drain (no new connections) and leave the table once
//     their connections hit zero or the drain timeout expires, whatever
//     sockets remain then are force-closed
//   - kept ids whose address changed are treated as removed+added, so
//     live sockets keep talking to the old endpoint while new picks go
//     to the new one
//   - kept ids with a name or weight change are updated in place
//
// Migrations are serialized; readers never block and keep whatever
// snapshot generation they already loaded. Migrating a snapshot onto
// itself is a no-op: no counter changes, no drains, no health events.
func (c *Context) Migrate(next *config.Config) error {
	c.migrateMu.Lock()
	defer c.migrateMu.Unlock()

	if err := next.Validate(); err != nil {
		return err
	}

	current := c.Config()

	nextByID := make(map[backend.ID]config.BackendConfig, len(next.Backends))
	for _, bc := range next.Backends {
		nextByID[bc.ID] = bc
	}

	var toDrain []*backend.Backend

	for _, b := range c.table.All() {
		bc, kept := nextByID[b.ID()]
		switch {
		case !kept:
			// Removed: drain in place. Selectable() already excludes
			// draining backends, so no new picks land here.
			b.BeginDrain()
			c.beginDrain(b)
			toDrain = append(toDrain, b)
			logging.Info("backend removed, draining",
				logging.Int("backend_id", int(b.ID())),
				logging.String("address", b.Address()))

		case bc.Address != b.Address():
			// Address change: remove+add so live sockets stay on the
			// old endpoint. The old instance drains off-table while the
			// fresh one takes over the id immediately.
			b.BeginDrain()
			c.beginDrain(b)
			c.table.Remove(b.ID())
			c.table.Insert(backend.New(bc.ID, bc.Name, bc.Address, bc.Weight))
			toDrain = append(toDrain, b)
			logging.Info("backend address changed, draining old endpoint",
				logging.Int("backend_id", int(b.ID())),
				logging.String("old_address", b.Address()),
				logging.String("new_address", bc.Address))

		default:
			if bc.Name != b.Name() || bc.Weight != b.Weight() {
				b.UpdateMeta(bc.Name, bc.Weight)
			}
		}
	}

	for _, bc := range next.Backends {
		if _, exists := c.table.Get(bc.ID); !exists {
			c.table.Insert(backend.New(bc.ID, bc.Name, bc.Address, bc.Weight))
			logging.Info("backend added",
				logging.Int("backend_id", int(bc.ID)),
				logging.String("address", bc.Address))
		}
	}

	if next.Strategy != current.Strategy {
		strategy, err := lb.New(next.Strategy, c.table)
		if err != nil {
			return err
		}
		c.SetStrategy(strategy)
		logging.Info("strategy swapped",
			logging.String("from", current.Strategy),
			logging.String("to", next.Strategy))
	}

	if next.Proxy.ListenAddress != current.Proxy.ListenAddress {
		c.PublishConfig(events.ConfigEvent{
			Kind:          events.ListenAddressChanged,
			ListenAddress: next.Proxy.ListenAddress,
		})
	}

	if len(toDrain) > 0 {
		result := c.WaitForDrain(next.DrainTimeout())
		for _, b := range toDrain {
			if result == DrainTimedOut && b.ActiveConnections() > 0 {
				closed := c.ForceCloseBackend(b)
				logging.Warn("drain timeout, force-closing connections",
					logging.Int("backend_id", int(b.ID())),
					logging.Int("closed", closed))
			}
			// Address-change drains were evicted already; make sure a
			// removed id leaves the table but never evict a successor
			// that took over the id.
			if cur, ok := c.table.Get(b.ID()); ok && cur == b {
				c.table.Remove(b.ID())
			}
			c.endDrain(b)
		}
	}

	c.cfg.Store(next)
	c.PublishConfig(events.ConfigEvent{Kind: events.ConfigMigrated})

	return nil
}
