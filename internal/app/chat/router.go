package chat

import "github.com/samber/lo"

// Router resolves broadcast targets from the Registry's current membership.
// It keeps no state of its own.
type Router struct {
	registry *Registry
}

// NewRouter returns a Router reading from registry.
func NewRouter(registry *Registry) Router {
	return Router{registry: registry}
}

// Targets returns the transports joined to room, minus the one identified by exclude.
// The membership is read in one snapshot; sends happen after the lock is released.
func (r Router) Targets(room RoomID, exclude ConnID) []Transport {
	return lo.Filter(r.registry.Snapshot(room), func(t Transport, _ int) bool {
		return t.ID() != exclude
	})
}
