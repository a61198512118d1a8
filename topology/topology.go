package topology

import (
	"github.com/moby/mcastkit/api"
)

// Topology resolves switches to the island they currently belong to.
type Topology interface {
	// IslandOf returns the island of sw, or false when the switch is
	// unknown.
	IslandOf(sw api.SwitchID) (api.IslandID, bool)
	// Islands returns every island of the fabric.
	Islands() []api.Island
}

// Observer is notified after the island structure of the fabric changed.
// The ids passed include both the islands that existed before the change
// and the ones that exist after it.
type Observer interface {
	// IslandsMerged is called when islands were combined or grew.
	IslandsMerged(ids []api.IslandID)
	// IslandsSplit is called when an island broke apart, shrank or
	// disappeared.
	IslandsSplit(ids []api.IslandID)
}

// PortFilter tells whether a port faces hosts rather than other switches.
type PortFilter interface {
	IsAttachmentPointPort(ap api.AttachmentPoint) bool
}
