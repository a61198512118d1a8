package membership

import (
	"net/netip"

	"github.com/moby/mcastkit/api"
)

// The methods below run one transaction each. Mutations never return
// errors: invalid input is logged and reported as "no change".

// Add records that i joined g through ap. It returns false if the triple
// was already recorded or is invalid.
func (idx *Index) Add(g api.GroupKey, i api.InterfaceKey, ap api.AttachmentPoint) bool {
	var added bool
	err := idx.Update(func(tx Tx) error {
		var err error
		added, err = tx.Add(g, i, ap)
		return err
	})
	if err != nil {
		logger().WithError(err).Debug("ignoring membership")
		return false
	}
	return added
}

// Remove deletes the triple. It returns false if it was not recorded.
func (idx *Index) Remove(g api.GroupKey, i api.InterfaceKey, ap api.AttachmentPoint) bool {
	var removed bool
	err := idx.Update(func(tx Tx) error {
		var err error
		removed, err = tx.Remove(g, i, ap)
		return err
	})
	if err != nil {
		logger().WithError(err).Debug("ignoring membership removal")
		return false
	}
	return removed
}

// Replace moves (g, i) from one attachment point to another in a single
// transaction, so readers never observe the interface without an
// attachment point. It returns whether anything changed.
func (idx *Index) Replace(g api.GroupKey, i api.InterfaceKey, from, to api.AttachmentPoint) bool {
	var changed bool
	err := idx.Update(func(tx Tx) error {
		removed, err := tx.Remove(g, i, from)
		if err != nil {
			return err
		}
		added, err := tx.Add(g, i, to)
		if err != nil {
			return err
		}
		changed = removed || added
		return nil
	})
	if err != nil {
		logger().WithError(err).Debug("ignoring membership replacement")
		return false
	}
	return changed
}

// DeleteGroup removes every member of g and returns how many triples were
// removed.
func (idx *Index) DeleteGroup(g api.GroupKey) int {
	var n int
	err := idx.Update(func(tx Tx) error {
		var err error
		n, err = tx.DeleteGroup(g)
		return err
	})
	if err != nil {
		logger().WithError(err).Debug("ignoring group deletion")
		return 0
	}
	return n
}

// DeleteInterface removes i from every group and returns how many triples
// were removed.
func (idx *Index) DeleteInterface(i api.InterfaceKey) int {
	var n int
	err := idx.Update(func(tx Tx) error {
		var err error
		n, err = tx.DeleteInterface(i)
		return err
	})
	if err != nil {
		logger().WithError(err).Debug("ignoring interface deletion")
		return 0
	}
	return n
}

// Clear empties the index. Listeners see one EventRemoved per triple and
// then a single EventReset.
func (idx *Index) Clear() int {
	var n int
	err := idx.Update(func(tx Tx) error {
		var err error
		n, err = tx.Clear()
		return err
	})
	if err != nil {
		logger().WithError(err).Error("failed to clear membership index")
		return 0
	}
	return n
}

// Repartition re-resolves the rows stored under islands and the rows that
// had no island. It implements the partition hook of the island registry.
func (idx *Index) Repartition(islands []api.IslandID) int {
	var n int
	err := idx.Update(func(tx Tx) error {
		var err error
		n, err = tx.Repartition(islands)
		return err
	})
	if err != nil {
		logger().WithError(err).Error("failed to repartition membership index")
		return 0
	}
	return n
}

// SetGroupOptions installs the forwarding options of g.
func (idx *Index) SetGroupOptions(g api.GroupKey, opts api.GroupOptions) bool {
	err := idx.Update(func(tx Tx) error {
		return tx.SetGroupOptions(g, opts)
	})
	if err != nil {
		logger().WithError(err).Debug("ignoring group options")
		return false
	}
	return true
}

// DeleteGroupOptions removes the forwarding options of g.
func (idx *Index) DeleteGroupOptions(g api.GroupKey) bool {
	var deleted bool
	err := idx.Update(func(tx Tx) error {
		var err error
		deleted, err = tx.DeleteGroupOptions(g)
		return err
	})
	return err == nil && deleted
}

// GroupOptions returns the forwarding options of g.
func (idx *Index) GroupOptions(g api.GroupKey) (opts api.GroupOptions, ok bool) {
	idx.View(func(tx ReadTx) {
		opts, ok = tx.GroupOptions(g)
	})
	return
}

// QueryGroup returns the most specific known group matching a destination.
func (idx *Index) QueryGroup(addr netip.Addr, vlan api.VlanID, port uint16) (g api.GroupKey, ok bool) {
	idx.View(func(tx ReadTx) {
		g, ok = tx.QueryGroup(addr, vlan, port)
	})
	return
}

// Contains reports whether the exact triple is recorded.
func (idx *Index) Contains(g api.GroupKey, i api.InterfaceKey, ap api.AttachmentPoint) (ok bool) {
	idx.View(func(tx ReadTx) {
		ok = tx.Contains(g, i, ap)
	})
	return
}

// HasMember reports whether i has joined g.
func (idx *Index) HasMember(g api.GroupKey, i api.InterfaceKey) (ok bool) {
	idx.View(func(tx ReadTx) {
		ok = tx.HasMember(g, i)
	})
	return
}

// AttachmentPointsOf returns the attachment points of i for g.
func (idx *Index) AttachmentPointsOf(g api.GroupKey, i api.InterfaceKey) (aps []api.AttachmentPoint) {
	idx.View(func(tx ReadTx) {
		aps = tx.AttachmentPointsOf(g, i)
	})
	return
}

// InterfacesOf returns the members of g.
func (idx *Index) InterfacesOf(g api.GroupKey) (intfs []api.InterfaceKey) {
	idx.View(func(tx ReadTx) {
		intfs = tx.InterfacesOf(g)
	})
	return
}

// GroupsOf returns the groups i has joined.
func (idx *Index) GroupsOf(i api.InterfaceKey) (groups []api.GroupKey) {
	idx.View(func(tx ReadTx) {
		groups = tx.GroupsOf(i)
	})
	return
}

// AllGroups returns every group with at least one member.
func (idx *Index) AllGroups() (groups []api.GroupKey) {
	idx.View(func(tx ReadTx) {
		groups = tx.AllGroups()
	})
	return
}

// AllInterfaces returns every interface that joined at least one group.
func (idx *Index) AllInterfaces() (intfs []api.InterfaceKey) {
	idx.View(func(tx ReadTx) {
		intfs = tx.AllInterfaces()
	})
	return
}

// IsGroup reports whether g has at least one member.
func (idx *Index) IsGroup(g api.GroupKey) (ok bool) {
	idx.View(func(tx ReadTx) {
		ok = tx.IsGroup(g)
	})
	return
}

// IsInterface reports whether i joined at least one group.
func (idx *Index) IsInterface(i api.InterfaceKey) (ok bool) {
	idx.View(func(tx ReadTx) {
		ok = tx.IsInterface(i)
	})
	return
}

// InterfacesByMAC returns the recorded interfaces of mac on every VLAN.
func (idx *Index) InterfacesByMAC(mac api.MACAddr) (intfs []api.InterfaceKey) {
	idx.View(func(tx ReadTx) {
		intfs = tx.InterfacesByMAC(mac)
	})
	return
}

// Memberships returns every recorded triple.
func (idx *Index) Memberships() (ms []api.Membership) {
	idx.View(func(tx ReadTx) {
		ms = tx.Memberships()
	})
	return
}

// GroupsIn returns the groups with members in island.
func (idx *Index) GroupsIn(island api.IslandID) (groups []api.GroupKey) {
	idx.View(func(tx ReadTx) {
		groups = tx.GroupsIn(island)
	})
	return
}

// GroupView returns a snapshot view of g restricted to island.
func (idx *Index) GroupView(island api.IslandID, g api.GroupKey) (v *GroupView) {
	idx.View(func(tx ReadTx) {
		v = tx.GroupView(island, g)
	})
	return
}
