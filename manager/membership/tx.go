package membership

import (
	"net/netip"
	"sort"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/moby/mcastkit/api"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidMembership is returned when a triple has an invalid group,
	// interface or attachment point.
	ErrInvalidMembership = errors.New("invalid membership")
	// ErrInvalidGroup is returned when a group key is not a valid
	// multicast group.
	ErrInvalidGroup = errors.New("invalid group")
)

// ReadTx is a read transaction. Every method answers from the same
// snapshot and returns freshly allocated, sorted slices.
type ReadTx interface {
	// Contains reports whether the exact triple is recorded.
	Contains(g api.GroupKey, i api.InterfaceKey, ap api.AttachmentPoint) bool
	// HasMember reports whether i has joined g at any attachment point.
	HasMember(g api.GroupKey, i api.InterfaceKey) bool
	AttachmentPointsOf(g api.GroupKey, i api.InterfaceKey) []api.AttachmentPoint
	InterfacesOf(g api.GroupKey) []api.InterfaceKey
	GroupsOf(i api.InterfaceKey) []api.GroupKey
	AllGroups() []api.GroupKey
	AllInterfaces() []api.InterfaceKey
	IsGroup(g api.GroupKey) bool
	IsInterface(i api.InterfaceKey) bool
	// InterfacesByMAC returns every recorded interface of mac, on any VLAN.
	InterfacesByMAC(mac api.MACAddr) []api.InterfaceKey
	// Memberships returns every recorded triple.
	Memberships() []api.Membership
	// GroupsIn returns the groups with at least one attachment point in
	// island.
	GroupsIn(island api.IslandID) []api.GroupKey
	// Stale returns the triples whose switch did not resolve to an island
	// when they were last written.
	Stale() []api.Membership

	GroupOptions(g api.GroupKey) (api.GroupOptions, bool)
	// QueryGroup returns the most specific known group for a destination:
	// address+VLAN+port, then address+VLAN, then address+port, then the
	// bare address.
	QueryGroup(addr netip.Addr, vlan api.VlanID, port uint16) (api.GroupKey, bool)

	// GroupView returns the view of g restricted to island.
	GroupView(island api.IslandID, g api.GroupKey) *GroupView
}

// Tx is a read/write transaction. Changes become visible to readers and
// events are published only when the transaction commits.
type Tx interface {
	ReadTx

	// Add records the triple. It returns false if the triple already
	// exists. An attachment point already recorded for (g, i) in the same
	// island is replaced.
	Add(g api.GroupKey, i api.InterfaceKey, ap api.AttachmentPoint) (bool, error)
	// Remove deletes the triple. It returns false if it was not recorded.
	Remove(g api.GroupKey, i api.InterfaceKey, ap api.AttachmentPoint) (bool, error)
	// DeleteGroup removes every triple of g and its options.
	DeleteGroup(g api.GroupKey) (int, error)
	// DeleteInterface removes every triple of i.
	DeleteInterface(i api.InterfaceKey) (int, error)
	// Clear removes every triple and every group option.
	Clear() (int, error)
	SetGroupOptions(g api.GroupKey, opts api.GroupOptions) error
	DeleteGroupOptions(g api.GroupKey) (bool, error)
	// Repartition re-resolves the island of every row stored under one of
	// islands, or under no island. It returns the number of rows whose
	// island changed.
	Repartition(islands []api.IslandID) (int, error)
}

type readTx struct {
	memDBTx *memdb.Txn
}

type tx struct {
	readTx
	resolver   IslandResolver
	changelist []api.Event
}

func (tx readTx) find(index string, args ...interface{}) []*entry {
	it, err := tx.memDBTx.Get(tableMembership, index, args...)
	if err != nil {
		// Only reachable through a schema mismatch.
		panic(err)
	}
	var out []*entry
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*entry))
	}
	return out
}

func (tx readTx) lookup(g api.GroupKey, i api.InterfaceKey, ap api.AttachmentPoint) *entry {
	obj, err := tx.memDBTx.First(tableMembership, indexID, g, i, ap)
	if err != nil || obj == nil {
		return nil
	}
	return obj.(*entry)
}

func (tx readTx) Contains(g api.GroupKey, i api.InterfaceKey, ap api.AttachmentPoint) bool {
	return tx.lookup(g, i, ap) != nil
}

func (tx readTx) HasMember(g api.GroupKey, i api.InterfaceKey) bool {
	obj, err := tx.memDBTx.First(tableMembership, indexGroupInterface, g, i)
	return err == nil && obj != nil
}

func (tx readTx) AttachmentPointsOf(g api.GroupKey, i api.InterfaceKey) []api.AttachmentPoint {
	entries := tx.find(indexGroupInterface, g, i)
	aps := make([]api.AttachmentPoint, 0, len(entries))
	for _, e := range entries {
		aps = append(aps, e.AttachmentPoint)
	}
	return api.SortAttachmentPoints(aps)
}

func (tx readTx) InterfacesOf(g api.GroupKey) []api.InterfaceKey {
	return interfacesOf(tx.find(indexGroup, g))
}

func (tx readTx) GroupsOf(i api.InterfaceKey) []api.GroupKey {
	return groupsOf(tx.find(indexInterface, i))
}

func (tx readTx) AllGroups() []api.GroupKey {
	return groupsOf(tx.find(indexGroup))
}

func (tx readTx) AllInterfaces() []api.InterfaceKey {
	return interfacesOf(tx.find(indexInterface))
}

func (tx readTx) IsGroup(g api.GroupKey) bool {
	obj, err := tx.memDBTx.First(tableMembership, indexGroup, g)
	return err == nil && obj != nil
}

func (tx readTx) IsInterface(i api.InterfaceKey) bool {
	obj, err := tx.memDBTx.First(tableMembership, indexInterface, i)
	return err == nil && obj != nil
}

func (tx readTx) InterfacesByMAC(mac api.MACAddr) []api.InterfaceKey {
	return interfacesOf(tx.find(indexMAC, mac))
}

func (tx readTx) Memberships() []api.Membership {
	return memberships(tx.find(indexID))
}

func (tx readTx) GroupsIn(island api.IslandID) []api.GroupKey {
	if island == api.IslandNone {
		return nil
	}
	return groupsOf(tx.find(indexIsland, island))
}

func (tx readTx) Stale() []api.Membership {
	return memberships(tx.find(indexIsland, api.IslandNone))
}

func (tx readTx) GroupOptions(g api.GroupKey) (api.GroupOptions, bool) {
	obj, err := tx.memDBTx.First(tableGroupOptions, indexID, g)
	if err != nil || obj == nil {
		return api.GroupOptions{}, false
	}
	return obj.(*optionsEntry).Options, true
}

func (tx readTx) QueryGroup(addr netip.Addr, vlan api.VlanID, port uint16) (api.GroupKey, bool) {
	for _, g := range []api.GroupKey{
		api.GroupWithVlanPort(addr, vlan, port),
		api.GroupWithVlan(addr, vlan),
		api.GroupWithPort(addr, port),
		api.GroupFromAddr(addr),
	} {
		if tx.IsGroup(g) {
			return g, true
		}
		if _, ok := tx.GroupOptions(g); ok {
			return g, true
		}
	}
	return api.GroupKey{}, false
}

func (tx readTx) GroupView(island api.IslandID, g api.GroupKey) *GroupView {
	// The view outlives the transaction, so it reads from its own
	// snapshot.
	return newGroupView(tx.memDBTx.Snapshot(), island, g)
}

func (tx *tx) Add(g api.GroupKey, i api.InterfaceKey, ap api.AttachmentPoint) (bool, error) {
	m := api.Membership{Group: g, Interface: i, AttachmentPoint: ap}
	if !m.Valid() {
		return false, errors.Wrapf(ErrInvalidMembership, "add %s", m)
	}
	if tx.lookup(g, i, ap) != nil {
		return false, nil
	}

	island := resolve(tx.resolver, ap)
	if island != api.IslandNone {
		for _, e := range tx.find(indexGroupInterface, g, i) {
			if e.Island == island {
				if err := tx.delete(e); err != nil {
					return false, err
				}
			}
		}
	}

	e := &entry{Membership: m, Island: island}
	if err := tx.memDBTx.Insert(tableMembership, e); err != nil {
		return false, errors.Wrapf(err, "add %s", m)
	}
	tx.changelist = append(tx.changelist, api.EventAdded{Membership: m})
	opCounter.WithValues("add").Inc()
	return true, nil
}

func (tx *tx) Remove(g api.GroupKey, i api.InterfaceKey, ap api.AttachmentPoint) (bool, error) {
	m := api.Membership{Group: g, Interface: i, AttachmentPoint: ap}
	if !m.Valid() {
		return false, errors.Wrapf(ErrInvalidMembership, "remove %s", m)
	}
	e := tx.lookup(g, i, ap)
	if e == nil {
		return false, nil
	}
	return true, tx.delete(e)
}

func (tx *tx) delete(e *entry) error {
	if err := tx.memDBTx.Delete(tableMembership, e); err != nil {
		return errors.Wrapf(err, "remove %s", e.Membership)
	}
	tx.changelist = append(tx.changelist, api.EventRemoved{Membership: e.Membership})
	opCounter.WithValues("remove").Inc()
	return nil
}

// deleteAll deletes the given rows in triple order.
func (tx *tx) deleteAll(entries []*entry) (int, error) {
	sortEntries(entries)
	for _, e := range entries {
		if err := tx.delete(e); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

func (tx *tx) DeleteGroup(g api.GroupKey) (int, error) {
	if !g.Valid() {
		return 0, errors.Wrapf(ErrInvalidGroup, "delete group %s", g)
	}
	n, err := tx.deleteAll(tx.find(indexGroup, g))
	if err != nil {
		return 0, err
	}
	if _, err := tx.DeleteGroupOptions(g); err != nil {
		return 0, err
	}
	if n > 0 {
		tx.changelist = append(tx.changelist, api.EventGroupCleared{Group: g})
	}
	return n, nil
}

func (tx *tx) DeleteInterface(i api.InterfaceKey) (int, error) {
	if !i.Valid() {
		return 0, errors.Wrapf(ErrInvalidMembership, "delete interface %s", i)
	}
	n, err := tx.deleteAll(tx.find(indexInterface, i))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		tx.changelist = append(tx.changelist, api.EventInterfaceCleared{Interface: i})
	}
	return n, nil
}

func (tx *tx) Clear() (int, error) {
	n, err := tx.deleteAll(tx.find(indexID))
	if err != nil {
		return 0, err
	}
	if _, err := tx.memDBTx.DeleteAll(tableGroupOptions, indexID); err != nil {
		return 0, errors.Wrap(err, "clear group options")
	}
	tx.changelist = append(tx.changelist, api.EventReset{})
	return n, nil
}

func (tx *tx) SetGroupOptions(g api.GroupKey, opts api.GroupOptions) error {
	if !g.Valid() {
		return errors.Wrapf(ErrInvalidGroup, "set options of %s", g)
	}
	return errors.Wrapf(tx.memDBTx.Insert(tableGroupOptions, &optionsEntry{Group: g, Options: opts}),
		"set options of %s", g)
}

func (tx *tx) DeleteGroupOptions(g api.GroupKey) (bool, error) {
	obj, err := tx.memDBTx.First(tableGroupOptions, indexID, g)
	if err != nil || obj == nil {
		return false, err
	}
	if err := tx.memDBTx.Delete(tableGroupOptions, obj); err != nil {
		return false, errors.Wrapf(err, "delete options of %s", g)
	}
	return true, nil
}

func (tx *tx) Repartition(islands []api.IslandID) (int, error) {
	seen := make(map[api.IslandID]struct{}, len(islands)+1)
	var rows []*entry
	for _, id := range append([]api.IslandID{api.IslandNone}, islands...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		rows = append(rows, tx.find(indexIsland, id)...)
	}

	moved := 0
	for _, e := range rows {
		island := resolve(tx.resolver, e.AttachmentPoint)
		if island == e.Island {
			continue
		}
		// Insert replaces the row with the same id and reindexes it.
		if err := tx.memDBTx.Insert(tableMembership, &entry{Membership: e.Membership, Island: island}); err != nil {
			return moved, errors.Wrapf(err, "repartition %s", e.Membership)
		}
		moved++
	}
	return moved, nil
}

func interfacesOf(entries []*entry) []api.InterfaceKey {
	seen := make(map[api.InterfaceKey]struct{}, len(entries))
	intfs := make([]api.InterfaceKey, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Interface]; ok {
			continue
		}
		seen[e.Interface] = struct{}{}
		intfs = append(intfs, e.Interface)
	}
	return api.SortInterfaces(intfs)
}

func groupsOf(entries []*entry) []api.GroupKey {
	seen := make(map[api.GroupKey]struct{}, len(entries))
	groups := make([]api.GroupKey, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Group]; ok {
			continue
		}
		seen[e.Group] = struct{}{}
		groups = append(groups, e.Group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Less(groups[j]) })
	return groups
}

func memberships(entries []*entry) []api.Membership {
	sortEntries(entries)
	out := make([]api.Membership, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Membership)
	}
	return out
}

func sortEntries(entries []*entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Group != b.Group {
			return a.Group.Less(b.Group)
		}
		if a.Interface != b.Interface {
			if a.Interface.MAC != b.Interface.MAC {
				return a.Interface.MAC < b.Interface.MAC
			}
			return a.Interface.Vlan < b.Interface.Vlan
		}
		return a.AttachmentPoint.Less(b.AttachmentPoint)
	})
}
