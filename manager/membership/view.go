package membership

import (
	"sort"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/moby/mcastkit/api"
)

// GroupView is the membership of one group restricted to one island. It
// reads from an immutable snapshot of the index, so it never changes after
// it has been obtained; ask for a new view to observe later updates.
//
// Every attachment point in a view is on a switch that resolved to the
// view's island when its row was last written or repartitioned.
type GroupView struct {
	island  api.IslandID
	group   api.GroupKey
	memDBTx *memdb.Txn
}

func newGroupView(memDBTx *memdb.Txn, island api.IslandID, g api.GroupKey) *GroupView {
	return &GroupView{island: island, group: g, memDBTx: memDBTx}
}

func (v *GroupView) find(index string, args ...interface{}) []*entry {
	if v.island == api.IslandNone {
		return nil
	}
	return readTx{memDBTx: v.memDBTx}.find(index, append([]interface{}{v.island, v.group}, args...)...)
}

// Island returns the island of the view.
func (v *GroupView) Island() api.IslandID { return v.island }

// Group returns the group of the view.
func (v *GroupView) Group() api.GroupKey { return v.group }

// IsEmpty reports whether the group has no attachment point in the island.
func (v *GroupView) IsEmpty() bool {
	if v.island == api.IslandNone {
		return true
	}
	obj, err := v.memDBTx.First(tableMembership, indexIslandGroup, v.island, v.group)
	return err != nil || obj == nil
}

// Interfaces returns the member interfaces reachable in the island.
func (v *GroupView) Interfaces() []api.InterfaceKey {
	return interfacesOf(v.find(indexIslandGroup))
}

// AttachmentPoints returns every attachment point of the group in the
// island.
func (v *GroupView) AttachmentPoints() []api.AttachmentPoint {
	entries := v.find(indexIslandGroup)
	seen := make(map[api.AttachmentPoint]struct{}, len(entries))
	aps := make([]api.AttachmentPoint, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.AttachmentPoint]; ok {
			continue
		}
		seen[e.AttachmentPoint] = struct{}{}
		aps = append(aps, e.AttachmentPoint)
	}
	return api.SortAttachmentPoints(aps)
}

// AttachmentPointsOf returns the attachment points of i in the island.
func (v *GroupView) AttachmentPointsOf(i api.InterfaceKey) []api.AttachmentPoint {
	var aps []api.AttachmentPoint
	for _, e := range v.find(indexIslandGroup) {
		if e.Interface == i {
			aps = append(aps, e.AttachmentPoint)
		}
	}
	return api.SortAttachmentPoints(aps)
}

// InterfacesAt returns the interfaces reached through ap.
func (v *GroupView) InterfacesAt(ap api.AttachmentPoint) []api.InterfaceKey {
	return interfacesOf(v.find(indexIslandGroupAP, ap))
}

// HasAttachmentPoint reports whether ap carries at least one member.
func (v *GroupView) HasAttachmentPoint(ap api.AttachmentPoint) bool {
	if v.island == api.IslandNone {
		return false
	}
	obj, err := v.memDBTx.First(tableMembership, indexIslandGroupAP, v.island, v.group, ap)
	return err == nil && obj != nil
}

// Switches returns the switches with at least one member port.
func (v *GroupView) Switches() []api.SwitchID {
	seen := make(map[api.SwitchID]struct{})
	var switches []api.SwitchID
	for _, e := range v.find(indexIslandGroup) {
		sw := e.AttachmentPoint.Switch
		if _, ok := seen[sw]; ok {
			continue
		}
		seen[sw] = struct{}{}
		switches = append(switches, sw)
	}
	sort.Slice(switches, func(i, j int) bool { return switches[i] < switches[j] })
	return switches
}

// HasSwitch reports whether sw has at least one member port.
func (v *GroupView) HasSwitch(sw api.SwitchID) bool {
	if v.island == api.IslandNone {
		return false
	}
	obj, err := v.memDBTx.First(tableMembership, indexIslandGroupSwitch, v.island, v.group, sw)
	return err == nil && obj != nil
}

// PortsOn returns the member ports of sw.
func (v *GroupView) PortsOn(sw api.SwitchID) []api.PortID {
	seen := make(map[api.PortID]struct{})
	var ports []api.PortID
	for _, e := range v.find(indexIslandGroupSwitch, sw) {
		if _, ok := seen[e.AttachmentPoint.Port]; ok {
			continue
		}
		seen[e.AttachmentPoint.Port] = struct{}{}
		ports = append(ports, e.AttachmentPoint.Port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}
