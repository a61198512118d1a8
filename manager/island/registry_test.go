package island

import (
	"context"
	"net/netip"
	"sync"
	"testing"

	"github.com/moby/mcastkit/api"
	"github.com/moby/mcastkit/manager/membership"
	"github.com/moby/mcastkit/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	group = api.GroupFromAddr(netip.MustParseAddr("239.1.1.1"))
	hostA = api.InterfaceKey{MAC: 0xa}
	hostB = api.InterfaceKey{MAC: 0xb}
)

func ap(sw api.SwitchID, port api.PortID) api.AttachmentPoint {
	return api.AttachmentPoint{Switch: sw, Port: port}
}

func link(a, b api.SwitchID) topology.Link {
	return topology.Link{Src: ap(a, 100), Dst: ap(b, 100)}
}

// fabric builds switches 1..n without links, a registry watching it and an
// index bound to the registry.
func fabric(t *testing.T, n int) (*topology.Graph, *Registry, *membership.Index) {
	g := topology.NewGraph()
	for sw := 1; sw <= n; sw++ {
		require.NoError(t, g.AddSwitch(api.SwitchID(sw)))
	}
	reg := NewRegistry(context.Background(), g)
	idx := membership.New(reg, nil)
	reg.Bind(idx)
	g.Watch(reg)
	return g, reg, idx
}

func TestIslandOf(t *testing.T) {
	g, reg, _ := fabric(t, 3)
	require.NoError(t, g.AddLink(link(2, 3)))

	id, ok := reg.IslandOf(3)
	assert.True(t, ok)
	assert.Equal(t, api.IslandID(2), id)

	_, ok = reg.IslandOf(7)
	assert.False(t, ok)

	// a switch appearing later resolves without any notification
	require.NoError(t, g.AddSwitch(7))
	id, ok = reg.IslandOf(7)
	assert.True(t, ok)
	assert.Equal(t, api.IslandID(7), id)

	assert.Equal(t, []api.Island{
		{ID: 1, Switches: []api.SwitchID{1}},
		{ID: 2, Switches: []api.SwitchID{2, 3}},
		{ID: 7, Switches: []api.SwitchID{7}},
	}, reg.Islands())

	island, ok := reg.Island(2)
	assert.True(t, ok)
	assert.Equal(t, []api.SwitchID{2, 3}, island.Switches)
	_, ok = reg.Island(3)
	assert.False(t, ok)
}

func TestMergeRelocatesViews(t *testing.T) {
	g, reg, idx := fabric(t, 3)

	require.True(t, idx.Add(group, hostA, ap(1, 1)))
	require.True(t, idx.Add(group, hostB, ap(3, 1)))
	assert.Equal(t, []api.InterfaceKey{hostA}, reg.ViewOf(1, group).Interfaces())
	assert.Equal(t, []api.InterfaceKey{hostB}, reg.ViewOf(3, group).Interfaces())

	require.NoError(t, g.AddLink(link(1, 3)))

	id, _ := reg.IslandOf(3)
	assert.Equal(t, api.IslandID(1), id)
	v := reg.ViewOf(1, group)
	assert.Equal(t, []api.InterfaceKey{hostA, hostB}, v.Interfaces())
	assert.Equal(t, []api.SwitchID{1, 3}, v.Switches())
	assert.True(t, reg.ViewOf(3, group).IsEmpty())
	assert.Equal(t, []api.GroupKey{group}, reg.GroupsIn(1))
	assert.Empty(t, reg.GroupsIn(3))

	// nothing was dropped
	assert.Len(t, idx.Memberships(), 2)
}

func TestMergeKeepsBothAttachmentPoints(t *testing.T) {
	g, reg, idx := fabric(t, 2)

	require.True(t, idx.Add(group, hostA, ap(1, 1)))
	require.True(t, idx.Add(group, hostA, ap(2, 1)))

	require.NoError(t, g.AddLink(link(1, 2)))

	// both survive the merge until the next move reconciles them
	assert.Equal(t, []api.AttachmentPoint{ap(1, 1), ap(2, 1)}, reg.ViewOf(1, group).AttachmentPointsOf(hostA))
}

func TestSplitRelocatesViews(t *testing.T) {
	g, reg, idx := fabric(t, 3)
	require.NoError(t, g.AddLink(link(1, 2)))
	require.NoError(t, g.AddLink(link(2, 3)))

	require.True(t, idx.Add(group, hostA, ap(1, 1)))
	require.True(t, idx.Add(group, hostB, ap(3, 1)))
	assert.Len(t, reg.ViewOf(1, group).Interfaces(), 2)

	require.NoError(t, g.RemoveSwitch(2))

	assert.Equal(t, []api.InterfaceKey{hostA}, reg.ViewOf(1, group).Interfaces())
	assert.Equal(t, []api.InterfaceKey{hostB}, reg.ViewOf(3, group).Interfaces())
	_, ok := reg.IslandOf(2)
	assert.False(t, ok)
}

func TestUnreachableEntriesLeaveViews(t *testing.T) {
	g, reg, idx := fabric(t, 2)
	require.NoError(t, g.AddLink(link(1, 2)))

	require.True(t, idx.Add(group, hostA, ap(2, 1)))
	require.True(t, idx.Add(group, hostB, ap(1, 1)))

	require.NoError(t, g.RemoveSwitch(2))

	v := reg.ViewOf(1, group)
	assert.Equal(t, []api.InterfaceKey{hostB}, v.Interfaces())
	// the row itself is kept until the host is removed or moves
	assert.True(t, idx.HasMember(group, hostA))

	// and comes back when the switch does
	require.NoError(t, g.AddSwitch(2))
	require.NoError(t, g.AddLink(link(1, 2)))
	assert.Len(t, reg.ViewOf(1, group).Interfaces(), 2)
}

func TestViewOfWithoutPartition(t *testing.T) {
	reg := NewRegistry(context.Background(), topology.NewGraph())
	assert.Nil(t, reg.ViewOf(1, group))
	assert.Empty(t, reg.GroupsIn(1))
}

// mergingTopology merges switch 5 into island 1 while it is answering the
// first lookup of switch 5, and returns the answer it had before the merge.
type mergingTopology struct {
	mu      sync.Mutex
	merged  bool
	onMerge func()
}

func (m *mergingTopology) IslandOf(sw api.SwitchID) (api.IslandID, bool) {
	m.mu.Lock()
	switch {
	case sw == 1:
		m.mu.Unlock()
		return 1, true
	case sw != 5:
		m.mu.Unlock()
		return api.IslandNone, false
	case m.merged:
		m.mu.Unlock()
		return 1, true
	}
	m.merged = true
	m.mu.Unlock()

	m.onMerge()
	return 5, true
}

func (m *mergingTopology) Islands() []api.Island {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.merged {
		return []api.Island{{ID: 1, Switches: []api.SwitchID{1, 5}}}
	}
	return []api.Island{{ID: 1, Switches: []api.SwitchID{1}}}
}

func TestMergeDuringLookupIsNotCached(t *testing.T) {
	topo := &mergingTopology{}
	reg := NewRegistry(context.Background(), topo)
	topo.onMerge = func() { reg.IslandsMerged([]api.IslandID{1, 5}) }

	// the lookup racing the merge may see the old island
	_, ok := reg.IslandOf(5)
	require.True(t, ok)

	id, ok := reg.IslandOf(5)
	assert.True(t, ok)
	assert.Equal(t, api.IslandID(1), id)
	assert.Equal(t, []api.Island{{ID: 1, Switches: []api.SwitchID{1, 5}}}, reg.Islands())
}
