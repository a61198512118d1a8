package island

import (
	"context"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/moby/mcastkit/api"
	"github.com/moby/mcastkit/log"
	"github.com/moby/mcastkit/manager/membership"
	"github.com/moby/mcastkit/topology"
	"github.com/sirupsen/logrus"
)

// Partition is the island-partitioned membership storage kept in sync by
// the registry.
type Partition interface {
	Repartition(islands []api.IslandID) int
	GroupView(island api.IslandID, g api.GroupKey) *membership.GroupView
	GroupsIn(island api.IslandID) []api.GroupKey
}

// Registry caches the island of every switch and keeps the membership
// partition aligned with the fabric when islands merge or split.
type Registry struct {
	ctx  context.Context
	topo topology.Topology

	mu        sync.RWMutex
	cache     map[api.SwitchID]api.IslandID
	islands   map[api.IslandID]mapset.Set[api.SwitchID]
	partition Partition

	// gen changes on every refresh; lookups started under an older
	// generation are not cached.
	gen uint64
}

// NewRegistry returns a registry resolving switches through topo.
func NewRegistry(ctx context.Context, topo topology.Topology) *Registry {
	r := &Registry{
		ctx:   log.WithModule(ctx, "island"),
		topo:  topo,
		cache: make(map[api.SwitchID]api.IslandID),
	}
	r.mu.Lock()
	r.rebuild()
	r.mu.Unlock()
	return r
}

// Bind sets the partition to repartition on topology changes.
func (r *Registry) Bind(p Partition) {
	r.mu.Lock()
	r.partition = p
	r.mu.Unlock()
}

// IslandOf returns the island of sw. Switches unknown to the topology are
// not cached, so they resolve as soon as they appear.
func (r *Registry) IslandOf(sw api.SwitchID) (api.IslandID, bool) {
	r.mu.RLock()
	id, ok := r.cache[sw]
	gen := r.gen
	r.mu.RUnlock()
	if ok {
		return id, true
	}

	id, ok = r.topo.IslandOf(sw)
	if !ok || id == api.IslandNone {
		return api.IslandNone, false
	}
	r.mu.Lock()
	if r.gen == gen {
		r.cache[sw] = id
	}
	r.mu.Unlock()
	return id, true
}

// IslandsMerged implements topology.Observer.
func (r *Registry) IslandsMerged(ids []api.IslandID) {
	r.refresh(ids, "merged")
}

// IslandsSplit implements topology.Observer.
func (r *Registry) IslandsSplit(ids []api.IslandID) {
	r.refresh(ids, "split")
}

// refresh re-resolves every switch of the affected islands and relocates
// the membership rows stored under them.
func (r *Registry) refresh(ids []api.IslandID, change string) {
	affected := mapset.NewThreadUnsafeSet[api.IslandID](ids...)

	r.mu.Lock()
	r.gen++
	for sw, id := range r.cache {
		if affected.ContainsOne(id) {
			delete(r.cache, sw)
		}
	}
	for _, id := range ids {
		if members, ok := r.islands[id]; ok {
			members.Each(func(sw api.SwitchID) bool {
				delete(r.cache, sw)
				return false
			})
		}
	}
	r.rebuild()
	partition := r.partition
	r.mu.Unlock()

	moved := 0
	if partition != nil {
		moved = partition.Repartition(ids)
	}
	log.G(r.ctx).WithFields(logrus.Fields{
		"islands": ids,
		"moved":   moved,
	}).Debugf("islands %s", change)
}

// rebuild reloads the island set from the topology and warms the cache.
// r.mu must be held.
func (r *Registry) rebuild() {
	r.islands = make(map[api.IslandID]mapset.Set[api.SwitchID])
	for _, island := range r.topo.Islands() {
		r.islands[island.ID] = mapset.NewThreadUnsafeSet[api.SwitchID](island.Switches...)
		for _, sw := range island.Switches {
			r.cache[sw] = island.ID
		}
	}
}

// Islands returns every known island, sorted by id.
func (r *Registry) Islands() []api.Island {
	r.mu.RLock()
	defer r.mu.RUnlock()

	islands := make([]api.Island, 0, len(r.islands))
	for id := range r.islands {
		islands = append(islands, r.island(id))
	}
	sort.Slice(islands, func(i, j int) bool { return islands[i].ID < islands[j].ID })
	return islands
}

// Island returns the island with the given id.
func (r *Registry) Island(id api.IslandID) (api.Island, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.islands[id]; !ok {
		return api.Island{}, false
	}
	return r.island(id), true
}

func (r *Registry) island(id api.IslandID) api.Island {
	switches := r.islands[id].ToSlice()
	sort.Slice(switches, func(i, j int) bool { return switches[i] < switches[j] })
	return api.Island{ID: id, Switches: switches}
}

// ViewOf returns the membership of g in island. Views with no member are
// not stored anywhere; an empty view is returned for them.
func (r *Registry) ViewOf(island api.IslandID, g api.GroupKey) *membership.GroupView {
	r.mu.RLock()
	partition := r.partition
	r.mu.RUnlock()
	if partition == nil {
		return nil
	}
	return partition.GroupView(island, g)
}

// GroupsIn returns the groups with members in island.
func (r *Registry) GroupsIn(island api.IslandID) []api.GroupKey {
	r.mu.RLock()
	partition := r.partition
	r.mu.RUnlock()
	if partition == nil {
		return nil
	}
	return partition.GroupsIn(island)
}
