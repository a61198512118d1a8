package topology

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/moby/mcastkit/api"
	"github.com/pkg/errors"
)

var (
	// ErrUnknownSwitch is returned when an operation names a switch that
	// was never added to the graph.
	ErrUnknownSwitch = errors.New("unknown switch")
	// ErrInvalidLink is returned for links with invalid endpoints or both
	// endpoints on the same switch.
	ErrInvalidLink = errors.New("invalid link")
)

// Link is a bidirectional inter-switch link between two ports.
type Link struct {
	Src api.AttachmentPoint
	Dst api.AttachmentPoint
}

func (l Link) normalize() Link {
	if l.Dst.Less(l.Src) {
		return Link{Src: l.Dst, Dst: l.Src}
	}
	return l
}

// Graph is an in-memory fabric. Islands are the connected components of
// its switches, each identified by its lowest switch id.
type Graph struct {
	mu        sync.RWMutex
	switches  mapset.Set[api.SwitchID]
	links     map[Link]struct{}
	linkPorts map[api.AttachmentPoint]int

	islandOf map[api.SwitchID]api.IslandID
	islands  map[api.IslandID]mapset.Set[api.SwitchID]

	observers map[int]Observer
	nextObs   int
}

// NewGraph returns an empty fabric.
func NewGraph() *Graph {
	return &Graph{
		switches:  mapset.NewThreadUnsafeSet[api.SwitchID](),
		links:     make(map[Link]struct{}),
		linkPorts: make(map[api.AttachmentPoint]int),
		islandOf:  make(map[api.SwitchID]api.IslandID),
		islands:   make(map[api.IslandID]mapset.Set[api.SwitchID]),
		observers: make(map[int]Observer),
	}
}

// Watch registers o for island change notifications. The returned function
// unregisters it.
func (g *Graph) Watch(o Observer) (cancel func()) {
	g.mu.Lock()
	id := g.nextObs
	g.nextObs++
	g.observers[id] = o
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.observers, id)
		g.mu.Unlock()
	}
}

// AddSwitch adds a switch as a new single-switch island. Adding a known
// switch is a no-op.
func (g *Graph) AddSwitch(sw api.SwitchID) error {
	if sw == 0 {
		return errors.Wrap(ErrUnknownSwitch, "switch id 0")
	}
	g.update(func() bool {
		return g.switches.Add(sw)
	})
	return nil
}

// RemoveSwitch removes a switch and every link touching it.
func (g *Graph) RemoveSwitch(sw api.SwitchID) error {
	var err error
	g.update(func() bool {
		if !g.switches.Contains(sw) {
			err = errors.Wrapf(ErrUnknownSwitch, "switch %d", sw)
			return false
		}
		g.switches.Remove(sw)
		for l := range g.links {
			if l.Src.Switch == sw || l.Dst.Switch == sw {
				g.dropLink(l)
			}
		}
		return true
	})
	return err
}

// AddLink connects two switches. Both must already be known.
func (g *Graph) AddLink(l Link) error {
	if !l.Src.Valid() || !l.Dst.Valid() || l.Src.Switch == l.Dst.Switch {
		return errors.Wrapf(ErrInvalidLink, "%s - %s", l.Src, l.Dst)
	}
	l = l.normalize()

	var err error
	g.update(func() bool {
		for _, sw := range []api.SwitchID{l.Src.Switch, l.Dst.Switch} {
			if !g.switches.Contains(sw) {
				err = errors.Wrapf(ErrUnknownSwitch, "switch %d", sw)
				return false
			}
		}
		if _, ok := g.links[l]; ok {
			return false
		}
		g.links[l] = struct{}{}
		g.linkPorts[l.Src]++
		g.linkPorts[l.Dst]++
		return true
	})
	return err
}

// RemoveLink disconnects a link. Removing an unknown link is a no-op.
func (g *Graph) RemoveLink(l Link) {
	l = l.normalize()
	g.update(func() bool {
		if _, ok := g.links[l]; !ok {
			return false
		}
		g.dropLink(l)
		return true
	})
}

func (g *Graph) dropLink(l Link) {
	delete(g.links, l)
	for _, ap := range []api.AttachmentPoint{l.Src, l.Dst} {
		g.linkPorts[ap]--
		if g.linkPorts[ap] <= 0 {
			delete(g.linkPorts, ap)
		}
	}
}

// IsAttachmentPointPort reports whether ap is on a known switch and not
// used by any inter-switch link.
func (g *Graph) IsAttachmentPointPort(ap api.AttachmentPoint) bool {
	if !ap.Valid() {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.switches.Contains(ap.Switch) {
		return false
	}
	_, isLink := g.linkPorts[ap]
	return !isLink
}

// IslandOf implements Topology.
func (g *Graph) IslandOf(sw api.SwitchID) (api.IslandID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.islandOf[sw]
	return id, ok
}

// Islands implements Topology. Islands are sorted by id and their switches
// in ascending order.
func (g *Graph) Islands() []api.Island {
	g.mu.RLock()
	defer g.mu.RUnlock()

	islands := make([]api.Island, 0, len(g.islands))
	for id, members := range g.islands {
		islands = append(islands, api.Island{ID: id, Switches: sortedSwitches(members)})
	}
	sort.Slice(islands, func(i, j int) bool { return islands[i].ID < islands[j].ID })
	return islands
}

// Links returns every link of the graph.
func (g *Graph) Links() []Link {
	g.mu.RLock()
	defer g.mu.RUnlock()

	links := make([]Link, 0, len(g.links))
	for l := range g.links {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].Src != links[j].Src {
			return links[i].Src.Less(links[j].Src)
		}
		return links[i].Dst.Less(links[j].Dst)
	})
	return links
}

// update applies fn under the write lock and, if fn reports a change,
// recomputes the islands. Observers are called after the lock is released.
func (g *Graph) update(fn func() bool) {
	g.mu.Lock()
	if !fn() {
		g.mu.Unlock()
		return
	}
	merged, split := g.recompute()
	observers := make([]Observer, 0, len(g.observers))
	ids := make([]int, 0, len(g.observers))
	for id := range g.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		observers = append(observers, g.observers[id])
	}
	g.mu.Unlock()

	for _, o := range observers {
		if len(merged) > 0 {
			o.IslandsMerged(merged)
		}
		if len(split) > 0 {
			o.IslandsSplit(split)
		}
	}
}

// recompute rebuilds the connected components and classifies the
// differences with the previous ones.
func (g *Graph) recompute() (merged, split []api.IslandID) {
	adj := make(map[api.SwitchID][]api.SwitchID)
	for l := range g.links {
		adj[l.Src.Switch] = append(adj[l.Src.Switch], l.Dst.Switch)
		adj[l.Dst.Switch] = append(adj[l.Dst.Switch], l.Src.Switch)
	}

	islandOf := make(map[api.SwitchID]api.IslandID)
	islands := make(map[api.IslandID]mapset.Set[api.SwitchID])
	for _, start := range sortedSwitches(g.switches) {
		if _, seen := islandOf[start]; seen {
			continue
		}
		// start is the lowest unvisited switch, so it names the island.
		id := api.IslandID(start)
		members := mapset.NewThreadUnsafeSet[api.SwitchID](start)
		islandOf[start] = id
		queue := []api.SwitchID{start}
		for len(queue) > 0 {
			sw := queue[0]
			queue = queue[1:]
			for _, next := range adj[sw] {
				if _, seen := islandOf[next]; seen {
					continue
				}
				islandOf[next] = id
				members.Add(next)
				queue = append(queue, next)
			}
		}
		islands[id] = members
	}

	mergedSet := mapset.NewThreadUnsafeSet[api.IslandID]()
	splitSet := mapset.NewThreadUnsafeSet[api.IslandID]()

	for id, members := range islands {
		olds := mapset.NewThreadUnsafeSet[api.IslandID]()
		members.Each(func(sw api.SwitchID) bool {
			if old, ok := g.islandOf[sw]; ok {
				olds.Add(old)
			}
			return false
		})
		if olds.Cardinality() == 1 && olds.ContainsOne(id) && g.islands[id].Equal(members) {
			continue
		}
		// Every previous island inside this one is kept whole: it merged
		// with others or the island grew.
		whole := true
		olds.Each(func(old api.IslandID) bool {
			if !g.islands[old].IsSubset(members) {
				whole = false
				return true
			}
			return false
		})
		if whole {
			mergedSet.Add(id)
			mergedSet.Append(olds.ToSlice()...)
		}
	}

	for id, members := range g.islands {
		news := mapset.NewThreadUnsafeSet[api.IslandID]()
		lost := false
		members.Each(func(sw api.SwitchID) bool {
			if n, ok := islandOf[sw]; ok {
				news.Add(n)
			} else {
				lost = true
			}
			return false
		})
		if !lost && news.Cardinality() == 1 {
			// Kept whole, either unchanged or part of a merge.
			continue
		}
		splitSet.Add(id)
		splitSet.Append(news.ToSlice()...)
	}

	g.islandOf = islandOf
	g.islands = islands
	return sortedIslands(mergedSet), sortedIslands(splitSet)
}

func sortedSwitches(s mapset.Set[api.SwitchID]) []api.SwitchID {
	out := s.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedIslands(s mapset.Set[api.IslandID]) []api.IslandID {
	if s.Cardinality() == 0 {
		return nil
	}
	out := s.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
