package membership

import (
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/moby/mcastkit/api"
	"github.com/moby/mcastkit/log"
	"github.com/sirupsen/logrus"
)

const (
	tableMembership   = "membership"
	tableGroupOptions = "group_options"

	indexID                = "id"
	indexGroup             = "group"
	indexInterface         = "interface"
	indexMAC               = "mac"
	indexGroupInterface    = "group_interface"
	indexIsland            = "island"
	indexIslandGroup       = "island_group"
	indexIslandGroupSwitch = "island_group_switch"
	indexIslandGroupAP     = "island_group_ap"
)

// entry is one stored membership triple together with the island its
// attachment point resolved to when the row was last written. Rows are
// never modified in place.
type entry struct {
	api.Membership
	Island api.IslandID
}

type optionsEntry struct {
	Group   api.GroupKey
	Options api.GroupOptions
}

func resolved(e *entry) bool {
	return e.Island != api.IslandNone
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableMembership: {
			Name: tableMembership,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:   indexID,
					Unique: true,
					Indexer: entryIndexer{nargs: 3, key: func(e *entry) ([]byte, bool) {
						b := make([]byte, 0, groupKeyLen+intfKeyLen+apKeyLen)
						b = appendGroup(b, e.Group)
						b = appendInterface(b, e.Interface)
						return appendAttachmentPoint(b, e.AttachmentPoint), true
					}},
				},
				indexGroup: {
					Name: indexGroup,
					Indexer: entryIndexer{nargs: 1, key: func(e *entry) ([]byte, bool) {
						return appendGroup(nil, e.Group), true
					}},
				},
				indexInterface: {
					Name: indexInterface,
					Indexer: entryIndexer{nargs: 1, key: func(e *entry) ([]byte, bool) {
						return appendInterface(nil, e.Interface), true
					}},
				},
				indexMAC: {
					Name: indexMAC,
					Indexer: entryIndexer{nargs: 1, key: func(e *entry) ([]byte, bool) {
						return appendMAC(nil, e.Interface.MAC), true
					}},
				},
				indexGroupInterface: {
					Name: indexGroupInterface,
					Indexer: entryIndexer{nargs: 2, key: func(e *entry) ([]byte, bool) {
						return appendInterface(appendGroup(nil, e.Group), e.Interface), true
					}},
				},
				indexIsland: {
					Name: indexIsland,
					Indexer: entryIndexer{nargs: 1, key: func(e *entry) ([]byte, bool) {
						return appendIsland(nil, e.Island), true
					}},
				},
				// The island_group* indexes back the island views. Rows
				// whose switch does not resolve to an island are left out.
				indexIslandGroup: {
					Name:         indexIslandGroup,
					AllowMissing: true,
					Indexer: entryIndexer{nargs: 2, key: func(e *entry) ([]byte, bool) {
						return appendGroup(appendIsland(nil, e.Island), e.Group), resolved(e)
					}},
				},
				indexIslandGroupSwitch: {
					Name:         indexIslandGroupSwitch,
					AllowMissing: true,
					Indexer: entryIndexer{nargs: 3, key: func(e *entry) ([]byte, bool) {
						b := appendGroup(appendIsland(nil, e.Island), e.Group)
						return appendSwitch(b, e.AttachmentPoint.Switch), resolved(e)
					}},
				},
				indexIslandGroupAP: {
					Name:         indexIslandGroupAP,
					AllowMissing: true,
					Indexer: entryIndexer{nargs: 3, key: func(e *entry) ([]byte, bool) {
						b := appendGroup(appendIsland(nil, e.Island), e.Group)
						return appendAttachmentPoint(b, e.AttachmentPoint), resolved(e)
					}},
				},
			},
		},
		tableGroupOptions: {
			Name: tableGroupOptions,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: optionsIndexerByGroup{},
				},
			},
		},
	},
}

// IslandResolver maps a switch to its current island.
type IslandResolver interface {
	IslandOf(sw api.SwitchID) (api.IslandID, bool)
}

// Publisher receives the events of every committed transaction, in order.
type Publisher interface {
	Publish(events ...api.Event)
}

// Index is the membership table: a set of (group, interface, attachment
// point) triples with forward and reverse lookups, partitioned by island.
//
// All indexes live in one go-memdb database. Writers are serialized and
// each logical operation commits as one transaction, so readers always see
// every index at the same version.
type Index struct {
	// updateLock must be held during an update transaction.
	updateLock sync.Mutex

	memDB    *memdb.MemDB
	resolver IslandResolver
	pub      Publisher

	// pending holds committed changelists in commit order. Only one
	// goroutine drains it at a time.
	pubMu    sync.Mutex
	pending  [][]api.Event
	draining bool
}

// New returns an empty index. resolver is consulted for the island of every
// written row; committed events are handed to pub.
func New(resolver IslandResolver, pub Publisher) *Index {
	memDB, err := memdb.NewMemDB(schema)
	if err != nil {
		// This shouldn't fail
		panic(err)
	}

	return &Index{
		memDB:    memDB,
		resolver: resolver,
		pub:      pub,
	}
}

// View executes a read transaction. The ReadTx must not be used after cb
// returns.
func (idx *Index) View(cb func(ReadTx)) {
	memDBTx := idx.memDB.Txn(false)
	cb(readTx{memDBTx: memDBTx})
	memDBTx.Commit()
}

// Update executes a read/write transaction. If cb returns an error the
// transaction is aborted and no event is published. Otherwise the events of
// the transaction are queued in commit order before the update lock is
// released, and delivered after it.
//
// Events of a transaction committed while another goroutine is delivering
// are delivered by that goroutine, so Update may return before its own
// events reached the publisher.
func (idx *Index) Update(cb func(Tx) error) error {
	idx.updateLock.Lock()
	defer txnTimer.UpdateSince(time.Now())

	t := &tx{
		readTx:   readTx{memDBTx: idx.memDB.Txn(true)},
		resolver: idx.resolver,
	}

	locked := true
	defer func() {
		if locked {
			t.memDBTx.Abort()
			idx.updateLock.Unlock()
		}
	}()

	if err := cb(t); err != nil {
		return err
	}

	t.memDBTx.Commit()
	idx.enqueue(t.changelist)
	locked = false
	idx.updateLock.Unlock()

	idx.drain()
	return nil
}

// enqueue appends a committed changelist. idx.updateLock must be held.
func (idx *Index) enqueue(changelist []api.Event) {
	if len(changelist) == 0 || idx.pub == nil {
		return
	}
	idx.pubMu.Lock()
	idx.pending = append(idx.pending, changelist)
	idx.pubMu.Unlock()
}

// drain delivers queued changelists until the queue is empty. It returns
// immediately if another goroutine, or a caller up the stack, is already
// draining.
func (idx *Index) drain() {
	idx.pubMu.Lock()
	if idx.draining {
		idx.pubMu.Unlock()
		return
	}
	idx.draining = true
	defer func() {
		idx.draining = false
		idx.pubMu.Unlock()
	}()

	for len(idx.pending) != 0 {
		events := idx.pending[0]
		idx.pending[0] = nil
		idx.pending = idx.pending[1:]

		func() {
			idx.pubMu.Unlock()
			defer idx.pubMu.Lock()
			idx.pub.Publish(events...)
		}()
	}
}

// resolve returns the island of ap, or IslandNone.
func resolve(r IslandResolver, ap api.AttachmentPoint) api.IslandID {
	if r == nil {
		return api.IslandNone
	}
	id, ok := r.IslandOf(ap.Switch)
	if !ok {
		return api.IslandNone
	}
	return id
}

func logger() *logrus.Entry {
	return log.L.WithField("module", "membership")
}
