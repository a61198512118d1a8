package manager

import (
	"context"
	"sync"

	events "github.com/docker/go-events"
	"github.com/moby/mcastkit/api"
	"github.com/moby/mcastkit/log"
	"github.com/moby/mcastkit/manager/eventsink"
	"github.com/moby/mcastkit/manager/igmp"
	"github.com/moby/mcastkit/manager/island"
	"github.com/moby/mcastkit/manager/membership"
	"github.com/moby/mcastkit/manager/reconciler"
	"github.com/moby/mcastkit/topology"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config is used to tune the Manager.
type Config struct {
	// StrictIslands panics when an interface is found attached more than
	// once in the same island. Meant for tests and debugging.
	StrictIslands bool

	// QualifyByVlan keys groups joined on a tagged VLAN by address and
	// VLAN instead of by address alone.
	QualifyByVlan bool

	// DefaultGroupOptions are installed for a group on its first join.
	DefaultGroupOptions api.GroupOptions
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultGroupOptions: api.DefaultGroupOptions(),
	}
}

// watcher is implemented by topologies able to notify island changes.
type watcher interface {
	Watch(o topology.Observer) (cancel func())
}

// Manager owns one membership table together with everything keeping it
// up to date.
type Manager struct {
	config *Config
	ctx    context.Context

	sink     *eventsink.Sink
	registry *island.Registry
	index    *membership.Index
	engine   *reconciler.Engine
	snooper  *igmp.Snooper

	cancelWatch func()
	stopOnce    sync.Once
}

// New creates a Manager resolving switches through topo. If topo can notify
// island changes, the manager subscribes to them; otherwise the caller
// forwards IslandsMerged and IslandsSplit.
func New(ctx context.Context, config *Config, topo topology.Topology) (*Manager, error) {
	if topo == nil {
		return nil, errors.New("manager: topology is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	ctx = log.WithModule(ctx, "manager")

	sink := eventsink.New(ctx)
	registry := island.NewRegistry(ctx, topo)
	index := membership.New(registry, sink)
	registry.Bind(index)

	engine := reconciler.New(reconciler.Config{StrictIslands: config.StrictIslands}, index, registry)

	ports, _ := topo.(topology.PortFilter)
	snooper := igmp.NewSnooper(igmp.Config{
		QualifyByVlan:       config.QualifyByVlan,
		DefaultGroupOptions: config.DefaultGroupOptions,
	}, engine, index, ports)

	m := &Manager{
		config:   config,
		ctx:      ctx,
		sink:     sink,
		registry: registry,
		index:    index,
		engine:   engine,
		snooper:  snooper,
	}
	if w, ok := topo.(watcher); ok {
		m.cancelWatch = w.Watch(m)
	}

	log.G(ctx).WithFields(logrus.Fields{
		"strict_islands":  config.StrictIslands,
		"qualify_by_vlan": config.QualifyByVlan,
	}).Debug("manager created")
	return m, nil
}

// IslandsMerged implements topology.Observer.
func (m *Manager) IslandsMerged(ids []api.IslandID) {
	m.registry.IslandsMerged(ids)
}

// IslandsSplit implements topology.Observer.
func (m *Manager) IslandsSplit(ids []api.IslandID) {
	m.registry.IslandsSplit(ids)
}

// HandleReport applies a decoded join or leave.
func (m *Manager) HandleReport(ctx context.Context, report api.MembershipReport) {
	m.engine.HandleReport(ctx, report)
}

// HandleFrame interprets a packet received from a switch.
func (m *Manager) HandleFrame(ctx context.Context, frame igmp.Frame) {
	m.snooper.HandleFrame(ctx, frame)
}

// HandleData decodes and interprets an Ethernet frame received on ingress.
func (m *Manager) HandleData(ctx context.Context, ingress api.AttachmentPoint, data []byte) {
	m.snooper.HandleData(ctx, ingress, data)
}

// Classify returns the group a multicast data frame is forwarded as.
func (m *Manager) Classify(frame igmp.Frame) (api.GroupKey, bool) {
	return m.snooper.Classify(frame)
}

// DeviceAdded records a device. Memberships are unchanged.
func (m *Manager) DeviceAdded(ctx context.Context, dev api.Device) {
	m.engine.DeviceAdded(ctx, dev)
}

// DeviceRemoved removes every membership of the device.
func (m *Manager) DeviceRemoved(ctx context.Context, dev api.Device) {
	m.engine.DeviceRemoved(ctx, dev)
}

// DeviceMoved reconciles the device memberships with its current
// attachment points.
func (m *Manager) DeviceMoved(ctx context.Context, dev api.Device) {
	m.engine.DeviceMoved(ctx, dev)
}

// DeviceVlanChanged drops the memberships of the device on VLANs it left.
func (m *Manager) DeviceVlanChanged(ctx context.Context, dev api.Device) {
	m.engine.DeviceVlanChanged(ctx, dev)
}

// Index returns the membership table.
func (m *Manager) Index() *membership.Index {
	return m.index
}

// Registry returns the island registry.
func (m *Manager) Registry() *island.Registry {
	return m.registry
}

// AddListener registers l for membership events.
func (m *Manager) AddListener(l api.Listener) *eventsink.Registration {
	return m.sink.AddListener(l)
}

// RemoveListener unregisters a listener.
func (m *Manager) RemoveListener(reg *eventsink.Registration) bool {
	return m.sink.RemoveListener(reg)
}

// Watch returns a channel receiving every membership event.
func (m *Manager) Watch() (chan events.Event, func()) {
	return m.sink.Watch()
}

// Stop clears the table, notifying listeners of every removed entry, and
// closes all event subscriptions. It is safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancelWatch != nil {
			m.cancelWatch()
		}
		n := m.index.Clear()
		if err := m.sink.Close(); err != nil {
			log.G(m.ctx).WithError(err).Error("failed to close event sink")
		}
		log.G(m.ctx).WithField("removed", n).Info("manager stopped")
	})
}
