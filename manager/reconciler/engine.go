package reconciler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	metrics "github.com/docker/go-metrics"
	"github.com/moby/mcastkit/api"
	"github.com/moby/mcastkit/log"
	"github.com/moby/mcastkit/manager/membership"
	"github.com/sirupsen/logrus"
)

var (
	reconcileTimer   metrics.LabeledTimer
	violationCounter metrics.Counter
)

func init() {
	ns := metrics.NewNamespace("mcastkit", "reconciler", nil)
	reconcileTimer = ns.NewLabeledTimer("reconcile_latency", "The number of seconds it takes to handle a device or membership event", "event")
	violationCounter = ns.NewCounter("island_violations", "The number of times more than one attachment point was found for an interface in one island")
	metrics.Register(ns)
}

// Config tunes the engine.
type Config struct {
	// StrictIslands turns a violation of the one-attachment-point-per-island
	// rule into a panic instead of a warning.
	StrictIslands bool
}

type deviceRecord struct {
	mac   api.MACAddr
	vlans []api.VlanID
}

// Engine keeps the membership index in line with IGMP reports and with the
// device tracker's view of where hosts are attached. No handler returns an
// error: problems are logged and the event is applied as far as possible.
type Engine struct {
	config  Config
	index   *membership.Index
	islands membership.IslandResolver

	mu      sync.RWMutex
	devices map[string]deviceRecord
}

// New returns an engine writing to index and resolving islands through
// islands.
func New(config Config, index *membership.Index, islands membership.IslandResolver) *Engine {
	return &Engine{
		config:  config,
		index:   index,
		islands: islands,
		devices: make(map[string]deviceRecord),
	}
}

func withModule(ctx context.Context) context.Context {
	return log.WithModule(ctx, "reconciler")
}

// HandleReport applies one decoded join or leave.
func (e *Engine) HandleReport(ctx context.Context, report api.MembershipReport) {
	defer reconcileTimer.WithValues("report").UpdateSince(time.Now())
	m := report.Membership
	logger := log.G(withModule(ctx)).WithFields(logrus.Fields{
		"group":     m.Group,
		"interface": m.Interface,
		"ap":        m.AttachmentPoint,
	})

	switch report.Kind {
	case api.ReportJoin:
		if e.index.Add(m.Group, m.Interface, m.AttachmentPoint) {
			logger.Debug("interface joined group")
		}
	case api.ReportLeave:
		if e.index.Remove(m.Group, m.Interface, m.AttachmentPoint) {
			logger.Debug("interface left group")
		}
	default:
		logger.Debugf("ignoring report of kind %d", report.Kind)
	}
}

// DeviceAdded records the MAC address and VLANs of a new device. Membership
// is only ever created by join reports.
func (e *Engine) DeviceAdded(ctx context.Context, dev api.Device) {
	e.record(dev)
	log.G(withModule(ctx)).WithField("device", dev.ID).Debug("device added")
}

func (e *Engine) record(dev api.Device) deviceRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.devices[dev.ID]
	if dev.MAC != 0 {
		rec.mac = dev.MAC
	}
	if len(dev.Vlans) != 0 {
		rec.vlans = append([]api.VlanID(nil), dev.Vlans...)
	}
	e.devices[dev.ID] = rec
	return rec
}

func (e *Engine) lookup(dev api.Device) deviceRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec := e.devices[dev.ID]
	if dev.MAC != 0 {
		rec.mac = dev.MAC
	}
	if len(dev.Vlans) != 0 {
		rec.vlans = dev.Vlans
	}
	return rec
}

// interfaces returns the interfaces of the device known from its VLANs and
// from the index.
func (e *Engine) interfaces(rec deviceRecord) []api.InterfaceKey {
	seen := make(map[api.InterfaceKey]struct{})
	var intfs []api.InterfaceKey
	add := func(i api.InterfaceKey) {
		if _, ok := seen[i]; !ok {
			seen[i] = struct{}{}
			intfs = append(intfs, i)
		}
	}
	for _, v := range rec.vlans {
		add(api.InterfaceKey{MAC: rec.mac, Vlan: v})
	}
	for _, i := range e.index.InterfacesByMAC(rec.mac) {
		add(i)
	}
	return api.SortInterfaces(intfs)
}

// DeviceRemoved removes every membership of every interface of the device.
func (e *Engine) DeviceRemoved(ctx context.Context, dev api.Device) {
	defer reconcileTimer.WithValues("removed").UpdateSince(time.Now())
	logger := log.G(withModule(ctx)).WithField("device", dev.ID)

	rec := e.lookup(dev)
	e.mu.Lock()
	delete(e.devices, dev.ID)
	e.mu.Unlock()

	if rec.mac == 0 {
		logger.Debug("ignoring removal of device without MAC address")
		return
	}

	intfs := e.interfaces(rec)
	var removed int
	err := e.index.Update(func(tx membership.Tx) error {
		for _, i := range intfs {
			for _, g := range tx.GroupsOf(i) {
				for _, ap := range tx.AttachmentPointsOf(g, i) {
					ok, err := tx.Remove(g, i, ap)
					if err != nil {
						return err
					}
					if ok {
						removed++
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("failed to remove device memberships")
		return
	}
	logger.WithField("removed", removed).Debug("device removed")
}

// DeviceMoved reconciles the recorded attachment points of every interface
// of the device with dev.AttachmentPoints, the complete list of where the
// device is currently seen, at most one per island. Recorded attachment
// points in islands where the device is no longer seen are removed, so a
// move to nowhere leaves every group.
func (e *Engine) DeviceMoved(ctx context.Context, dev api.Device) {
	defer reconcileTimer.WithValues("moved").UpdateSince(time.Now())
	ctx = log.WithFields(withModule(ctx), logrus.Fields{"device": dev.ID})
	logger := log.G(ctx)

	rec := e.record(dev)
	if rec.mac == 0 {
		logger.Debug("ignoring move of device without MAC address")
		return
	}
	reported := make(map[api.IslandID]api.AttachmentPoint)
	for _, ap := range dev.AttachmentPoints {
		if !ap.Valid() {
			logger.WithField("ap", ap).Debug("skipping invalid attachment point")
			continue
		}
		island, ok := e.islands.IslandOf(ap.Switch)
		if !ok {
			logger.WithField("ap", ap).Debug("skipping attachment point outside any island")
			continue
		}
		if first, dup := reported[island]; dup {
			if first != ap {
				e.violation(ctx, island, []api.AttachmentPoint{first, ap})
			}
			continue
		}
		reported[island] = ap
	}
	if len(reported) == 0 {
		logger.WithField("aps", dev.AttachmentPoints).Warn("device moved without any resolvable attachment point")
	}

	for _, i := range e.interfaces(rec) {
		for _, g := range e.index.GroupsOf(i) {
			e.reconcile(ctx, g, i, reported)
		}
	}
}

// reconcile applies the reported attachment points to one (group,
// interface) pair in a single transaction.
func (e *Engine) reconcile(ctx context.Context, g api.GroupKey, i api.InterfaceKey, reported map[api.IslandID]api.AttachmentPoint) {
	logger := log.G(ctx).WithFields(logrus.Fields{"group": g, "interface": i})

	type violation struct {
		island api.IslandID
		aps    []api.AttachmentPoint
	}
	var violations []violation

	err := e.index.Update(func(tx membership.Tx) error {
		recorded := make(map[api.IslandID][]api.AttachmentPoint)
		for _, ap := range tx.AttachmentPointsOf(g, i) {
			island, ok := e.islands.IslandOf(ap.Switch)
			if !ok {
				// The switch left the fabric.
				if _, err := tx.Remove(g, i, ap); err != nil {
					return err
				}
				continue
			}
			recorded[island] = append(recorded[island], ap)
		}

		for _, island := range sortedIslands(recorded) {
			aps := recorded[island]
			if len(aps) > 1 {
				violations = append(violations, violation{island, aps})
			}

			current, present := reported[island]
			for _, ap := range aps {
				if present && ap == current {
					continue
				}
				if _, err := tx.Remove(g, i, ap); err != nil {
					return err
				}
			}
			if present && !tx.Contains(g, i, current) {
				if _, err := tx.Add(g, i, current); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("failed to reconcile attachment points")
	}
	for _, v := range violations {
		e.violation(ctx, v.island, v.aps)
	}
}

func (e *Engine) violation(ctx context.Context, island api.IslandID, aps []api.AttachmentPoint) {
	violationCounter.Inc()
	msg := fmt.Sprintf("%d attachment points in island %s: %v", len(aps), island, aps)
	if e.config.StrictIslands {
		panic(msg)
	}
	log.G(ctx).Warn(msg)
}

// DeviceVlanChanged removes the interfaces of the device on VLANs it no
// longer carries. A device without VLANs carries only untagged traffic.
func (e *Engine) DeviceVlanChanged(ctx context.Context, dev api.Device) {
	defer reconcileTimer.WithValues("vlan").UpdateSince(time.Now())
	logger := log.G(withModule(ctx)).WithField("device", dev.ID)

	e.mu.Lock()
	rec := e.devices[dev.ID]
	if dev.MAC != 0 {
		rec.mac = dev.MAC
	}
	rec.vlans = append([]api.VlanID(nil), dev.Vlans...)
	e.devices[dev.ID] = rec
	e.mu.Unlock()

	if rec.mac == 0 {
		logger.Debug("ignoring VLAN change of device without MAC address")
		return
	}

	keep := map[api.VlanID]struct{}{}
	for _, v := range dev.Interfaces() {
		keep[v.Vlan] = struct{}{}
	}
	for _, i := range e.index.InterfacesByMAC(rec.mac) {
		if _, ok := keep[i.Vlan]; ok {
			continue
		}
		n := e.index.DeleteInterface(i)
		logger.WithFields(logrus.Fields{"interface": i, "removed": n}).Debug("VLAN revoked")
	}
}

func sortedIslands(m map[api.IslandID][]api.AttachmentPoint) []api.IslandID {
	ids := make([]api.IslandID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
