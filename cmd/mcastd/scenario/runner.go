package scenario

import (
	"context"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"github.com/moby/mcastkit/api"
	"github.com/moby/mcastkit/log"
	"github.com/moby/mcastkit/manager"
	"github.com/moby/mcastkit/manager/igmp"
	"github.com/moby/mcastkit/topology"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Stats counts what happened while playing a scenario.
type Stats struct {
	Steps   int
	Frames  int
	Added   int
	Removed int
}

// Runner owns the fabric and the manager built from a scenario.
type Runner struct {
	Graph   *topology.Graph
	Manager *manager.Manager

	scenario *Scenario
	hosts    map[string]api.Device
	stats    Stats
}

// NewRunner builds the fabric, creates the manager, installs the group
// options and announces every host.
func NewRunner(ctx context.Context, s *Scenario, config *manager.Config) (*Runner, error) {
	g := topology.NewGraph()
	for _, sw := range s.Switches {
		id, err := api.ParseSwitchID(sw)
		if err != nil {
			return nil, err
		}
		if err := g.AddSwitch(id); err != nil {
			return nil, err
		}
	}
	for i, l := range s.Links {
		ends, err := l.parse()
		if err != nil {
			return nil, err
		}
		if err := g.AddLink(topology.Link{Src: ends[0], Dst: ends[1]}); err != nil {
			return nil, errors.Wrapf(err, "links[%d]", i)
		}
	}

	if config == nil {
		config = manager.DefaultConfig()
	}
	if s.Defaults != nil {
		c := *config
		c.DefaultGroupOptions = s.Defaults.Options(c.DefaultGroupOptions)
		config = &c
	}
	m, err := manager.New(ctx, config, g)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		Graph:    g,
		Manager:  m,
		scenario: s,
		hosts:    make(map[string]api.Device, len(s.Hosts)),
	}
	m.AddListener(api.ListenerFunc(r.count))

	for _, gs := range s.Groups {
		group, err := parseGroup(gs.Group)
		if err != nil {
			return nil, err
		}
		m.Index().SetGroupOptions(group, gs.Options(config.DefaultGroupOptions))
	}
	for _, h := range s.Hosts {
		dev, err := h.device()
		if err != nil {
			return nil, err
		}
		r.hosts[dev.ID] = dev
		m.DeviceAdded(ctx, dev)
	}
	return r, nil
}

func (r *Runner) count(ev api.Event) {
	switch ev.(type) {
	case api.EventAdded:
		r.stats.Added++
	case api.EventRemoved:
		r.stats.Removed++
	}
}

// Stats returns the counters accumulated so far.
func (r *Runner) Stats() Stats {
	return r.stats
}

// Run plays every scripted event in order.
func (r *Runner) Run(ctx context.Context) error {
	for i, ev := range r.scenario.Events {
		if err := r.Apply(ctx, ev); err != nil {
			return errors.Wrapf(err, "events[%d]", i)
		}
	}
	return nil
}

// Apply plays one event.
func (r *Runner) Apply(ctx context.Context, ev EventSpec) error {
	log.G(ctx).WithFields(logrus.Fields{"op": ev.Op, "host": ev.Host}).Debug("applying event")
	r.stats.Steps++

	switch ev.Op {
	case OpJoin, OpLeave:
		dev, err := r.host(ev.Host)
		if err != nil {
			return err
		}
		g, err := parseGroup(ev.Group)
		if err != nil {
			return err
		}
		aps, err := parseAttachmentPoints(ev.At)
		if err != nil {
			return err
		}
		if len(aps) == 0 {
			aps = dev.AttachmentPoints
		}
		if len(aps) == 0 {
			return errors.Errorf("%s: host %s has no attachment point", ev.Op, dev.ID)
		}
		kind := api.ReportJoin
		if ev.Op == OpLeave {
			kind = api.ReportLeave
		}
		r.Manager.HandleReport(ctx, api.MembershipReport{
			Kind: kind,
			Membership: api.Membership{
				Group:           g,
				Interface:       api.InterfaceKey{MAC: dev.MAC, Vlan: api.VlanID(ev.Vlan)},
				AttachmentPoint: aps[0],
			},
		})
	case OpMove:
		dev, err := r.host(ev.Host)
		if err != nil {
			return err
		}
		if dev.AttachmentPoints, err = parseAttachmentPoints(ev.At); err != nil {
			return err
		}
		r.hosts[dev.ID] = dev
		r.Manager.DeviceMoved(ctx, dev)
	case OpRemove:
		dev, err := r.host(ev.Host)
		if err != nil {
			return err
		}
		delete(r.hosts, dev.ID)
		r.Manager.DeviceRemoved(ctx, dev)
	case OpVlan:
		dev, err := r.host(ev.Host)
		if err != nil {
			return err
		}
		dev.Vlans = nil
		for _, v := range ev.Vlans {
			if !api.VlanID(v).Valid() {
				return errors.Errorf("vlan: invalid VLAN %d", v)
			}
			dev.Vlans = append(dev.Vlans, api.VlanID(v))
		}
		r.hosts[dev.ID] = dev
		r.Manager.DeviceVlanChanged(ctx, dev)
	case OpLinkUp, OpLinkDown:
		if ev.Link == nil {
			return errors.Errorf("%s: missing link", ev.Op)
		}
		ends, err := ev.Link.parse()
		if err != nil {
			return err
		}
		l := topology.Link{Src: ends[0], Dst: ends[1]}
		if ev.Op == OpLinkDown {
			r.Graph.RemoveLink(l)
			return nil
		}
		return r.Graph.AddLink(l)
	case OpSwitchUp, OpSwitchDown:
		sw, err := api.ParseSwitchID(ev.Switch)
		if err != nil {
			return err
		}
		if ev.Op == OpSwitchDown {
			return r.Graph.RemoveSwitch(sw)
		}
		return r.Graph.AddSwitch(sw)
	case OpDropGroup:
		g, err := parseGroup(ev.Group)
		if err != nil {
			return err
		}
		r.Manager.Index().DeleteGroup(g)
	default:
		return errors.Errorf("unknown op %q", ev.Op)
	}
	return nil
}

func (r *Runner) host(id string) (api.Device, error) {
	dev, ok := r.hosts[id]
	if !ok {
		return api.Device{}, errors.Errorf("unknown host %q", id)
	}
	return dev, nil
}

// Replay feeds every frame of a pcap capture through the IGMP snooper as if
// it had been received on ingress. A nil vlan leaves VLAN detection to the
// 802.1Q tag of each frame.
func (r *Runner) Replay(ctx context.Context, capture io.Reader, ingress api.AttachmentPoint, vlan *api.VlanID) error {
	pr, err := pcapgo.NewReader(capture)
	if err != nil {
		return errors.Wrap(err, "failed to read capture")
	}
	for {
		data, _, err := pr.ReadPacketData()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read frame %d", r.stats.Frames+1)
		}
		r.stats.Frames++

		frame := igmp.Frame{
			Ingress: ingress,
			Packet:  gopacket.NewPacket(data, pr.LinkType(), gopacket.Default),
		}
		if vlan != nil {
			frame.MatchVlan = *vlan
			frame.HasMatchVlan = true
		}
		r.Manager.HandleFrame(ctx, frame)
	}
}
