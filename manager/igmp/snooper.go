package igmp

import (
	"context"
	"net/netip"

	metrics "github.com/docker/go-metrics"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/moby/mcastkit/api"
	"github.com/moby/mcastkit/log"
	"github.com/moby/mcastkit/manager/membership"
	"github.com/moby/mcastkit/topology"
	"github.com/sirupsen/logrus"
)

var recordCounter metrics.LabeledCounter

func init() {
	ns := metrics.NewNamespace("mcastkit", "igmp", nil)
	recordCounter = ns.NewLabeledCounter("group_records", "The number of IGMPv3 group records handled", "action")
	metrics.Register(ns)
}

// Reporter applies decoded joins and leaves.
type Reporter interface {
	HandleReport(ctx context.Context, report api.MembershipReport)
}

// Config tunes the interpretation of reports.
type Config struct {
	// QualifyByVlan keys groups joined on a tagged VLAN by address and VLAN.
	QualifyByVlan bool
	// DefaultGroupOptions are installed for a group on its first join.
	DefaultGroupOptions api.GroupOptions
}

// Frame is a packet received from a switch.
type Frame struct {
	Ingress api.AttachmentPoint
	// MatchVlan is the VLAN the switch matched the frame on, if any. It
	// takes precedence over the 802.1Q tag of the packet.
	MatchVlan    api.VlanID
	HasMatchVlan bool
	Packet       gopacket.Packet
}

// Snooper turns IGMPv3 membership reports into joins and leaves.
type Snooper struct {
	config   Config
	reporter Reporter
	index    *membership.Index
	ports    topology.PortFilter
}

// NewSnooper returns a snooper feeding reporter. ports may be nil, in which
// case reports are accepted on every port.
func NewSnooper(config Config, reporter Reporter, index *membership.Index, ports topology.PortFilter) *Snooper {
	return &Snooper{
		config:   config,
		reporter: reporter,
		index:    index,
		ports:    ports,
	}
}

// HandleData decodes an Ethernet frame received on ingress and handles it.
func (s *Snooper) HandleData(ctx context.Context, ingress api.AttachmentPoint, data []byte) {
	s.HandleFrame(ctx, Frame{
		Ingress: ingress,
		Packet:  gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default),
	})
}

// HandleFrame interprets every group record of an IGMPv3 membership report.
// Anything else is ignored.
func (s *Snooper) HandleFrame(ctx context.Context, frame Frame) {
	ctx = log.WithModule(ctx, "igmp")
	logger := log.G(ctx).WithField("ingress", frame.Ingress)

	if frame.Packet == nil {
		return
	}
	if errLayer := frame.Packet.ErrorLayer(); errLayer != nil {
		logger.WithError(errLayer.Error()).Debug("ignoring undecodable frame")
		return
	}
	eth, ok := frame.Packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return
	}
	mac, ok := api.MACAddrFromSlice(eth.SrcMAC)
	if !ok || mac == 0 {
		logger.Debug("ignoring frame without source MAC")
		return
	}
	if linkLocal(eth.DstMAC) {
		return
	}
	if s.ports != nil && !s.ports.IsAttachmentPointPort(frame.Ingress) {
		logger.Debug("ignoring report received on an inter-switch port")
		return
	}
	if frame.Packet.Layer(layers.LayerTypeIPv4) == nil {
		return
	}
	report, ok := frame.Packet.Layer(layers.LayerTypeIGMP).(*layers.IGMP)
	if !ok || report.Type != layers.IGMPMembershipReportV3 {
		return
	}

	vlan := frameVlan(frame)
	intf := api.InterfaceKey{MAC: mac, Vlan: vlan}
	for _, record := range report.GroupRecords {
		s.handleRecord(ctx, frame.Ingress, intf, record)
	}
}

func (s *Snooper) handleRecord(ctx context.Context, ingress api.AttachmentPoint, intf api.InterfaceKey, record layers.IGMPv3GroupRecord) {
	addr, ok := netip.AddrFromSlice(record.MulticastAddress)
	if !ok {
		return
	}
	g := api.GroupFromAddr(addr)
	if s.config.QualifyByVlan && intf.Vlan != api.VlanNone {
		g = api.GroupWithVlan(addr, intf.Vlan)
	}
	logger := log.G(ctx).WithFields(logrus.Fields{
		"group":     g,
		"interface": intf,
		"record":    record.Type,
	})
	if !g.Valid() {
		recordCounter.WithValues("invalid").Inc()
		logger.Debug("ignoring record for a non-multicast address")
		return
	}

	var kind api.ReportKind
	switch record.Type {
	case layers.IGMPToEx:
		kind = api.ReportJoin
		s.installDefaults(ctx, g)
	case layers.IGMPToIn:
		kind = api.ReportLeave
	default:
		recordCounter.WithValues("ignored").Inc()
		return
	}
	recordCounter.WithValues(kind.String()).Inc()

	s.reporter.HandleReport(ctx, api.MembershipReport{
		Kind: kind,
		Membership: api.Membership{
			Group:           g,
			Interface:       intf,
			AttachmentPoint: ingress,
		},
	})
}

func (s *Snooper) installDefaults(ctx context.Context, g api.GroupKey) {
	if s.index == nil {
		return
	}
	var installed bool
	err := s.index.Update(func(tx membership.Tx) error {
		if _, ok := tx.GroupOptions(g); ok {
			return nil
		}
		installed = true
		return tx.SetGroupOptions(g, s.config.DefaultGroupOptions)
	})
	if err != nil {
		log.G(ctx).WithError(err).WithField("group", g).Error("failed to install default group options")
		return
	}
	if installed {
		log.G(ctx).WithField("group", g).Debug("installed default group options")
	}
}

// Classify returns the most specific known group a multicast data frame
// belongs to.
func (s *Snooper) Classify(frame Frame) (api.GroupKey, bool) {
	if s.index == nil || frame.Packet == nil {
		return api.GroupKey{}, false
	}
	var dst netip.Addr
	switch ip := frame.Packet.NetworkLayer().(type) {
	case *layers.IPv4:
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	case *layers.IPv6:
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	default:
		return api.GroupKey{}, false
	}
	if !dst.IsValid() || !dst.Unmap().IsMulticast() {
		return api.GroupKey{}, false
	}

	var port uint16
	switch l4 := frame.Packet.TransportLayer().(type) {
	case *layers.UDP:
		port = uint16(l4.DstPort)
	case *layers.TCP:
		port = uint16(l4.DstPort)
	}
	return s.index.QueryGroup(dst, frameVlan(frame), port)
}

func frameVlan(frame Frame) api.VlanID {
	if frame.HasMatchVlan {
		return frame.MatchVlan
	}
	if tag, ok := frame.Packet.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q); ok {
		return api.VlanID(tag.VLANIdentifier)
	}
	return api.VlanNone
}

// linkLocal reports whether dst is one of the reserved 01:80:c2:00:00:0x
// addresses that bridges never forward.
func linkLocal(dst []byte) bool {
	return len(dst) == 6 &&
		dst[0] == 0x01 && dst[1] == 0x80 && dst[2] == 0xc2 &&
		dst[3] == 0 && dst[4] == 0 && dst[5]&0xf0 == 0
}
