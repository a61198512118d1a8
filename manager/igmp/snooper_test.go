package igmp

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/moby/mcastkit/api"
	"github.com/moby/mcastkit/manager/membership"
	"github.com/moby/mcastkit/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reports []api.MembershipReport

func (r *reports) HandleReport(_ context.Context, report api.MembershipReport) {
	*r = append(*r, report)
}

type oneIsland struct{}

func (oneIsland) IslandOf(api.SwitchID) (api.IslandID, bool) { return 1, true }

type portSet map[api.AttachmentPoint]bool

func (p portSet) IsAttachmentPointPort(ap api.AttachmentPoint) bool { return p[ap] }

type record struct {
	kind  layers.IGMPv3GroupRecordType
	group string
}

var (
	hostMAC = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	igmpMAC = net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0x16}
	ingress = api.AttachmentPoint{Switch: 1, Port: 1}
	ctx     = context.Background()

	defaults = api.GroupOptions{FlowPriority: 7, IdleTimeout: 10 * time.Second}
)

// igmpv3Report encodes a membership report without sources.
func igmpv3Report(records ...record) []byte {
	b := make([]byte, 8, 8+8*len(records))
	b[0] = byte(layers.IGMPMembershipReportV3)
	binary.BigEndian.PutUint16(b[6:], uint16(len(records)))
	for _, r := range records {
		rec := make([]byte, 8)
		rec[0] = byte(r.kind)
		copy(rec[4:], net.ParseIP(r.group).To4())
		b = append(b, rec...)
	}
	return b
}

func frame(t *testing.T, src, dst net.HardwareAddr, vlan uint16, payload []byte) []byte {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      1,
		Protocol: layers.IPProtocolIGMP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(224, 0, 0, 22),
	}
	return serialize(t, src, dst, vlan, ip, gopacket.Payload(payload))
}

func serialize(t *testing.T, src, dst net.HardwareAddr, vlan uint16, upper ...gopacket.SerializableLayer) []byte {
	eth := &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: layers.EthernetTypeIPv4}
	if len(upper) > 0 {
		if _, ok := upper[0].(*layers.IPv6); ok {
			eth.EthernetType = layers.EthernetTypeIPv6
		}
	}
	stack := []gopacket.SerializableLayer{eth}
	if vlan != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		stack = append(stack, &layers.Dot1Q{VLANIdentifier: vlan, Type: layers.EthernetTypeIPv4})
	}
	stack = append(stack, upper...)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, stack...))
	return buf.Bytes()
}

func newSnooper(config Config, ports portSet) (*Snooper, *reports, *membership.Index) {
	idx := membership.New(oneIsland{}, nil)
	got := &reports{}
	var filter topology.PortFilter
	if ports != nil {
		filter = ports
	}
	return NewSnooper(config, got, idx, filter), got, idx
}

func join(g api.GroupKey, i api.InterfaceKey) api.MembershipReport {
	return api.MembershipReport{
		Kind:       api.ReportJoin,
		Membership: api.Membership{Group: g, Interface: i, AttachmentPoint: ingress},
	}
}

func leave(g api.GroupKey, i api.InterfaceKey) api.MembershipReport {
	r := join(g, i)
	r.Kind = api.ReportLeave
	return r
}

func TestJoinAndLeave(t *testing.T) {
	s, got, idx := newSnooper(Config{DefaultGroupOptions: defaults}, nil)
	g := api.GroupFromAddr(netip.MustParseAddr("239.1.1.1"))
	intf := api.InterfaceKey{MAC: 0xaabbccddeeff}

	s.HandleData(ctx, ingress, frame(t, hostMAC, igmpMAC, 0, igmpv3Report(record{layers.IGMPToEx, "239.1.1.1"})))
	s.HandleData(ctx, ingress, frame(t, hostMAC, igmpMAC, 0, igmpv3Report(record{layers.IGMPToIn, "239.1.1.1"})))

	assert.Equal(t, reports{join(g, intf), leave(g, intf)}, *got)

	opts, ok := idx.GroupOptions(g)
	assert.True(t, ok)
	assert.Equal(t, defaults, opts)
}

func TestEveryRecordIsInterpreted(t *testing.T) {
	s, got, _ := newSnooper(Config{}, nil)
	intf := api.InterfaceKey{MAC: 0xaabbccddeeff}

	s.HandleData(ctx, ingress, frame(t, hostMAC, igmpMAC, 0, igmpv3Report(
		record{layers.IGMPToEx, "239.1.1.1"},
		record{layers.IGMPIsEx, "239.1.1.2"},
		record{layers.IGMPAllow, "239.1.1.3"},
		record{layers.IGMPToIn, "239.1.1.4"},
		record{layers.IGMPToEx, "10.0.0.1"},
	)))

	assert.Equal(t, reports{
		join(api.GroupFromAddr(netip.MustParseAddr("239.1.1.1")), intf),
		leave(api.GroupFromAddr(netip.MustParseAddr("239.1.1.4")), intf),
	}, *got)
}

func TestExistingOptionsAreKept(t *testing.T) {
	s, _, idx := newSnooper(Config{DefaultGroupOptions: defaults}, nil)
	g := api.GroupFromAddr(netip.MustParseAddr("239.1.1.1"))
	custom := api.GroupOptions{FlowPriority: 100, TableID: 2}
	require.True(t, idx.SetGroupOptions(g, custom))

	s.HandleData(ctx, ingress, frame(t, hostMAC, igmpMAC, 0, igmpv3Report(record{layers.IGMPToEx, "239.1.1.1"})))

	opts, _ := idx.GroupOptions(g)
	assert.Equal(t, custom, opts)
}

func TestVlan(t *testing.T) {
	addr := netip.MustParseAddr("239.1.1.1")
	data := frame(t, hostMAC, igmpMAC, 10, igmpv3Report(record{layers.IGMPToEx, "239.1.1.1"}))

	for _, tc := range []struct {
		name     string
		qualify  bool
		match    api.VlanID
		hasMatch bool
		want     api.MembershipReport
	}{
		{
			name: "tag",
			want: join(api.GroupFromAddr(addr), api.InterfaceKey{MAC: 0xaabbccddeeff, Vlan: 10}),
		},
		{
			name:    "qualified",
			qualify: true,
			want:    join(api.GroupWithVlan(addr, 10), api.InterfaceKey{MAC: 0xaabbccddeeff, Vlan: 10}),
		},
		{
			name:     "match field",
			qualify:  true,
			match:    20,
			hasMatch: true,
			want:     join(api.GroupWithVlan(addr, 20), api.InterfaceKey{MAC: 0xaabbccddeeff, Vlan: 20}),
		},
		{
			name:     "untagged match field",
			qualify:  true,
			hasMatch: true,
			want:     join(api.GroupFromAddr(addr), api.InterfaceKey{MAC: 0xaabbccddeeff}),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, got, _ := newSnooper(Config{QualifyByVlan: tc.qualify}, nil)
			s.HandleFrame(ctx, Frame{
				Ingress:      ingress,
				MatchVlan:    tc.match,
				HasMatchVlan: tc.hasMatch,
				Packet:       gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default),
			})
			assert.Equal(t, reports{tc.want}, *got)
		})
	}
}

func TestIgnoredFrames(t *testing.T) {
	toEx := igmpv3Report(record{layers.IGMPToEx, "239.1.1.1"})
	v2Report := []byte{byte(layers.IGMPMembershipReportV2), 0, 0, 0, 239, 1, 1, 1}

	for _, tc := range []struct {
		name  string
		ports portSet
		data  []byte
	}{
		{name: "no source MAC", data: frame(t, make(net.HardwareAddr, 6), igmpMAC, 0, toEx)},
		{name: "link local destination", data: frame(t, hostMAC, net.HardwareAddr{0x01, 0x80, 0xc2, 0, 0, 0x0e}, 0, toEx)},
		{name: "inter-switch port", ports: portSet{{Switch: 1, Port: 2}: true}, data: frame(t, hostMAC, igmpMAC, 0, toEx)},
		{name: "IGMPv2", data: frame(t, hostMAC, igmpMAC, 0, v2Report)},
		{name: "truncated", data: frame(t, hostMAC, igmpMAC, 0, toEx)[:20]},
		{name: "IPv6", data: serialize(t, hostMAC, igmpMAC, 0, &layers.IPv6{
			Version:    6,
			HopLimit:   1,
			NextHeader: layers.IPProtocolNoNextHeader,
			SrcIP:      net.ParseIP("fe80::1"),
			DstIP:      net.ParseIP("ff02::16"),
		})},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, got, _ := newSnooper(Config{}, tc.ports)
			s.HandleData(ctx, ingress, tc.data)
			assert.Empty(t, *got)
		})
	}

	s, got, _ := newSnooper(Config{}, portSet{ingress: true})
	s.HandleData(ctx, ingress, frame(t, hostMAC, igmpMAC, 0, toEx))
	assert.Len(t, *got, 1)
}

func TestClassify(t *testing.T) {
	s, _, idx := newSnooper(Config{}, nil)
	addr := netip.MustParseAddr("239.1.1.1")

	data := func(vlan uint16, dst string, port layers.UDPPort) Frame {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      16,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 0, 0, 1),
			DstIP:    net.ParseIP(dst),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: port}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		raw := serialize(t, hostMAC, igmpMAC, vlan, ip, udp, gopacket.Payload("data"))
		return Frame{Ingress: ingress, Packet: gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)}
	}

	_, ok := s.Classify(data(10, "239.1.1.1", 5000))
	assert.False(t, ok)

	require.True(t, idx.SetGroupOptions(api.GroupFromAddr(addr), api.DefaultGroupOptions()))
	g, ok := s.Classify(data(10, "239.1.1.1", 5000))
	assert.True(t, ok)
	assert.Equal(t, api.GroupFromAddr(addr), g)

	require.True(t, idx.Add(api.GroupWithPort(addr, 5000), api.InterfaceKey{MAC: 1}, ingress))
	g, _ = s.Classify(data(10, "239.1.1.1", 5000))
	assert.Equal(t, api.GroupWithPort(addr, 5000), g)

	require.True(t, idx.SetGroupOptions(api.GroupWithVlanPort(addr, 10, 5000), api.DefaultGroupOptions()))
	g, _ = s.Classify(data(10, "239.1.1.1", 5000))
	assert.Equal(t, api.GroupWithVlanPort(addr, 10, 5000), g)

	// other port on the same VLAN
	g, _ = s.Classify(data(10, "239.1.1.1", 6000))
	assert.Equal(t, api.GroupFromAddr(addr), g)

	_, ok = s.Classify(data(0, "10.1.1.1", 5000))
	assert.False(t, ok)
}
