package scenario

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/moby/mcastkit/api"
	"github.com/moby/mcastkit/manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	h1 = api.InterfaceKey{MAC: 0xaabbccddeeff, Vlan: 10}
	h2 = api.InterfaceKey{MAC: 0x020000000002}
)

func ap(sw api.SwitchID, port api.PortID) api.AttachmentPoint {
	return api.AttachmentPoint{Switch: sw, Port: port}
}

func TestLoadAndRun(t *testing.T) {
	ctx := context.Background()
	s, err := Load("testdata/two-islands.yaml")
	require.NoError(t, err)
	assert.Len(t, s.Events, 7)

	r, err := NewRunner(ctx, s, nil)
	require.NoError(t, err)
	defer r.Manager.Stop()
	require.NoError(t, r.Run(ctx))

	group := api.GroupFromAddr(netip.MustParseAddr("239.1.1.1"))
	assert.Equal(t, []api.Membership{
		{Group: group, Interface: h2, AttachmentPoint: ap(2, 5)},
		{Group: group, Interface: h1, AttachmentPoint: ap(1, 2)},
	}, r.Manager.Index().Memberships())
	assert.False(t, r.Manager.Index().IsGroup(api.GroupFromAddr(netip.MustParseAddr("239.9.9.9"))))

	assert.Len(t, r.Manager.Registry().Islands(), 1)
	v := r.Manager.Registry().ViewOf(1, group)
	assert.Equal(t, []api.SwitchID{1, 2}, v.Switches())

	qualified := api.GroupWithVlan(netip.MustParseAddr("239.1.1.1"), 10)
	opts, ok := r.Manager.Index().GroupOptions(qualified)
	require.True(t, ok)
	assert.Equal(t, uint16(100), opts.FlowPriority)
	assert.True(t, opts.HasQueue)
	assert.Equal(t, uint32(2), opts.QueueID)
	assert.Equal(t, 30*time.Second, opts.IdleTimeout)

	stats := r.Stats()
	assert.Equal(t, 7, stats.Steps)
	// two joins, two moves, one join then drop
	assert.Equal(t, 5, stats.Added)
	assert.Equal(t, 3, stats.Removed)
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
		want string
	}{
		{name: "unknown field", doc: "switchs: [1]", want: "failed to decode"},
		{name: "bad switch", doc: "switches: [\"1:2\"]", want: "switches"},
		{name: "bad link", doc: "links: [{src: 1, dst: 2/1}]", want: "links[0]"},
		{name: "duplicate host", doc: "hosts: [{id: a, mac: \"02:00:00:00:00:01\"}, {id: a, mac: \"02:00:00:00:00:02\"}]", want: "duplicate id"},
		{name: "bad mac", doc: "hosts: [{id: a, mac: nope}]", want: "hosts[0]"},
		{name: "unicast group", doc: "groups: [{group: 10.0.0.1}]", want: "groups[0]"},
		{name: "unknown op", doc: "events: [{op: explode}]", want: "unknown op"},
		{name: "unknown host", doc: "events: [{op: remove, host: ghost}]", want: "unknown host"},
		{name: "link without ends", doc: "events: [{op: link-up}]", want: "missing link"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	s, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, s.Events)
}

func TestVlanAndRemoval(t *testing.T) {
	ctx := context.Background()
	s, err := Parse(strings.NewReader(`
switches: ["1"]
hosts:
  - {id: h1, mac: "aa:bb:cc:dd:ee:ff", vlans: [10, 20], at: [1/1]}
events:
  - {op: join, host: h1, group: 239.1.1.1, vlan: 10}
  - {op: join, host: h1, group: 239.1.1.2, vlan: 20}
  - {op: vlan, host: h1, vlans: [10]}
`))
	require.NoError(t, err)

	r, err := NewRunner(ctx, s, nil)
	require.NoError(t, err)
	defer r.Manager.Stop()
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, []api.InterfaceKey{h1}, r.Manager.Index().AllInterfaces())

	require.NoError(t, r.Apply(ctx, EventSpec{Op: OpRemove, Host: "h1"}))
	assert.Empty(t, r.Manager.Index().Memberships())
	assert.Error(t, r.Apply(ctx, EventSpec{Op: OpRemove, Host: "h1"}))
}

func TestSwitchDown(t *testing.T) {
	ctx := context.Background()
	s, err := Parse(strings.NewReader(`
switches: ["1", "2"]
links: [{src: 1/48, dst: 2/48}]
hosts:
  - {id: h1, mac: "02:00:00:00:00:02", at: [2/1]}
events:
  - {op: join, host: h1, group: 239.1.1.1}
  - {op: switch-down, switch: "2"}
`))
	require.NoError(t, err)

	r, err := NewRunner(ctx, s, &manager.Config{})
	require.NoError(t, err)
	defer r.Manager.Stop()
	require.NoError(t, r.Run(ctx))

	group := api.GroupFromAddr(netip.MustParseAddr("239.1.1.1"))
	assert.True(t, r.Manager.Registry().ViewOf(1, group).IsEmpty())
	assert.True(t, r.Manager.Index().HasMember(group, h2))
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	s, err := Parse(strings.NewReader(`switches: ["1"]`))
	require.NoError(t, err)
	r, err := NewRunner(ctx, s, nil)
	require.NoError(t, err)
	defer r.Manager.Stop()

	report := []byte{
		0x22, 0, 0, 0, 0, 0, 0, 1,
		0x04, 0, 0, 0, 239, 1, 1, 1,
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
			DstMAC:       net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0x16},
			EthernetType: layers.EthernetTypeIPv4,
		},
		&layers.IPv4{
			Version:  4,
			TTL:      1,
			Protocol: layers.IPProtocolIGMP,
			SrcIP:    net.IPv4(10, 0, 0, 2),
			DstIP:    net.IPv4(224, 0, 0, 22),
		},
		gopacket.Payload(report),
	))

	var capture bytes.Buffer
	w := pcapgo.NewWriter(&capture)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for i := 0; i < 2; i++ {
		frame := buf.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     time.Unix(int64(i), 0),
			CaptureLength: len(frame),
			Length:        len(frame),
		}, frame))
	}

	vlan := api.VlanID(7)
	require.NoError(t, r.Replay(ctx, &capture, ap(1, 3), &vlan))

	group := api.GroupFromAddr(netip.MustParseAddr("239.1.1.1"))
	assert.Equal(t, []api.Membership{
		{Group: group, Interface: api.InterfaceKey{MAC: h2.MAC, Vlan: 7}, AttachmentPoint: ap(1, 3)},
	}, r.Manager.Index().Memberships())
	assert.Equal(t, 2, r.Stats().Frames)
	assert.Equal(t, 1, r.Stats().Added)
}
