package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMACAddr(t *testing.T) {
	mac, err := ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)
	assert.Equal(t, MACAddr(0x001122334455), mac)
	assert.Equal(t, "00:11:22:33:44:55", mac.String())

	back, ok := MACAddrFromSlice(mac.AsSlice())
	assert.True(t, ok)
	assert.Equal(t, mac, back)

	_, ok = MACAddrFromSlice([]byte{1, 2, 3})
	assert.False(t, ok)

	_, err = ParseMAC("00:00:5e:00:53:01:02:03")
	assert.Error(t, err)
	_, err = ParseMAC("nonsense")
	assert.Error(t, err)
}

func TestKeysValid(t *testing.T) {
	assert.True(t, InterfaceKey{MAC: 1}.Valid())
	assert.True(t, InterfaceKey{MAC: 1, Vlan: VlanMax}.Valid())
	assert.False(t, InterfaceKey{MAC: 0, Vlan: 10}.Valid())
	assert.False(t, InterfaceKey{MAC: 1, Vlan: VlanMax + 1}.Valid())

	assert.True(t, AttachmentPoint{Switch: 1, Port: 1}.Valid())
	assert.False(t, AttachmentPoint{Switch: 0, Port: 1}.Valid())
	assert.False(t, AttachmentPoint{Switch: 1, Port: 0}.Valid())
}

func TestSwitchID(t *testing.T) {
	assert.Equal(t, "00:00:00:00:00:00:00:0a", SwitchID(10).String())

	for in, out := range map[string]SwitchID{
		"00:00:00:00:00:00:00:0a": 10,
		"10":                      10,
		"0x1f":                    31,
	} {
		id, err := ParseSwitchID(in)
		require.NoError(t, err, in)
		assert.Equal(t, out, id, in)
	}

	_, err := ParseSwitchID("00:0a")
	assert.Error(t, err)
	_, err = ParseSwitchID("switch")
	assert.Error(t, err)
}

func TestParseAttachmentPoint(t *testing.T) {
	ap, err := ParseAttachmentPoint("3/7")
	require.NoError(t, err)
	assert.Equal(t, AttachmentPoint{Switch: 3, Port: 7}, ap)
	assert.Equal(t, "3/7", ap.String())

	for _, s := range []string{"3", "3/x", "0/1", "1/0"} {
		_, err := ParseAttachmentPoint(s)
		assert.Error(t, err, s)
	}
}

func TestSorting(t *testing.T) {
	aps := SortAttachmentPoints([]AttachmentPoint{{2, 1}, {1, 9}, {1, 2}})
	assert.Equal(t, []AttachmentPoint{{1, 2}, {1, 9}, {2, 1}}, aps)

	intfs := SortInterfaces([]InterfaceKey{{MAC: 2}, {MAC: 1, Vlan: 5}, {MAC: 1}})
	assert.Equal(t, []InterfaceKey{{MAC: 1}, {MAC: 1, Vlan: 5}, {MAC: 2}}, intfs)
}

func TestDeviceInterfaces(t *testing.T) {
	dev := Device{ID: "h1", MAC: 1}
	assert.Equal(t, []InterfaceKey{{MAC: 1}}, dev.Interfaces())

	dev.Vlans = []VlanID{10, 20}
	assert.Equal(t, []InterfaceKey{{MAC: 1, Vlan: 10}, {MAC: 1, Vlan: 20}}, dev.Interfaces())
}
