package api

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// SwitchID is the datapath id of a fabric switch. The zero value is not a
// valid switch.
type SwitchID uint64

// String renders the id in the colon separated form used by OpenFlow
// controllers, for example 00:00:00:00:00:00:00:01.
func (s SwitchID) String() string {
	var b strings.Builder
	for i := 7; i >= 0; i-- {
		fmt.Fprintf(&b, "%02x", byte(uint64(s)>>(uint(i)*8)))
		if i > 0 {
			b.WriteByte(':')
		}
	}
	return b.String()
}

// ParseSwitchID accepts either the colon separated datapath form or a plain
// decimal/0x-prefixed integer.
func ParseSwitchID(s string) (SwitchID, error) {
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) != 8 {
			return 0, fmt.Errorf("invalid datapath id %q", s)
		}
		var v uint64
		for _, p := range parts {
			b, err := strconv.ParseUint(p, 16, 8)
			if err != nil {
				return 0, fmt.Errorf("invalid datapath id %q: %v", s, err)
			}
			v = v<<8 | b
		}
		return SwitchID(v), nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid switch id %q: %v", s, err)
	}
	return SwitchID(v), nil
}

// PortID is a switch port number. Zero is not a valid port.
type PortID uint32

// VlanID is an 802.1Q VLAN id. VlanNone denotes untagged traffic.
type VlanID uint16

const (
	// VlanNone is the VLAN of untagged frames.
	VlanNone VlanID = 0
	// VlanMax is the highest VLAN id that can be carried in a tag.
	VlanMax VlanID = 4095
)

// Valid reports whether v fits in a VLAN tag.
func (v VlanID) Valid() bool {
	return v <= VlanMax
}

// MACAddr is a hashable encoding of a MAC-48 address. The zero value is
// treated as "no address".
type MACAddr uint64

// MACAddrFromSlice parses the 6-byte slice as a MAC-48 address.
// If slice's length is not 6, MACAddrFromSlice returns 0, false.
func MACAddrFromSlice(slice net.HardwareAddr) (MACAddr, bool) {
	if len(slice) != 6 {
		return 0, false
	}
	return MACAddr(slice[0])<<40 | MACAddr(slice[1])<<32 | MACAddr(slice[2])<<24 |
		MACAddr(slice[3])<<16 | MACAddr(slice[4])<<8 | MACAddr(slice[5]), true
}

// ParseMAC parses s as an IEEE 802 MAC-48 address using one of the formats
// accepted by net.ParseMAC.
func ParseMAC(s string) (MACAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return 0, err
	}
	mac, ok := MACAddrFromSlice(hw)
	if !ok {
		return 0, &net.AddrError{Err: "not a MAC-48 address", Addr: s}
	}
	return mac, nil
}

// AsSlice returns the MAC address in its 6-byte representation.
func (m MACAddr) AsSlice() net.HardwareAddr {
	return net.HardwareAddr{
		byte(m >> 40), byte(m >> 32), byte(m >> 24),
		byte(m >> 16), byte(m >> 8), byte(m),
	}
}

func (m MACAddr) String() string {
	return m.AsSlice().String()
}

// InterfaceKey identifies a logical host attachment: a MAC address on a
// VLAN. It says nothing about the physical port the host is behind.
type InterfaceKey struct {
	MAC  MACAddr
	Vlan VlanID
}

// Valid reports whether the key can be stored in the membership index.
func (i InterfaceKey) Valid() bool {
	return i.MAC != 0 && i.Vlan.Valid()
}

func (i InterfaceKey) String() string {
	return fmt.Sprintf("%s/vlan%d", i.MAC, i.Vlan)
}

// AttachmentPoint is the switch port on which an interface is currently
// seen ingressing frames.
type AttachmentPoint struct {
	Switch SwitchID
	Port   PortID
}

// Valid reports whether both the switch and the port are set.
func (ap AttachmentPoint) Valid() bool {
	return ap.Switch != 0 && ap.Port != 0
}

func (ap AttachmentPoint) String() string {
	return fmt.Sprintf("%d/%d", ap.Switch, ap.Port)
}

// Less orders attachment points by switch, then port.
func (ap AttachmentPoint) Less(other AttachmentPoint) bool {
	if ap.Switch != other.Switch {
		return ap.Switch < other.Switch
	}
	return ap.Port < other.Port
}

// ParseAttachmentPoint parses the "switch/port" form produced by String.
func ParseAttachmentPoint(s string) (AttachmentPoint, error) {
	sw, port, ok := strings.Cut(s, "/")
	if !ok {
		return AttachmentPoint{}, fmt.Errorf("invalid attachment point %q: expected switch/port", s)
	}
	swID, err := ParseSwitchID(sw)
	if err != nil {
		return AttachmentPoint{}, err
	}
	p, err := strconv.ParseUint(port, 10, 32)
	if err != nil {
		return AttachmentPoint{}, fmt.Errorf("invalid port in attachment point %q: %v", s, err)
	}
	ap := AttachmentPoint{Switch: swID, Port: PortID(p)}
	if !ap.Valid() {
		return AttachmentPoint{}, fmt.Errorf("invalid attachment point %q", s)
	}
	return ap, nil
}

// IslandID identifies an island (archipelago) of connected switches. It is
// the lowest switch id among the island's members.
type IslandID SwitchID

// IslandNone is returned when a switch does not belong to any island.
const IslandNone IslandID = 0

func (id IslandID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Island is a maximal set of switches reachable from one another.
type Island struct {
	ID       IslandID
	Switches []SwitchID
}

// Membership is the fact "Interface has joined Group and is reachable via
// AttachmentPoint".
type Membership struct {
	Group           GroupKey
	Interface       InterfaceKey
	AttachmentPoint AttachmentPoint
}

// Valid reports whether every part of the triple is valid.
func (m Membership) Valid() bool {
	return m.Group.Valid() && m.Interface.Valid() && m.AttachmentPoint.Valid()
}

func (m Membership) String() string {
	return fmt.Sprintf("%s %s %s", m.Group, m.Interface, m.AttachmentPoint)
}

// Device is a snapshot of a host as known to the device tracker.
type Device struct {
	ID               string
	MAC              MACAddr
	Vlans            []VlanID
	AttachmentPoints []AttachmentPoint
}

// Interfaces returns one InterfaceKey per VLAN of the device. A device with
// no VLANs has a single untagged interface.
func (d Device) Interfaces() []InterfaceKey {
	if len(d.Vlans) == 0 {
		return []InterfaceKey{{MAC: d.MAC, Vlan: VlanNone}}
	}
	intfs := make([]InterfaceKey, 0, len(d.Vlans))
	for _, v := range d.Vlans {
		intfs = append(intfs, InterfaceKey{MAC: d.MAC, Vlan: v})
	}
	return intfs
}

// SortAttachmentPoints sorts aps in place and returns it.
func SortAttachmentPoints(aps []AttachmentPoint) []AttachmentPoint {
	sort.Slice(aps, func(i, j int) bool { return aps[i].Less(aps[j]) })
	return aps
}

// SortInterfaces sorts intfs in place by MAC, then VLAN, and returns it.
func SortInterfaces(intfs []InterfaceKey) []InterfaceKey {
	sort.Slice(intfs, func(i, j int) bool {
		if intfs[i].MAC != intfs[j].MAC {
			return intfs[i].MAC < intfs[j].MAC
		}
		return intfs[i].Vlan < intfs[j].Vlan
	})
	return intfs
}
