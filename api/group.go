package api

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// GroupKind discriminates the variants of GroupKey.
type GroupKind uint8

const (
	// GroupKindAddr is a group identified by its IP address only.
	GroupKindAddr GroupKind = iota + 1
	// GroupKindAddrVlan scopes the address to one VLAN.
	GroupKindAddrVlan
	// GroupKindAddrPort scopes the address to one transport port.
	GroupKindAddrPort
	// GroupKindAddrVlanPort scopes the address to a VLAN and a port.
	GroupKindAddrVlanPort
)

func (k GroupKind) String() string {
	switch k {
	case GroupKindAddr:
		return "addr"
	case GroupKindAddrVlan:
		return "addr+vlan"
	case GroupKindAddrPort:
		return "addr+port"
	case GroupKindAddrVlanPort:
		return "addr+vlan+port"
	}
	return "unknown"
}

// HasVlan reports whether keys of this kind carry a VLAN.
func (k GroupKind) HasVlan() bool {
	return k == GroupKindAddrVlan || k == GroupKindAddrVlanPort
}

// HasPort reports whether keys of this kind carry a transport port.
func (k GroupKind) HasPort() bool {
	return k == GroupKindAddrPort || k == GroupKindAddrVlanPort
}

// GroupKey identifies a multicast group. Two keys are equal only when they
// have the same kind and the same values for the fields of that kind, so
// GroupKey values can be compared with == and used as map keys.
//
// The zero value is not a valid group. Use one of the constructors.
type GroupKey struct {
	kind GroupKind
	addr netip.Addr
	vlan VlanID
	port uint16
}

// GroupFromAddr returns an address-only group key.
func GroupFromAddr(addr netip.Addr) GroupKey {
	return GroupKey{kind: GroupKindAddr, addr: addr.Unmap()}
}

// GroupWithVlan returns a group key scoped to vlan.
func GroupWithVlan(addr netip.Addr, vlan VlanID) GroupKey {
	return GroupKey{kind: GroupKindAddrVlan, addr: addr.Unmap(), vlan: vlan}
}

// GroupWithPort returns a group key scoped to a transport port.
func GroupWithPort(addr netip.Addr, port uint16) GroupKey {
	return GroupKey{kind: GroupKindAddrPort, addr: addr.Unmap(), port: port}
}

// GroupWithVlanPort returns a group key scoped to both a VLAN and a port.
func GroupWithVlanPort(addr netip.Addr, vlan VlanID, port uint16) GroupKey {
	return GroupKey{kind: GroupKindAddrVlanPort, addr: addr.Unmap(), vlan: vlan, port: port}
}

// ParseGroupKey parses the forms produced by GroupKey.String:
//
//	239.1.1.1
//	239.1.1.1%vlan10
//	239.1.1.1:5000
//	[ff0e::1]:5000
//	239.1.1.1%vlan10:5000
func ParseGroupKey(s string) (GroupKey, error) {
	var (
		addrPart = s
		portPart string
		hasPort  bool
	)

	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return GroupKey{}, fmt.Errorf("invalid group %q: missing ]", s)
		}
		addrPart = s[1:end]
		rest := s[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return GroupKey{}, fmt.Errorf("invalid group %q", s)
			}
			portPart, hasPort = rest[1:], true
		}
	} else if strings.Count(s, ":") == 1 {
		addrPart, portPart, hasPort = strings.Cut(s, ":")
	}

	var (
		vlan    VlanID
		hasVlan bool
	)
	if a, v, ok := strings.Cut(addrPart, "%vlan"); ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil || !VlanID(n).Valid() {
			return GroupKey{}, fmt.Errorf("invalid vlan in group %q", s)
		}
		addrPart, vlan, hasVlan = a, VlanID(n), true
	}

	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return GroupKey{}, fmt.Errorf("invalid group address %q: %v", s, err)
	}

	var port uint16
	if hasPort {
		n, err := strconv.ParseUint(portPart, 10, 16)
		if err != nil {
			return GroupKey{}, fmt.Errorf("invalid port in group %q", s)
		}
		port = uint16(n)
	}

	var g GroupKey
	switch {
	case hasVlan && hasPort:
		g = GroupWithVlanPort(addr, vlan, port)
	case hasVlan:
		g = GroupWithVlan(addr, vlan)
	case hasPort:
		g = GroupWithPort(addr, port)
	default:
		g = GroupFromAddr(addr)
	}
	if !g.Valid() {
		return GroupKey{}, fmt.Errorf("%s is not a multicast address", addr)
	}
	return g, nil
}

// Kind returns the variant of the key.
func (g GroupKey) Kind() GroupKind { return g.kind }

// Addr returns the multicast address of the group.
func (g GroupKey) Addr() netip.Addr { return g.addr }

// Vlan returns the VLAN of the group and whether the kind carries one.
func (g GroupKey) Vlan() (VlanID, bool) { return g.vlan, g.kind.HasVlan() }

// Port returns the transport port of the group and whether the kind
// carries one.
func (g GroupKey) Port() (uint16, bool) { return g.port, g.kind.HasPort() }

// Valid reports whether g was built by a constructor from a multicast
// address and, where present, an in-range VLAN.
func (g GroupKey) Valid() bool {
	if g.kind < GroupKindAddr || g.kind > GroupKindAddrVlanPort {
		return false
	}
	if !g.addr.IsValid() || !g.addr.IsMulticast() {
		return false
	}
	return g.vlan.Valid()
}

// IsZero reports whether g is the zero GroupKey.
func (g GroupKey) IsZero() bool {
	return g == GroupKey{}
}

func (g GroupKey) String() string {
	if g.IsZero() {
		return "<none>"
	}
	addr := g.addr.String()
	if g.kind.HasVlan() {
		addr += "%vlan" + strconv.Itoa(int(g.vlan))
	}
	if !g.kind.HasPort() {
		return addr
	}
	if g.addr.Is6() {
		addr = "[" + addr + "]"
	}
	return addr + ":" + strconv.Itoa(int(g.port))
}

// Less orders group keys by address, kind, VLAN and port.
func (g GroupKey) Less(other GroupKey) bool {
	if c := g.addr.Compare(other.addr); c != 0 {
		return c < 0
	}
	if g.kind != other.kind {
		return g.kind < other.kind
	}
	if g.vlan != other.vlan {
		return g.vlan < other.vlan
	}
	return g.port < other.port
}

// GroupOptions carries the forwarding parameters of a group.
type GroupOptions struct {
	FlowPriority uint16
	TableID      uint8
	// QueueID is the egress queue to use, if HasQueue is set.
	QueueID     uint32
	HasQueue    bool
	IdleTimeout time.Duration
	HardTimeout time.Duration
}

// DefaultGroupOptions returns the options installed for groups learned
// from IGMP reports.
func DefaultGroupOptions() GroupOptions {
	return GroupOptions{
		FlowPriority: 1,
		TableID:      0,
		IdleTimeout:  5 * time.Second,
		HardTimeout:  0,
	}
}
