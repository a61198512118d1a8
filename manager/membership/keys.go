package membership

import (
	"encoding/binary"
	"fmt"

	"github.com/moby/mcastkit/api"
)

// Index keys are fixed-width big-endian encodings, so an exact key is never
// a prefix of a different key of the same index and compound keys can be
// scanned by their leading components.
const (
	groupKeyLen  = 1 + 16 + 2 + 2
	intfKeyLen   = 6 + 2
	apKeyLen     = 8 + 4
	islandKeyLen = 8
	switchKeyLen = 8
	macKeyLen    = 6
)

func appendGroup(b []byte, g api.GroupKey) []byte {
	addr := g.Addr().As16()
	vlan, _ := g.Vlan()
	port, _ := g.Port()
	b = append(b, byte(g.Kind()))
	b = append(b, addr[:]...)
	b = binary.BigEndian.AppendUint16(b, uint16(vlan))
	return binary.BigEndian.AppendUint16(b, port)
}

func appendMAC(b []byte, mac api.MACAddr) []byte {
	return append(b, mac.AsSlice()...)
}

func appendInterface(b []byte, i api.InterfaceKey) []byte {
	b = appendMAC(b, i.MAC)
	return binary.BigEndian.AppendUint16(b, uint16(i.Vlan))
}

func appendSwitch(b []byte, sw api.SwitchID) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(sw))
}

func appendAttachmentPoint(b []byte, ap api.AttachmentPoint) []byte {
	b = appendSwitch(b, ap.Switch)
	return binary.BigEndian.AppendUint32(b, uint32(ap.Port))
}

func appendIsland(b []byte, id api.IslandID) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(id))
}

// encodeArgs turns query arguments into the concatenation of their keys.
func encodeArgs(args ...interface{}) ([]byte, error) {
	var b []byte
	for _, arg := range args {
		switch v := arg.(type) {
		case api.GroupKey:
			b = appendGroup(b, v)
		case api.InterfaceKey:
			b = appendInterface(b, v)
		case api.AttachmentPoint:
			b = appendAttachmentPoint(b, v)
		case api.IslandID:
			b = appendIsland(b, v)
		case api.SwitchID:
			b = appendSwitch(b, v)
		case api.MACAddr:
			b = appendMAC(b, v)
		default:
			return nil, fmt.Errorf("unsupported index argument: %#v", arg)
		}
	}
	return b, nil
}

// entryIndexer indexes membership rows. key returns false for rows that are
// left out of the index.
type entryIndexer struct {
	nargs int
	key   func(e *entry) ([]byte, bool)
}

func (ei entryIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != ei.nargs {
		return nil, fmt.Errorf("must provide %d arguments, got %d", ei.nargs, len(args))
	}
	return encodeArgs(args...)
}

func (ei entryIndexer) FromObject(obj interface{}) (bool, []byte, error) {
	e, ok := obj.(*entry)
	if !ok {
		return false, nil, fmt.Errorf("unexpected object type %T", obj)
	}
	key, ok := ei.key(e)
	return ok, key, nil
}

type optionsIndexerByGroup struct{}

func (optionsIndexerByGroup) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	g, ok := args[0].(api.GroupKey)
	if !ok {
		return nil, fmt.Errorf("argument must be a GroupKey: %#v", args[0])
	}
	return appendGroup(make([]byte, 0, groupKeyLen), g), nil
}

func (optionsIndexerByGroup) FromObject(obj interface{}) (bool, []byte, error) {
	o, ok := obj.(*optionsEntry)
	if !ok {
		return false, nil, fmt.Errorf("unexpected object type %T", obj)
	}
	return true, appendGroup(make([]byte, 0, groupKeyLen), o.Group), nil
}
