// Package scenario loads a fabric description and an event script from YAML
// and plays it against a manager.
package scenario

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/moby/mcastkit/api"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Scenario is the YAML document read by mcastd.
type Scenario struct {
	Switches []string     `yaml:"switches"`
	Links    []LinkSpec   `yaml:"links"`
	Hosts    []HostSpec   `yaml:"hosts"`
	Groups   []GroupSpec  `yaml:"groups"`
	Events   []EventSpec  `yaml:"events"`
	Defaults *OptionsSpec `yaml:"defaults,omitempty"`
}

// LinkSpec is an inter-switch link between two switch/port pairs.
type LinkSpec struct {
	Src string `yaml:"src"`
	Dst string `yaml:"dst"`
}

// HostSpec describes a device known to the tracker from the start.
type HostSpec struct {
	ID    string   `yaml:"id"`
	MAC   string   `yaml:"mac"`
	Vlans []uint16 `yaml:"vlans,omitempty"`
	At    []string `yaml:"at,omitempty"`
}

// OptionsSpec holds forwarding options. Unset fields keep their default.
type OptionsSpec struct {
	Priority *uint16        `yaml:"priority,omitempty"`
	Table    *uint8         `yaml:"table,omitempty"`
	Queue    *uint32        `yaml:"queue,omitempty"`
	Idle     *time.Duration `yaml:"idle,omitempty"`
	Hard     *time.Duration `yaml:"hard,omitempty"`
}

// GroupSpec preinstalls forwarding options for a group.
type GroupSpec struct {
	Group       string `yaml:"group"`
	OptionsSpec `yaml:",inline"`
}

// Op names a scripted event.
type Op string

const (
	OpJoin       Op = "join"
	OpLeave      Op = "leave"
	OpMove       Op = "move"
	OpRemove     Op = "remove"
	OpVlan       Op = "vlan"
	OpLinkUp     Op = "link-up"
	OpLinkDown   Op = "link-down"
	OpSwitchUp   Op = "switch-up"
	OpSwitchDown Op = "switch-down"
	OpDropGroup  Op = "drop-group"
)

// EventSpec is one step of the script. Which fields are used depends on Op.
type EventSpec struct {
	Op     Op        `yaml:"op"`
	Host   string    `yaml:"host,omitempty"`
	Group  string    `yaml:"group,omitempty"`
	Vlan   uint16    `yaml:"vlan,omitempty"`
	Vlans  []uint16  `yaml:"vlans,omitempty"`
	At     []string  `yaml:"at,omitempty"`
	Link   *LinkSpec `yaml:"link,omitempty"`
	Switch string    `yaml:"switch,omitempty"`
}

// Load reads and validates the scenario at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read scenario")
	}
	s, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid scenario %s", path)
	}
	return s, nil
}

// Parse decodes and validates a scenario. Unknown fields are rejected.
func Parse(r io.Reader) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode scenario")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every reference in the scenario resolves.
func (s *Scenario) Validate() error {
	for _, sw := range s.Switches {
		if _, err := api.ParseSwitchID(sw); err != nil {
			return errors.Wrap(err, "switches")
		}
	}
	for i, l := range s.Links {
		if _, err := l.parse(); err != nil {
			return errors.Wrapf(err, "links[%d]", i)
		}
	}
	hosts := make(map[string]struct{}, len(s.Hosts))
	for i, h := range s.Hosts {
		if h.ID == "" {
			return errors.Errorf("hosts[%d]: missing id", i)
		}
		if _, dup := hosts[h.ID]; dup {
			return errors.Errorf("hosts[%d]: duplicate id %q", i, h.ID)
		}
		hosts[h.ID] = struct{}{}
		if _, err := h.device(); err != nil {
			return errors.Wrapf(err, "hosts[%d]", i)
		}
	}
	for i, g := range s.Groups {
		if _, err := parseGroup(g.Group); err != nil {
			return errors.Wrapf(err, "groups[%d]", i)
		}
	}
	for i, ev := range s.Events {
		if err := ev.validate(hosts); err != nil {
			return errors.Wrapf(err, "events[%d]", i)
		}
	}
	return nil
}

func (ev EventSpec) validate(hosts map[string]struct{}) error {
	needHost := func() error {
		if _, ok := hosts[ev.Host]; !ok {
			return errors.Errorf("%s: unknown host %q", ev.Op, ev.Host)
		}
		return nil
	}
	switch ev.Op {
	case OpJoin, OpLeave:
		if err := needHost(); err != nil {
			return err
		}
		if _, err := parseGroup(ev.Group); err != nil {
			return err
		}
		if len(ev.At) > 1 {
			return errors.Errorf("%s: at most one attachment point", ev.Op)
		}
		_, err := parseAttachmentPoints(ev.At)
		return err
	case OpMove:
		if err := needHost(); err != nil {
			return err
		}
		_, err := parseAttachmentPoints(ev.At)
		return err
	case OpRemove, OpVlan:
		return needHost()
	case OpLinkUp, OpLinkDown:
		if ev.Link == nil {
			return errors.Errorf("%s: missing link", ev.Op)
		}
		_, err := ev.Link.parse()
		return err
	case OpSwitchUp, OpSwitchDown:
		_, err := api.ParseSwitchID(ev.Switch)
		return err
	case OpDropGroup:
		_, err := parseGroup(ev.Group)
		return err
	}
	return errors.Errorf("unknown op %q", ev.Op)
}

// Options applies the set fields of o over base.
func (o *OptionsSpec) Options(base api.GroupOptions) api.GroupOptions {
	if o == nil {
		return base
	}
	if o.Priority != nil {
		base.FlowPriority = *o.Priority
	}
	if o.Table != nil {
		base.TableID = *o.Table
	}
	if o.Queue != nil {
		base.QueueID = *o.Queue
		base.HasQueue = true
	}
	if o.Idle != nil {
		base.IdleTimeout = *o.Idle
	}
	if o.Hard != nil {
		base.HardTimeout = *o.Hard
	}
	return base
}

func (h HostSpec) device() (api.Device, error) {
	mac, err := api.ParseMAC(h.MAC)
	if err != nil {
		return api.Device{}, err
	}
	dev := api.Device{ID: h.ID, MAC: mac}
	for _, v := range h.Vlans {
		vlan := api.VlanID(v)
		if !vlan.Valid() {
			return api.Device{}, errors.Errorf("invalid VLAN %d", v)
		}
		dev.Vlans = append(dev.Vlans, vlan)
	}
	dev.AttachmentPoints, err = parseAttachmentPoints(h.At)
	return dev, err
}

func (l LinkSpec) parse() (link [2]api.AttachmentPoint, err error) {
	if link[0], err = api.ParseAttachmentPoint(l.Src); err != nil {
		return link, err
	}
	if link[1], err = api.ParseAttachmentPoint(l.Dst); err != nil {
		return link, err
	}
	return link, nil
}

func parseGroup(s string) (api.GroupKey, error) {
	g, err := api.ParseGroupKey(s)
	if err != nil {
		return api.GroupKey{}, err
	}
	if !g.Valid() {
		return api.GroupKey{}, errors.Errorf("%s is not a multicast group", s)
	}
	return g, nil
}

func parseAttachmentPoints(ss []string) ([]api.AttachmentPoint, error) {
	aps := make([]api.AttachmentPoint, 0, len(ss))
	for _, s := range ss {
		ap, err := api.ParseAttachmentPoint(s)
		if err != nil {
			return nil, err
		}
		aps = append(aps, ap)
	}
	return aps, nil
}
