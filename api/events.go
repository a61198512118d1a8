package api

// Event is a membership change notification. The concrete types are
// EventAdded, EventRemoved, EventGroupCleared, EventInterfaceCleared and
// EventReset.
type Event interface {
	isMembershipEvent()
}

// EventAdded is emitted after a triple has been inserted.
type EventAdded struct {
	Membership Membership
}

// EventRemoved is emitted after a triple has been removed.
type EventRemoved struct {
	Membership Membership
}

// EventGroupCleared follows the EventRemoved events of a group deletion.
type EventGroupCleared struct {
	Group GroupKey
}

// EventInterfaceCleared follows the EventRemoved events of an interface
// deletion.
type EventInterfaceCleared struct {
	Interface InterfaceKey
}

// EventReset follows the EventRemoved events of a full clear.
type EventReset struct{}

func (EventAdded) isMembershipEvent()            {}
func (EventRemoved) isMembershipEvent()          {}
func (EventGroupCleared) isMembershipEvent()     {}
func (EventInterfaceCleared) isMembershipEvent() {}
func (EventReset) isMembershipEvent()            {}

// Listener receives membership events synchronously, in commit order.
type Listener interface {
	MembershipChanged(ev Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ev Event)

// MembershipChanged calls f(ev).
func (f ListenerFunc) MembershipChanged(ev Event) {
	f(ev)
}

// ReportKind is the action carried by a MembershipReport.
type ReportKind uint8

const (
	// ReportJoin asks for the interface to be added to the group.
	ReportJoin ReportKind = iota + 1
	// ReportLeave asks for the interface to be removed from the group.
	ReportLeave
)

func (k ReportKind) String() string {
	switch k {
	case ReportJoin:
		return "join"
	case ReportLeave:
		return "leave"
	}
	return "unknown"
}

// MembershipReport is one decoded join or leave.
type MembershipReport struct {
	Kind       ReportKind
	Membership Membership
}
