package eventsink

import (
	"context"
	"net/netip"
	"testing"
	"time"

	events "github.com/docker/go-events"
	"github.com/moby/mcastkit/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMembership = api.Membership{
	Group:           api.GroupFromAddr(netip.MustParseAddr("239.1.1.1")),
	Interface:       api.InterfaceKey{MAC: 1},
	AttachmentPoint: api.AttachmentPoint{Switch: 1, Port: 1},
}

type recordingListener struct {
	name string
	log  *[]string
}

func (l recordingListener) MembershipChanged(ev api.Event) {
	switch ev.(type) {
	case api.EventAdded:
		*l.log = append(*l.log, l.name+":added")
	case api.EventRemoved:
		*l.log = append(*l.log, l.name+":removed")
	default:
		*l.log = append(*l.log, l.name+":other")
	}
}

func TestListenersInRegistrationOrder(t *testing.T) {
	s := New(context.Background())
	defer s.Close()

	var got []string
	regA := s.AddListener(recordingListener{name: "a", log: &got})
	s.AddListener(recordingListener{name: "b", log: &got})

	s.Publish(api.EventAdded{Membership: testMembership}, api.EventRemoved{Membership: testMembership})
	assert.Equal(t, []string{"a:added", "b:added", "a:removed", "b:removed"}, got)

	assert.True(t, s.RemoveListener(regA))
	assert.False(t, s.RemoveListener(regA))

	got = nil
	s.Publish(api.EventReset{})
	assert.Equal(t, []string{"b:other"}, got)
}

func TestListenerPanicIsContained(t *testing.T) {
	s := New(context.Background())
	defer s.Close()

	var got []string
	s.AddListener(api.ListenerFunc(func(api.Event) { panic("listener bug") }))
	s.AddListener(recordingListener{name: "ok", log: &got})

	assert.NotPanics(t, func() {
		s.Publish(api.EventAdded{Membership: testMembership})
	})
	assert.Equal(t, []string{"ok:added"}, got)
}

func TestListenerMayUnregisterDuringDelivery(t *testing.T) {
	s := New(context.Background())
	defer s.Close()

	var (
		reg   *Registration
		calls int
	)
	reg = s.AddListener(api.ListenerFunc(func(api.Event) {
		calls++
		s.RemoveListener(reg)
	}))

	s.Publish(api.EventReset{})
	s.Publish(api.EventReset{})
	assert.Equal(t, 1, calls)
}

func TestWatchers(t *testing.T) {
	s := New(context.Background())

	all, cancelAll := s.Watch()
	defer cancelAll()
	adds, cancelAdds := s.CallbackWatch(events.MatcherFunc(func(ev events.Event) bool {
		_, ok := ev.(api.EventAdded)
		return ok
	}))
	defer cancelAdds()

	s.Publish(api.EventRemoved{Membership: testMembership}, api.EventAdded{Membership: testMembership})

	for _, want := range []api.Event{
		api.EventRemoved{Membership: testMembership},
		api.EventAdded{Membership: testMembership},
	} {
		select {
		case ev := <-all:
			assert.Equal(t, want, ev)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	select {
	case ev := <-adds:
		assert.Equal(t, api.EventAdded{Membership: testMembership}, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	require.NoError(t, s.Close())
	select {
	case _, ok := <-all:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("watch channel not closed")
	}
}
