package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetsync/backend/internal/models"
	"github.com/meetsync/backend/internal/store"
)

func TestPublishReachesOtherConns(t *testing.T) {
	bus := NewBus(nil, nil, nil)
	defer bus.Close()

	sender := bus.Connect("sender")
	receiver := bus.Connect("receiver")

	var got json.RawMessage
	receiver.Subscribe(EventApprovalRequest, "m1", func(payload json.RawMessage) {
		got = payload
	})

	sender.Publish(EventApprovalRequest, "m1", map[string]string{"id": "approval-1"})

	require.NotNil(t, got)
	var msg map[string]string
	require.NoError(t, json.Unmarshal(got, &msg))
	assert.Equal(t, "approval-1", msg["id"])
}

func TestNoSelfDelivery(t *testing.T) {
	bus := NewBus(nil, nil, nil)
	defer bus.Close()

	conn := bus.Connect("c1")
	delivered := false
	conn.Subscribe(EventRoleUpdate, "m1", func(json.RawMessage) { delivered = true })

	conn.Publish(EventRoleUpdate, "m1", map[string]string{"role": "co-admin"})
	assert.False(t, delivered)
}

func TestEventAndMeetingScoping(t *testing.T) {
	bus := NewBus(nil, nil, nil)
	defer bus.Close()

	sender := bus.Connect("sender")
	receiver := bus.Connect("receiver")

	var calls []string
	receiver.Subscribe(EventRoleUpdate, "m1", func(json.RawMessage) { calls = append(calls, "m1-role") })
	receiver.Subscribe(EventRosterUpdate, "m1", func(json.RawMessage) { calls = append(calls, "m1-roster") })
	receiver.Subscribe(EventRoleUpdate, "m2", func(json.RawMessage) { calls = append(calls, "m2-role") })

	sender.Publish(EventRoleUpdate, "m1", nil)

	assert.Equal(t, []string{"m1-role"}, calls)
}

func TestSubscribeReplacesHandler(t *testing.T) {
	bus := NewBus(nil, nil, nil)
	defer bus.Close()

	sender := bus.Connect("sender")
	receiver := bus.Connect("receiver")

	first, second := 0, 0
	receiver.Subscribe(EventApprovalGranted, "m1", func(json.RawMessage) { first++ })
	receiver.Subscribe(EventApprovalGranted, "m1", func(json.RawMessage) { second++ })

	sender.Publish(EventApprovalGranted, "m1", nil)

	assert.Zero(t, first)
	assert.Equal(t, 1, second)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil, nil, nil)
	defer bus.Close()

	sender := bus.Connect("sender")
	receiver := bus.Connect("receiver")

	count := 0
	receiver.Subscribe(EventApprovalRequest, "m1", func(json.RawMessage) { count++ })
	sender.Publish(EventApprovalRequest, "m1", nil)
	receiver.Unsubscribe(EventApprovalRequest, "m1")
	sender.Publish(EventApprovalRequest, "m1", nil)

	assert.Equal(t, 1, count)
}

func TestClosedConnReceivesNothing(t *testing.T) {
	bus := NewBus(nil, nil, nil)
	defer bus.Close()

	sender := bus.Connect("sender")
	receiver := bus.Connect("receiver")

	count := 0
	receiver.Subscribe(EventApprovalRequest, "m1", func(json.RawMessage) { count++ })
	receiver.Close()
	sender.Publish(EventApprovalRequest, "m1", nil)

	assert.Zero(t, count)
}

// fakeRemote implements Publisher and Subscriber in-process so the
// refcounted remote subscription lifecycle is observable.
type fakeRemote struct {
	mu         sync.Mutex
	published  int
	subscribed map[string]int
	cancelled  map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{subscribed: make(map[string]int), cancelled: make(map[string]int)}
}

func (f *fakeRemote) PublishMeetingEvent(meetingKey, event string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
	return nil
}

func (f *fakeRemote) SubscribeMeeting(meetingKey string, handler func(event string, payload []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[meetingKey]++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled[meetingKey]++
	}, nil
}

func TestRemoteSubscriptionRefcounting(t *testing.T) {
	remote := newFakeRemote()
	bus := NewBus(nil, remote, remote)
	defer bus.Close()

	a := bus.Connect("a")
	b := bus.Connect("b")

	a.Subscribe(EventRosterUpdate, "m1", func(json.RawMessage) {})
	b.Subscribe(EventRoleUpdate, "m1", func(json.RawMessage) {})
	assert.Equal(t, 1, remote.subscribed["m1"])

	a.Publish(EventRoleUpdate, "m1", nil)
	assert.Equal(t, 1, remote.published)

	a.Unsubscribe(EventRosterUpdate, "m1")
	assert.Zero(t, remote.cancelled["m1"])

	b.Unsubscribe(EventRoleUpdate, "m1")
	assert.Equal(t, 1, remote.cancelled["m1"])
}

func TestMirrorStorePublishesMutations(t *testing.T) {
	bus := NewBus(nil, nil, nil)
	defer bus.Close()

	st := store.NewMemoryStore()
	mirror := MirrorStore(bus, st, nil)
	defer mirror.Close()

	receiver := bus.Connect("receiver")
	var roster []models.Participant
	receiver.Subscribe(EventRosterUpdate, "m1", func(payload json.RawMessage) {
		require.NoError(t, json.Unmarshal(payload, &roster))
	})

	require.NoError(t, st.UpsertParticipant(context.Background(), "m1", models.Participant{ID: "p1", Name: "Ada"}))

	require.Len(t, roster, 1)
	assert.Equal(t, "Ada", roster[0].Name)
}
