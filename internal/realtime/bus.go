// Package realtime carries meeting events between clients: an in-process
// bus with per-(event, meeting) subscriptions, a Redis pub/sub bridge for
// other server instances, and a WebSocket hub for browser clients. Delivery
// is best-effort and at-most-once; polling against the authority is the
// correctness backstop when a message is missed.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meetsync/backend/internal/store"
)

// Bus event types.
const (
	EventApprovalRequest  = "approval-request"
	EventApprovalGranted  = "approval-granted"
	EventApprovalRejected = "approval-rejected"
	EventRosterUpdate     = "roster-update"
	EventRoleUpdate       = "role-update"
	EventSessionCreated   = "session-created"
	EventRegistryUpdate   = "registry-update"
)

// Handler receives a bus event payload. Handlers must be idempotent
// reducers keyed by entity id: the same event can arrive twice (direct
// publish and store-mutation mirror) and must not corrupt state.
type Handler func(payload json.RawMessage)

// Publisher forwards bus events to other process instances.
type Publisher interface {
	PublishMeetingEvent(meetingKey, event string, payload []byte) error
}

// Subscriber receives events published by other process instances.
type Subscriber interface {
	SubscribeMeeting(meetingKey string, handler func(event string, payload []byte)) (cancel func(), err error)
}

type subKey struct {
	event   string
	meeting string
}

// Bus is the cross-client sync channel. It is constructed explicitly and
// injected — no process-wide singleton — so teardown is deterministic.
// Publish is fire-and-forget, unordered across event types, and never
// delivered back to the publishing Conn.
type Bus struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	refs   map[string]int    // meeting -> live subscription count
	remote map[string]func() // meeting -> cancel of remote subscription
	pub    Publisher
	sub    Subscriber
	logger *zap.Logger
	closed bool
}

// NewBus creates a bus. pub and sub may be nil for single-instance
// deployments and tests.
func NewBus(logger *zap.Logger, pub Publisher, sub Subscriber) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		conns:  make(map[string]*Conn),
		refs:   make(map[string]int),
		remote: make(map[string]func()),
		pub:    pub,
		sub:    sub,
		logger: logger,
	}
}

// Connect registers a logical client on the bus. An empty id gets a
// generated one. The returned Conn must be closed with its owning scope.
func (b *Bus) Connect(clientID string) *Conn {
	if clientID == "" {
		clientID = uuid.New().String()
	}
	c := &Conn{
		id:       clientID,
		bus:      b,
		handlers: make(map[subKey]Handler),
	}
	b.mu.Lock()
	if !b.closed {
		b.conns[clientID] = c
	}
	b.mu.Unlock()
	return c
}

// Close tears the bus down: all conns are dropped and remote subscriptions
// cancelled. Publishing on a closed bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.conns = make(map[string]*Conn)
	cancels := b.remote
	b.remote = make(map[string]func())
	b.refs = make(map[string]int)
	b.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// dispatch delivers an event to every conn except origin. Handlers are
// invoked outside the bus lock so they may publish or subscribe re-entrantly.
func (b *Bus) dispatch(origin, event, meetingKey string, payload json.RawMessage) {
	key := subKey{event: event, meeting: meetingKey}
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.conns))
	for id, conn := range b.conns {
		if id == origin {
			continue
		}
		if h := conn.handler(key); h != nil {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

// publish sends locally and forwards to other instances.
func (b *Bus) publish(origin, event, meetingKey string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("drop unmarshalable bus event", zap.String("event", event), zap.Error(err))
		return
	}
	b.dispatch(origin, event, meetingKey, data)
	if b.pub != nil {
		if err := b.pub.PublishMeetingEvent(meetingKey, event, data); err != nil {
			b.logger.Debug("remote publish failed", zap.String("event", event), zap.Error(err))
		}
	}
}

// retain tracks live subscriptions per meeting and starts the remote
// subscription on the first one.
func (b *Bus) retain(meetingKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.refs[meetingKey]++
	if b.refs[meetingKey] > 1 || b.sub == nil {
		return
	}
	cancel, err := b.sub.SubscribeMeeting(meetingKey, func(event string, payload []byte) {
		// Remote events have no local origin: deliver to all conns.
		b.dispatch("", event, meetingKey, payload)
	})
	if err != nil {
		b.logger.Warn("remote subscribe failed", zap.String("meeting", meetingKey), zap.Error(err))
		return
	}
	b.remote[meetingKey] = cancel
}

// release drops a subscription reference and cancels the remote
// subscription with the last one.
func (b *Bus) release(meetingKey string) {
	b.mu.Lock()
	var cancel func()
	if b.refs[meetingKey] > 0 {
		b.refs[meetingKey]--
		if b.refs[meetingKey] == 0 {
			delete(b.refs, meetingKey)
			cancel = b.remote[meetingKey]
			delete(b.remote, meetingKey)
		}
	}
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Bus) drop(clientID string) {
	b.mu.Lock()
	delete(b.conns, clientID)
	b.mu.Unlock()
}

// Conn is one logical client's attachment to the bus.
type Conn struct {
	id       string
	bus      *Bus
	mu       sync.Mutex
	handlers map[subKey]Handler
	closed   bool
}

// ID returns the client id this conn was registered under.
func (c *Conn) ID() string { return c.id }

// Subscribe registers exactly one handler for (event, meeting); a second
// Subscribe for the same pair silently replaces the first.
func (c *Conn) Subscribe(event, meetingKey string, h Handler) {
	key := subKey{event: event, meeting: meetingKey}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	_, replacing := c.handlers[key]
	c.handlers[key] = h
	c.mu.Unlock()
	if !replacing {
		c.bus.retain(meetingKey)
	}
}

// Unsubscribe removes the handler for (event, meeting).
func (c *Conn) Unsubscribe(event, meetingKey string) {
	key := subKey{event: event, meeting: meetingKey}
	c.mu.Lock()
	_, had := c.handlers[key]
	delete(c.handlers, key)
	c.mu.Unlock()
	if had {
		c.bus.release(meetingKey)
	}
}

// Publish sends an event to every other client of the meeting.
// Fire-and-forget: delivery is at-most-once and never echoes to c.
func (c *Conn) Publish(event, meetingKey string, payload any) {
	c.bus.publish(c.id, event, meetingKey, payload)
}

// Close removes the conn and all its subscriptions.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	keys := make([]subKey, 0, len(c.handlers))
	for k := range c.handlers {
		keys = append(keys, k)
	}
	c.handlers = make(map[subKey]Handler)
	c.mu.Unlock()
	c.bus.drop(c.id)
	for _, k := range keys {
		c.bus.release(k.meeting)
	}
}

func (c *Conn) handler(key subKey) Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[key]
}

// MirrorStore wires the device store's mutation feed into the bus as the
// second delivery path: every store write is re-published as the equivalent
// bus event. Receivers dedupe by entity id, so an event arriving over both
// paths is harmless. Close the returned Conn with the bus scope.
func MirrorStore(bus *Bus, st store.Store, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn := bus.Connect("store-mirror")
	st.SetNotifier(func(ev store.Event) {
		conn.Publish(string(ev.Type), ev.MeetingKey, ev.Payload)
	})
	return conn
}
