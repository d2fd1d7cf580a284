package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Hub tracks the WebSocket clients attached to each meeting. Each client
// holds its own bus Conn; the hub only maintains membership and counts.
type Hub struct {
	mu       sync.RWMutex
	meetings map[string]map[string]*Client // meeting key -> client id -> client
	bus      *Bus
	logger   *zap.Logger
}

// NewHub creates a WebSocket hub on top of the bus.
func NewHub(bus *Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		meetings: make(map[string]map[string]*Client),
		bus:      bus,
		logger:   logger,
	}
}

// Register adds a client to a meeting room.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.meetings[c.MeetingKey] == nil {
		h.meetings[c.MeetingKey] = make(map[string]*Client)
	}
	h.meetings[c.MeetingKey][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined meeting",
		zap.String("client_id", c.ID),
		zap.String("meeting", c.MeetingKey),
	)
}

// Unregister removes a client from its meeting room.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.meetings[c.MeetingKey]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.meetings, c.MeetingKey)
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left meeting",
		zap.String("client_id", c.ID),
		zap.String("meeting", c.MeetingKey),
	)
}

// ClientCount returns the number of connected clients in a meeting.
func (h *Hub) ClientCount(meetingKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.meetings[meetingKey])
}
