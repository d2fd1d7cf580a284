package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// wsEvents is every bus event a browser client receives.
var wsEvents = []string{
	EventApprovalRequest,
	EventApprovalGranted,
	EventApprovalRejected,
	EventRosterUpdate,
	EventRoleUpdate,
	EventSessionCreated,
	EventRegistryUpdate,
}

// WSMessage is the WebSocket message envelope, both directions.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is one WebSocket connection attached to a meeting. It owns a bus
// Conn: bus events for the meeting are written to the socket, and messages
// read from the socket are published on the bus. The bus never echoes a
// publish back to its origin, so a tab does not receive its own events.
type Client struct {
	ID         string
	MeetingKey string
	UserKey    string
	hub        *Hub
	busConn    *Conn
	conn       *websocket.Conn
	send       chan WSMessage
	logger     *zap.Logger
}

// GrantValidator checks a join grant token and returns the user key and
// meeting key it was minted for.
type GrantValidator func(token string) (userKey, meetingKey string, err error)

// ServeWs handles the WebSocket upgrade and runs the client loop. The
// caller must have been admitted: the join grant is required and must match
// the requested meeting.
func ServeWs(hub *Hub, bus *Bus, logger *zap.Logger, validate GrantValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		meetingKey := c.Query("meeting")
		token := c.Query("token")
		if meetingKey == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "meeting and token required"})
			return
		}
		userKey, grantMeeting, err := validate(token)
		if err != nil || grantMeeting != meetingKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:         uuid.New().String(),
			MeetingKey: meetingKey,
			UserKey:    userKey,
			hub:        hub,
			busConn:    bus.Connect("ws-" + uuid.New().String()),
			conn:       conn,
			send:       make(chan WSMessage, 256),
			logger:     logger,
		}
		for _, event := range wsEvents {
			ev := event
			client.busConn.Subscribe(ev, meetingKey, func(payload json.RawMessage) {
				select {
				case client.send <- WSMessage{Event: ev, Data: payload}:
				default:
					// buffer full, drop: polling is the backstop
				}
			})
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.busConn.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if msg.Event == "" {
			continue
		}
		// Client-originated events fan out to the other clients of the
		// meeting (and other instances); never back to this socket.
		c.busConn.Publish(msg.Event, c.MeetingKey, json.RawMessage(msg.Data))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
