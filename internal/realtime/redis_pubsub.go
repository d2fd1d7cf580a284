package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "meetsync:bus:"
	publishTimeout = 5 * time.Second
)

// redisPayload is the envelope published to Redis for cross-instance fan-out.
// Origin identifies the publishing process so an instance can drop the echo
// of its own publishes.
type redisPayload struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Origin string          `json:"origin"`
	At     int64           `json:"at"`
}

// RedisPubSub bridges the bus across server instances via Redis pub/sub.
type RedisPubSub struct {
	client   *redis.Client
	instance string
	logger   *zap.Logger
}

// NewRedisPubSub creates a Redis bridge with a unique instance identity.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, instance: uuid.New().String(), logger: logger}
}

// PublishMeetingEvent publishes an event to the meeting's Redis channel.
func (r *RedisPubSub) PublishMeetingEvent(meetingKey, event string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Event: event, Data: payload, Origin: r.instance, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+meetingKey, body).Err()
}

// SubscribeMeeting subscribes to a meeting's channel and calls handler for
// each message from another instance. Returns a cancel function that stops
// the subscription.
func (r *RedisPubSub) SubscribeMeeting(meetingKey string, handler func(event string, payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channelPrefix+meetingKey)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				if p.Origin == r.instance {
					continue // our own publish echoing back
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
