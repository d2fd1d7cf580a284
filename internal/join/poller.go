package join

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meetsync/backend/internal/models"
	"github.com/meetsync/backend/internal/realtime"
)

// DefaultPendingPoll is how often a host panel refreshes the approval
// queue when no bus event has arrived.
const DefaultPendingPoll = 10 * time.Second

// PendingPoller keeps a host's view of the approval queue current. It
// refreshes immediately on approval-request events and on the interval as
// a backstop against lost deliveries.
type PendingPoller struct {
	// Fetch loads the current queue. Required.
	Fetch func(ctx context.Context, meetingKey string) ([]models.PendingApproval, error)
	// OnUpdate receives every fetched queue, including unchanged ones.
	OnUpdate func(pending []models.PendingApproval)

	Bus      *realtime.Bus
	Logger   *zap.Logger
	Interval time.Duration

	mu     sync.Mutex
	conn   *realtime.Conn
	stopCh chan struct{}
	kick   chan struct{}
}

// Start begins polling for the given meeting until ctx ends or Stop is
// called.
func (p *PendingPoller) Start(ctx context.Context, meetingKey string) {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Interval <= 0 {
		p.Interval = DefaultPendingPoll
	}
	p.mu.Lock()
	p.stopCh = make(chan struct{})
	p.kick = make(chan struct{}, 1)
	if p.Bus != nil {
		p.conn = p.Bus.Connect("pending-poller-" + uuid.New().String())
		p.conn.Subscribe(realtime.EventApprovalRequest, meetingKey, func(json.RawMessage) {
			p.Kick()
		})
	}
	p.mu.Unlock()

	go p.run(ctx, meetingKey)
}

// Kick requests an immediate refresh. Coalesces when one is queued.
func (p *PendingPoller) Kick() {
	p.mu.Lock()
	kick := p.kick
	p.mu.Unlock()
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

// Stop halts polling and drops the bus subscription.
func (p *PendingPoller) Stop() {
	p.mu.Lock()
	if p.stopCh != nil {
		select {
		case <-p.stopCh:
		default:
			close(p.stopCh)
		}
	}
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (p *PendingPoller) run(ctx context.Context, meetingKey string) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.refresh(ctx, meetingKey)
	for {
		select {
		case <-ctx.Done():
			p.Stop()
			return
		case <-p.stopCh:
			return
		case <-p.kick:
		case <-ticker.C:
		}
		p.refresh(ctx, meetingKey)
	}
}

func (p *PendingPoller) refresh(ctx context.Context, meetingKey string) {
	pending, err := p.Fetch(ctx, meetingKey)
	if err != nil {
		p.Logger.Warn("pending refresh failed", zap.String("meeting", meetingKey), zap.Error(err))
		return
	}
	if p.OnUpdate != nil {
		p.OnUpdate(pending)
	}
}
