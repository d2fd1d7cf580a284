// Package join drives a client's passage through the gated join flow. The
// workflow reacts to approval decisions arriving on the sync bus and falls
// back to polling, so a client admitted while its bus delivery was lost
// still converges.
package join

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meetsync/backend/internal/errs"
	"github.com/meetsync/backend/internal/meetings"
	"github.com/meetsync/backend/internal/realtime"
)

// State is the workflow's current phase.
type State string

const (
	StateIdle             State = "idle"
	StateRequesting       State = "requesting"
	StateAwaitingApproval State = "awaiting_approval"
	StateAdmitted         State = "admitted"
	StateDenied           State = "denied"
)

// DefaultWaitPoll is how often a waiting client re-attempts the join while
// no decision event has arrived.
const DefaultWaitPoll = 3 * time.Second

// Joiner is the subset of the coordination service the workflow needs.
type Joiner interface {
	Join(ctx context.Context, in meetings.JoinInput) (*meetings.JoinResult, error)
}

// Workflow runs one client's join attempt to completion.
type Workflow struct {
	joiner   Joiner
	bus      *realtime.Bus
	logger   *zap.Logger
	waitPoll time.Duration

	mu         sync.Mutex
	state      State
	conn       *realtime.Conn
	input      meetings.JoinInput
	result     *meetings.JoinResult
	denyReason string
	stopCh     chan struct{}
	kick       chan struct{}
	onChange   func(State, *meetings.JoinResult)
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithWaitPoll overrides the waiting-room poll interval.
func WithWaitPoll(d time.Duration) Option {
	return func(w *Workflow) { w.waitPoll = d }
}

// WithOnChange registers a callback fired on every state transition. The
// callback runs on the workflow goroutine and must not block.
func WithOnChange(fn func(State, *meetings.JoinResult)) Option {
	return func(w *Workflow) { w.onChange = fn }
}

// NewWorkflow creates a join workflow bound to a bus.
func NewWorkflow(joiner Joiner, bus *realtime.Bus, logger *zap.Logger, opts ...Option) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Workflow{
		joiner:   joiner,
		bus:      bus,
		logger:   logger,
		waitPoll: DefaultWaitPoll,
		state:    StateIdle,
		stopCh:   make(chan struct{}),
		kick:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// State returns the current phase.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Result returns the final join result once admitted, nil otherwise.
func (w *Workflow) Result() *meetings.JoinResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateAdmitted {
		return nil
	}
	return w.result
}

// DenyReason returns the rejection message once denied.
func (w *Workflow) DenyReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.denyReason
}

// Start begins the flow. It returns after the first attempt resolves: an
// open meeting admits immediately, an approval-gated one leaves the
// workflow waiting in the background until a decision arrives or Stop is
// called.
func (w *Workflow) Start(ctx context.Context, in meetings.JoinInput) (*meetings.JoinResult, error) {
	if in.RequesterChannel == "" {
		in.RequesterChannel = "channel-" + uuid.New().String()
	}
	w.mu.Lock()
	w.input = in
	w.mu.Unlock()
	w.transition(StateRequesting, nil)

	result, err := w.joiner.Join(ctx, in)
	if err != nil {
		w.mu.Lock()
		w.denyReason = err.Error()
		w.mu.Unlock()
		w.transition(StateDenied, nil)
		return nil, err
	}
	if result.Admitted {
		w.finishAdmitted(result)
		return result, nil
	}

	w.mu.Lock()
	w.input.ApprovalID = result.ApprovalID
	w.mu.Unlock()
	w.transition(StateAwaitingApproval, result)
	w.listen(in.MeetingKey)
	go w.wait(ctx)
	return result, nil
}

// Refresh kicks the waiting loop into an immediate re-attempt instead of
// waiting out the poll interval. Coalesces when one is already queued.
func (w *Workflow) Refresh() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Stop tears down the workflow's bus subscriptions and halts waiting.
func (w *Workflow) Stop() {
	w.mu.Lock()
	if w.stopCh != nil {
		select {
		case <-w.stopCh:
		default:
			close(w.stopCh)
		}
	}
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// listen subscribes to decision events addressed to this client's channel
// or its held approval id.
func (w *Workflow) listen(meetingKey string) {
	conn := w.bus.Connect("join-" + uuid.New().String())
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	conn.Subscribe(realtime.EventApprovalGranted, meetingKey, func(payload json.RawMessage) {
		if w.addressedToMe(payload) {
			w.Refresh()
		}
	})
	conn.Subscribe(realtime.EventApprovalRejected, meetingKey, func(payload json.RawMessage) {
		if w.addressedToMe(payload) {
			w.Refresh()
		}
	})
}

// addressedToMe reports whether a decision payload targets this workflow's
// approval id or requester channel.
func (w *Workflow) addressedToMe(payload json.RawMessage) bool {
	var msg struct {
		ApprovalID       string `json:"approval_id"`
		RequesterChannel string `json:"requester_channel"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if msg.ApprovalID != "" && msg.ApprovalID == w.input.ApprovalID {
		return true
	}
	return msg.RequesterChannel != "" && msg.RequesterChannel == w.input.RequesterChannel
}

// wait re-attempts the join on decision events and on the poll interval
// until admitted, denied, or stopped.
func (w *Workflow) wait(ctx context.Context) {
	ticker := time.NewTicker(w.waitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.stopCh:
			return
		case <-w.kick:
		case <-ticker.C:
		}

		w.mu.Lock()
		in := w.input
		w.mu.Unlock()

		result, err := w.joiner.Join(ctx, in)
		if err != nil {
			// Only a real rejection or a vanished meeting ends the wait.
			// A transport or authority failure just means this poll told
			// us nothing; the next tick retries.
			if errors.Is(err, errs.ErrForbidden) || errors.Is(err, errs.ErrNotFound) {
				w.mu.Lock()
				w.denyReason = err.Error()
				w.mu.Unlock()
				w.transition(StateDenied, nil)
				w.Stop()
				return
			}
			w.logger.Warn("join re-attempt failed", zap.Error(err))
			continue
		}
		if result.Admitted {
			w.finishAdmitted(result)
			w.Stop()
			return
		}
	}
}

func (w *Workflow) finishAdmitted(result *meetings.JoinResult) {
	w.mu.Lock()
	w.result = result
	w.mu.Unlock()
	w.transition(StateAdmitted, result)
}

func (w *Workflow) transition(next State, result *meetings.JoinResult) {
	w.mu.Lock()
	prev := w.state
	w.state = next
	fn := w.onChange
	w.mu.Unlock()
	if prev != next {
		w.logger.Debug("join state", zap.String("from", string(prev)), zap.String("to", string(next)))
		if fn != nil {
			fn(next, result)
		}
	}
}
