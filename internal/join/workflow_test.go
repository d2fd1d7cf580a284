package join

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetsync/backend/internal/errs"
	"github.com/meetsync/backend/internal/meetings"
	"github.com/meetsync/backend/internal/models"
	"github.com/meetsync/backend/internal/realtime"
)

// scriptedJoiner serves canned results, switching once admit or deny flips.
type scriptedJoiner struct {
	mu         sync.Mutex
	approvalID string
	outcome    string // "", "admit", "deny"
	calls      int
}

func (j *scriptedJoiner) Join(_ context.Context, in meetings.JoinInput) (*meetings.JoinResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	switch j.outcome {
	case "admit":
		return &meetings.JoinResult{Admitted: true, UserKey: "user-1", Role: models.RoleParticipant}, nil
	case "deny":
		return nil, errs.ErrForbidden
	default:
		return &meetings.JoinResult{RequiresApproval: true, ApprovalID: j.approvalID}, nil
	}
}

func (j *scriptedJoiner) set(outcome string) {
	j.mu.Lock()
	j.outcome = outcome
	j.mu.Unlock()
}

func TestStartAdmitsImmediately(t *testing.T) {
	bus := realtime.NewBus(nil, nil, nil)
	defer bus.Close()
	joiner := &scriptedJoiner{outcome: "admit"}

	w := NewWorkflow(joiner, bus, nil)
	defer w.Stop()

	result, err := w.Start(context.Background(), meetings.JoinInput{MeetingKey: "m1", Email: "a@b.co"})
	require.NoError(t, err)
	assert.True(t, result.Admitted)
	assert.Equal(t, StateAdmitted, w.State())
	require.NotNil(t, w.Result())
	assert.Equal(t, "user-1", w.Result().UserKey)
}

func TestStartDeniedImmediately(t *testing.T) {
	bus := realtime.NewBus(nil, nil, nil)
	defer bus.Close()
	joiner := &scriptedJoiner{outcome: "deny"}

	w := NewWorkflow(joiner, bus, nil)
	defer w.Stop()

	_, err := w.Start(context.Background(), meetings.JoinInput{MeetingKey: "m1", Email: "a@b.co"})
	assert.ErrorIs(t, err, errs.ErrForbidden)
	assert.Equal(t, StateDenied, w.State())
	assert.NotEmpty(t, w.DenyReason())
	assert.Nil(t, w.Result())
}

func TestWaitsThenAdmitsOnGrantedEvent(t *testing.T) {
	bus := realtime.NewBus(nil, nil, nil)
	defer bus.Close()
	joiner := &scriptedJoiner{approvalID: "approval-1"}

	// A long poll interval: only the bus event drives the re-attempt.
	w := NewWorkflow(joiner, bus, nil, WithWaitPoll(time.Minute))
	defer w.Stop()

	result, err := w.Start(context.Background(), meetings.JoinInput{MeetingKey: "m1", Email: "a@b.co"})
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, StateAwaitingApproval, w.State())

	joiner.set("admit")
	host := bus.Connect("host")
	host.Publish(realtime.EventApprovalGranted, "m1", map[string]string{"approval_id": "approval-1"})

	require.Eventually(t, func() bool {
		return w.State() == StateAdmitted
	}, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, w.Result())
}

func TestWaitsThenDeniedOnRejectedEvent(t *testing.T) {
	bus := realtime.NewBus(nil, nil, nil)
	defer bus.Close()
	joiner := &scriptedJoiner{approvalID: "approval-1"}

	w := NewWorkflow(joiner, bus, nil, WithWaitPoll(time.Minute))
	defer w.Stop()

	_, err := w.Start(context.Background(), meetings.JoinInput{
		MeetingKey:       "m1",
		Email:            "a@b.co",
		RequesterChannel: "chan-1",
	})
	require.NoError(t, err)

	joiner.set("deny")
	host := bus.Connect("host")
	// Routed by requester channel rather than approval id.
	host.Publish(realtime.EventApprovalRejected, "m1", map[string]string{"requester_channel": "chan-1"})

	require.Eventually(t, func() bool {
		return w.State() == StateDenied
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIgnoresEventsForOtherClients(t *testing.T) {
	bus := realtime.NewBus(nil, nil, nil)
	defer bus.Close()
	joiner := &scriptedJoiner{approvalID: "approval-1"}

	w := NewWorkflow(joiner, bus, nil, WithWaitPoll(time.Minute))
	defer w.Stop()

	_, err := w.Start(context.Background(), meetings.JoinInput{MeetingKey: "m1", Email: "a@b.co"})
	require.NoError(t, err)

	host := bus.Connect("host")
	host.Publish(realtime.EventApprovalGranted, "m1", map[string]string{"approval_id": "approval-other"})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateAwaitingApproval, w.State())
}

func TestWaitPollBackstop(t *testing.T) {
	bus := realtime.NewBus(nil, nil, nil)
	defer bus.Close()
	joiner := &scriptedJoiner{approvalID: "approval-1"}

	w := NewWorkflow(joiner, bus, nil, WithWaitPoll(20*time.Millisecond))
	defer w.Stop()

	_, err := w.Start(context.Background(), meetings.JoinInput{MeetingKey: "m1", Email: "a@b.co"})
	require.NoError(t, err)

	// No bus event arrives; the interval alone converges the workflow.
	joiner.set("admit")
	require.Eventually(t, func() bool {
		return w.State() == StateAdmitted
	}, 2*time.Second, 10*time.Millisecond)
}

// sequencedJoiner replays a scripted sequence of results, sticking on the
// last entry once the script runs out.
type sequencedJoiner struct {
	mu     sync.Mutex
	script []func() (*meetings.JoinResult, error)
	calls  int
}

func (j *sequencedJoiner) Join(_ context.Context, _ meetings.JoinInput) (*meetings.JoinResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	i := j.calls
	if i >= len(j.script) {
		i = len(j.script) - 1
	}
	j.calls++
	return j.script[i]()
}

func TestWaitSurvivesUpstreamFailure(t *testing.T) {
	bus := realtime.NewBus(nil, nil, nil)
	defer bus.Close()
	joiner := &sequencedJoiner{script: []func() (*meetings.JoinResult, error){
		func() (*meetings.JoinResult, error) {
			return &meetings.JoinResult{RequiresApproval: true, ApprovalID: "approval-1"}, nil
		},
		func() (*meetings.JoinResult, error) {
			return nil, fmt.Errorf("meeting m1: %w", errs.ErrUpstream)
		},
		func() (*meetings.JoinResult, error) {
			return &meetings.JoinResult{Admitted: true, UserKey: "user-1", Role: models.RoleParticipant}, nil
		},
	}}

	w := NewWorkflow(joiner, bus, nil, WithWaitPoll(20*time.Millisecond))
	defer w.Stop()

	_, err := w.Start(context.Background(), meetings.JoinInput{MeetingKey: "m1", Email: "a@b.co"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingApproval, w.State())

	// The failed poll is swallowed and the next tick admits.
	require.Eventually(t, func() bool {
		return w.State() == StateAdmitted
	}, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, w.Result())
	assert.Empty(t, w.DenyReason())
}

func TestWaitDeniesOnForbidden(t *testing.T) {
	bus := realtime.NewBus(nil, nil, nil)
	defer bus.Close()
	joiner := &scriptedJoiner{approvalID: "approval-1"}

	w := NewWorkflow(joiner, bus, nil, WithWaitPoll(20*time.Millisecond))
	defer w.Stop()

	_, err := w.Start(context.Background(), meetings.JoinInput{MeetingKey: "m1", Email: "a@b.co"})
	require.NoError(t, err)

	joiner.set("deny")
	require.Eventually(t, func() bool {
		return w.State() == StateDenied
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, w.DenyReason())
}

func TestRefreshKicksImmediateAttempt(t *testing.T) {
	bus := realtime.NewBus(nil, nil, nil)
	defer bus.Close()
	joiner := &scriptedJoiner{approvalID: "approval-1"}

	w := NewWorkflow(joiner, bus, nil, WithWaitPoll(time.Minute))
	defer w.Stop()

	_, err := w.Start(context.Background(), meetings.JoinInput{MeetingKey: "m1", Email: "a@b.co"})
	require.NoError(t, err)

	joiner.set("admit")
	w.Refresh()

	require.Eventually(t, func() bool {
		return w.State() == StateAdmitted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopHaltsWaiting(t *testing.T) {
	bus := realtime.NewBus(nil, nil, nil)
	defer bus.Close()
	joiner := &scriptedJoiner{approvalID: "approval-1"}

	w := NewWorkflow(joiner, bus, nil, WithWaitPoll(20*time.Millisecond))

	_, err := w.Start(context.Background(), meetings.JoinInput{MeetingKey: "m1", Email: "a@b.co"})
	require.NoError(t, err)

	w.Stop()
	time.Sleep(60 * time.Millisecond)

	joiner.mu.Lock()
	calls := joiner.calls
	joiner.mu.Unlock()
	time.Sleep(60 * time.Millisecond)
	joiner.mu.Lock()
	assert.Equal(t, calls, joiner.calls)
	joiner.mu.Unlock()

	assert.Equal(t, StateAwaitingApproval, w.State())
}

func TestOnChangeCallback(t *testing.T) {
	bus := realtime.NewBus(nil, nil, nil)
	defer bus.Close()
	joiner := &scriptedJoiner{outcome: "admit"}

	var mu sync.Mutex
	var states []State
	w := NewWorkflow(joiner, bus, nil, WithOnChange(func(s State, _ *meetings.JoinResult) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))
	defer w.Stop()

	_, err := w.Start(context.Background(), meetings.JoinInput{MeetingKey: "m1", Email: "a@b.co"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateRequesting, StateAdmitted}, states)
}

func TestPendingPollerKickedByRequestEvent(t *testing.T) {
	bus := realtime.NewBus(nil, nil, nil)
	defer bus.Close()

	var mu sync.Mutex
	fetches := 0
	var lastSeen []models.PendingApproval

	poller := &PendingPoller{
		Fetch: func(context.Context, string) ([]models.PendingApproval, error) {
			mu.Lock()
			defer mu.Unlock()
			fetches++
			return []models.PendingApproval{{ID: "approval-1", Name: "Ada"}}, nil
		},
		OnUpdate: func(pending []models.PendingApproval) {
			mu.Lock()
			lastSeen = pending
			mu.Unlock()
		},
		Bus:      bus,
		Interval: time.Minute,
	}
	poller.Start(context.Background(), "m1")
	defer poller.Stop()

	// The initial refresh runs once at start.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fetches == 1
	}, 2*time.Second, 10*time.Millisecond)

	guest := bus.Connect("guest")
	guest.Publish(realtime.EventApprovalRequest, "m1", map[string]string{"id": "approval-1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fetches >= 2 && len(lastSeen) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPendingPollerFetchErrorKeepsRunning(t *testing.T) {
	bus := realtime.NewBus(nil, nil, nil)
	defer bus.Close()

	var mu sync.Mutex
	fetches := 0
	poller := &PendingPoller{
		Fetch: func(context.Context, string) ([]models.PendingApproval, error) {
			mu.Lock()
			defer mu.Unlock()
			fetches++
			if fetches == 1 {
				return nil, errors.New("authority down")
			}
			return nil, nil
		},
		Bus:      bus,
		Interval: 20 * time.Millisecond,
	}
	poller.Start(context.Background(), "m1")
	defer poller.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fetches >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
