package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/teleconsult/internal/models"
	"github.com/mossy-p/teleconsult/internal/signaling"
)

func TestDecideInitiator(t *testing.T) {
	tests := []struct {
		name     string
		selfID   string
		self     models.Role
		remoteID string
		remote   models.Role
		want     bool
		wantErr  error
	}{
		{"caller", "b", models.RoleCaller, "a", models.RoleCallee, true, nil},
		{"callee", "a", models.RoleCallee, "b", models.RoleCaller, false, nil},
		{"caller against auto", "b", models.RoleCaller, "a", models.RoleAuto, true, nil},
		{"auto against caller", "a", models.RoleAuto, "b", models.RoleCaller, false, nil},
		{"auto against callee", "b", models.RoleAuto, "a", models.RoleCallee, true, nil},
		{"auto lower id", "a", models.RoleAuto, "b", models.RoleAuto, true, nil},
		{"auto higher id", "b", models.RoleAuto, "a", models.RoleAuto, false, nil},
		{"two callers", "a", models.RoleCaller, "b", models.RoleCaller, false, ErrRoleConflict},
		{"two callees", "a", models.RoleCallee, "b", models.RoleCallee, false, ErrRoleConflict},
		{"same id", "a", models.RoleAuto, "a", models.RoleAuto, false, ErrRoleConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decideInitiator(tt.selfID, tt.self, tt.remoteID, tt.remote)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// The other side reaches the opposite answer.
			other, err := decideInitiator(tt.remoteID, tt.remote, tt.selfID, tt.self)
			require.NoError(t, err)
			assert.Equal(t, !tt.want, other)
		})
	}
}

func TestElectionOverLocalBus(t *testing.T) {
	bus := signaling.NewLocalBus()
	chA, err := bus.Open(testRoom)
	require.NoError(t, err)
	defer chA.Close()
	chB, err := bus.Open(testRoom)
	require.NoError(t, err)
	defer chB.Close()

	a := newElection("a", models.RoleAuto, 10*time.Millisecond, chA.Send)
	b := newElection("b", models.RoleAuto, 10*time.Millisecond, chB.Send)
	chA.OnMessage(a.observe)
	chB.OnMessage(b.observe)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var aInit, bInit bool
	var aErr, bErr error
	wg.Add(2)
	go func() { defer wg.Done(); aInit, aErr = a.wait(ctx) }()
	go func() { defer wg.Done(); bInit, bErr = b.wait(ctx) }()
	wg.Wait()

	require.NoError(t, aErr)
	require.NoError(t, bErr)
	assert.True(t, aInit)
	assert.False(t, bInit)
}

func TestElectionWaitsForPeer(t *testing.T) {
	var sent []signaling.Message
	var mu sync.Mutex
	e := newElection("a", models.RoleAuto, 10*time.Millisecond, func(m signaling.Message) error {
		mu.Lock()
		sent = append(sent, m)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := e.wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, sent)
	for _, m := range sent {
		assert.Equal(t, signaling.TypePing, m.Type)
		assert.False(t, m.Ack)
		assert.False(t, m.Reply)
	}
}

func TestElectionAnswersPings(t *testing.T) {
	var sent []signaling.Message
	e := newElection("a", models.RoleCallee, time.Second, func(m signaling.Message) error {
		sent = append(sent, m)
		return nil
	})

	e.observe(signaling.Ping("b", models.RoleCaller, false, false))
	e.observe(signaling.Ping("b", models.RoleCaller, true, true))
	e.observe(signaling.Message{Type: signaling.TypePing})

	require.Len(t, sent, 1)
	assert.Equal(t, "a", sent[0].ID)
	assert.Equal(t, models.RoleCallee, sent[0].Role)
	assert.True(t, sent[0].Ack)
	assert.True(t, sent[0].Reply)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	initiator, err := e.wait(ctx)
	require.NoError(t, err)
	assert.False(t, initiator)
}

func TestScopeReleasesInReverse(t *testing.T) {
	var order []string
	s := &scope{}
	s.push("channel", func() { order = append(order, "channel") })
	s.push("media", func() { order = append(order, "media") })
	s.push("broken", func() { panic("boom") })
	s.push("peer", func() { order = append(order, "peer") })
	assert.True(t, s.replace("media", func() { order = append(order, "new media") }))
	assert.False(t, s.replace("missing", func() {}))

	s.release()
	s.release()
	assert.Equal(t, []string{"peer", "new media", "channel"}, order)

	s.push("late", func() { order = append(order, "late") })
	assert.Equal(t, []string{"peer", "new media", "channel", "late"}, order)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, canTransition(StateIdle, StateAcquiring))
	assert.True(t, canTransition(StateAcquiring, StateElecting))
	assert.True(t, canTransition(StateElecting, StateNegotiating))
	assert.True(t, canTransition(StateNegotiating, StateConnected))
	for _, s := range []State{StateAcquiring, StateElecting, StateNegotiating, StateConnected} {
		assert.True(t, canTransition(s, StateIdle), s.String())
	}

	assert.False(t, canTransition(StateIdle, StateIdle))
	assert.False(t, canTransition(StateIdle, StateConnected))
	assert.False(t, canTransition(StateConnected, StateNegotiating))
	assert.Equal(t, "State(9)", State(9).String())
}
