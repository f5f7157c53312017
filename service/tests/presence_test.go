package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/docsync/cache"
	"github.com/zlnvch/docsync/presence"
	"github.com/zlnvch/docsync/service"
	"github.com/zlnvch/docsync/syncerr"
)

func TestHeartbeat_PublishesPresenceTransitions(t *testing.T) {
	env := setupMemService(t)
	ctx := context.Background()
	env.registerUser(t, "alice")
	env.grant(t, "D", "alice", "alice")

	var mu sync.Mutex
	var events []service.DocEvent
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, env.cache.Subscribe(subCtx, cache.DocEventsChannel, func(msg []byte) {
		var ev service.DocEvent
		if json.Unmarshal(msg, &ev) == nil && ev.Type == service.EventPresence {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}))

	session, err := env.svc.JoinDocument(ctx, "alice", "D", "c1")
	require.NoError(t, err)
	assert.False(t, session.Connected)

	session, err = env.svc.Heartbeat(ctx, "alice", presence.HeartbeatParams{DocumentId: "D", ClientId: "c1", AckSeq: 2})
	require.NoError(t, err)
	assert.True(t, session.Connected)
	assert.Equal(t, "alice", session.UserId)

	env.sched.Advance(presence.DefaultTimeout)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.True(t, events[0].Session.Connected)
	assert.False(t, events[1].Session.Connected)
}

func TestHeartbeat_RequiresReadAccess(t *testing.T) {
	env := setupMemService(t)
	env.registerUser(t, "alice")
	env.registerUser(t, "bob")
	env.grant(t, "D", "alice", "alice")

	_, err := env.svc.Heartbeat(context.Background(), "bob", presence.HeartbeatParams{DocumentId: "D", ClientId: "c1"})
	assert.ErrorIs(t, err, syncerr.ErrUnauthorized)

	_, err = env.svc.ListPresence(context.Background(), "bob", "D")
	assert.ErrorIs(t, err, syncerr.ErrUnauthorized)
}

func TestLeaveDocument_OnlyOwnSession(t *testing.T) {
	env := setupMemService(t)
	ctx := context.Background()
	env.registerUser(t, "alice")
	env.registerUser(t, "bob")
	env.grant(t, "D", "alice", "alice")
	env.grant(t, "D", "alice", "bob")

	_, err := env.svc.Heartbeat(ctx, "alice", presence.HeartbeatParams{DocumentId: "D", ClientId: "c1"})
	require.NoError(t, err)

	err = env.svc.LeaveDocument(ctx, "bob", "D", "c1")
	assert.ErrorIs(t, err, syncerr.ErrUnauthorized)

	require.NoError(t, env.svc.LeaveDocument(ctx, "alice", "D", "c1"))
	sessions, err := env.svc.ListPresence(ctx, "bob", "D")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Connected)

	n, err := env.svc.CollectSessions(ctx, "D", -time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHeartbeat_CannotTakeOverAnotherUsersSession(t *testing.T) {
	env := setupMemService(t)
	ctx := context.Background()
	env.registerUser(t, "alice")
	env.registerUser(t, "bob")
	env.grant(t, "D", "alice", "alice")
	env.grant(t, "D", "alice", "bob")

	_, err := env.svc.Heartbeat(ctx, "alice", presence.HeartbeatParams{DocumentId: "D", ClientId: "c1", Cursor: []byte(`{"line":1}`)})
	require.NoError(t, err)

	_, err = env.svc.Heartbeat(ctx, "bob", presence.HeartbeatParams{DocumentId: "D", ClientId: "c1", Cursor: []byte(`{"line":9}`)})
	assert.ErrorIs(t, err, syncerr.ErrUnauthorized)
	_, err = env.svc.JoinDocument(ctx, "bob", "D", "c1")
	assert.ErrorIs(t, err, syncerr.ErrUnauthorized)

	sessions, err := env.svc.ListPresence(ctx, "alice", "D")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "alice", sessions[0].UserId)
	assert.JSONEq(t, `{"line":1}`, string(sessions[0].Cursor))

	require.NoError(t, env.svc.LeaveDocument(ctx, "alice", "D", "c1"))

	// the owner can rejoin their own session
	_, err = env.svc.JoinDocument(ctx, "alice", "D", "c1")
	assert.NoError(t, err)
}

func TestPresence_Disabled(t *testing.T) {
	svc, _, _ := setupService(t)
	_, err := svc.ListPresence(context.Background(), "alice", "D")
	assert.ErrorIs(t, err, syncerr.ErrPrecondition)
}
