package memqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReceiveDelete(t *testing.T) {
	q := New()
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "a"))
	require.NoError(t, q.Send(ctx, "b"))

	msgs, err := q.Receive(ctx, 10, 30)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Body)

	require.NoError(t, q.Delete(ctx, msgs[0]))
	require.NoError(t, q.Delete(ctx, msgs[1]))
	assert.Equal(t, 0, q.Len())
}

func TestRedeliveryAfterVisibilityTimeout(t *testing.T) {
	q := New()
	q.PollWait = 10 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "job"))
	msgs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	time.Sleep(5 * time.Millisecond)
	again, err := q.Receive(ctx, 1, 30)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "job", again[0].Body)
}

func TestReceive_EmptyAndCanceled(t *testing.T) {
	q := New()
	q.PollWait = 10 * time.Millisecond

	msgs, err := q.Receive(context.Background(), 1, 30)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Receive(ctx, 1, 30)
	assert.ErrorIs(t, err, context.Canceled)
}
