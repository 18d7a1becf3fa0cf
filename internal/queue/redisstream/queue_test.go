package redisstream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/book-relay/internal/relay"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := New(context.Background(), client, Config{Stream: "test:jobs", Group: "g", Consumer: "c1", Block: 50 * time.Millisecond})
	require.NoError(t, err)
	return q, client
}

func TestStreamQueueRoundTrip(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	submitted := time.Date(2025, 5, 1, 8, 30, 0, 0, time.UTC)

	require.NoError(t, q.Enqueue(ctx, relay.QueueItem{
		JobID:     "job-1",
		Name:      relay.JobDownload,
		Payload:   json.RawMessage(`{"downloadPath":"/dl/1/a"}`),
		Timeout:   45 * time.Second,
		Submitted: submitted,
	}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", got.JobID)
	require.Equal(t, relay.JobDownload, got.Name)
	require.JSONEq(t, `{"downloadPath":"/dl/1/a"}`, string(got.Payload))
	require.Equal(t, 45*time.Second, got.Timeout)
	require.True(t, submitted.Equal(got.Submitted))
	require.NotEmpty(t, got.Receipt)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)

	require.NoError(t, q.Ack(ctx, got))
	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestStreamQueueRedeliversUnackedEntryAfterRestart(t *testing.T) {
	t.Parallel()

	q1, client := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q1.Enqueue(ctx, relay.QueueItem{JobID: "j1", Name: relay.JobSearch}))
	require.NoError(t, q1.Enqueue(ctx, relay.QueueItem{JobID: "j2", Name: relay.JobSearch}))

	first, err := q1.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", first.JobID)

	// q1 dies without acknowledging j1.
	q2, err := New(ctx, client, q1.cfg)
	require.NoError(t, err)

	again, err := q2.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", again.JobID)
	require.Equal(t, first.Receipt, again.Receipt)
	require.NoError(t, q2.Ack(ctx, again))

	next, err := q2.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "j2", next.JobID)
}

func TestStreamQueueGroupCreationIsIdempotent(t *testing.T) {
	t.Parallel()

	_, client := newTestQueue(t)
	_, err := New(context.Background(), client, Config{Stream: "test:jobs", Group: "g"})
	require.NoError(t, err)
}

func TestStreamQueueDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDecodeRejectsEntriesWithoutJobID(t *testing.T) {
	t.Parallel()

	_, err := decode(redis.XMessage{ID: "1-0", Values: map[string]any{"name": "search"}})
	require.Error(t, err)

	item, err := decode(redis.XMessage{ID: "1-1", Values: map[string]any{"job_id": "j", "name": "reset", "timeout_ms": "1500"}})
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, item.Timeout)
	require.Equal(t, "1-1", item.Receipt)
}
