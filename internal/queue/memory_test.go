package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_FIFO(t *testing.T) {
	q := NewMemory(8)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish(ctx, []byte(id)))
	}
	require.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		d, err := q.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, want, string(d.Body()))
		require.NoError(t, d.Ack(ctx))
	}
	require.Zero(t, q.Len())
}

func TestMemory_PublishCopiesBody(t *testing.T) {
	q := NewMemory(1)
	body := []byte("507f191e810c19729de860ea")
	require.NoError(t, q.Publish(context.Background(), body))
	body[0] = 'x'

	d, err := q.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "507f191e810c19729de860ea", string(d.Body()))
}

func TestMemory_RequeueRedelivers(t *testing.T) {
	q := NewMemory(2)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, []byte("job")))

	d, err := q.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Requeue(ctx))

	again, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "job", string(again.Body()))
}

func TestMemory_NextHonoursContext(t *testing.T) {
	q := NewMemory(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemory_Closed(t *testing.T) {
	q := NewMemory(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	require.ErrorIs(t, q.Publish(context.Background(), []byte("x")), ErrClosed)
	_, err := q.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemory_CloseReleasesBlockedPublisher(t *testing.T) {
	q := NewMemory(1)
	require.NoError(t, q.Publish(context.Background(), []byte("a")))

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Publish(context.Background(), []byte("b"))
	}()

	closed := make(chan struct{})
	go func() {
		_ = q.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a publisher waiting on a full buffer")
	}

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked publisher was not released by Close")
	}
}

func TestMemory_NextDrainsBufferAfterClose(t *testing.T) {
	q := NewMemory(2)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, []byte("a")))
	require.NoError(t, q.Close())

	d, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", string(d.Body()))

	_, err = q.Next(ctx)
	require.ErrorIs(t, err, ErrClosed)
}
