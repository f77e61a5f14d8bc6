package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestQueuePushPopFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(&Job{Kind: JobClose, Close: &ClosePayload{Fd: 1}})
	q.Push(&Job{Kind: JobClose, Close: &ClosePayload{Fd: 2}})

	ctx := context.Background()
	j1, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, j1.Close.Fd)

	j2, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, 2, j2.Close.Fd)
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	done := make(chan *Job, 1)
	go func() {
		j, _ := q.Pop(ctx)
		done <- j
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(&Job{Kind: JobClose, Close: &ClosePayload{Fd: 42}})

	select {
	case j := <-done:
		assert.Equal(t, 42, j.Close.Fd)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestQueuePopCancelledByContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j, ok := q.Pop(ctx)
	assert.False(t, ok)
	assert.Nil(t, j)
}

func TestIdleWatcherDetectsPeerClose(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	a, b := fds[0], fds[1]
	defer unix.Close(a)

	q := NewQueue()
	w, err := NewIdleWatcher(q)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch(a))

	stop := make(chan struct{})
	go w.Run(stop)
	defer close(stop)

	require.NoError(t, unix.Close(b))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, JobClose, job.Kind)
	assert.Equal(t, a, job.Close.Fd)
}

func TestIdleWatcherSuppressedWhileNotChecking(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	a, b := fds[0], fds[1]
	defer unix.Close(a)

	q := NewQueue()
	w, err := NewIdleWatcher(q)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch(a))
	w.SetChecking(a, false)

	stop := make(chan struct{})
	go w.Run(stop)
	defer close(stop)

	require.NoError(t, unix.Close(b))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, ok := q.Pop(ctx)
	assert.False(t, ok, "no close job should be queued while checking is disabled")
}
