package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsTasks(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 2})
	defer p.Stop(time.Second)

	var count int32
	done := make(chan struct{}, 3)
	for _, key := range []string{"a", "b", "c"} {
		require.True(t, p.Submit(Task{Key: key, Fn: func(ctx context.Context) error {
			atomic.AddInt32(&count, 1)
			done <- struct{}{}
			return nil
		}}))
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
	assert.Eventually(t, func() bool { return p.Stats().Completed == 3 }, time.Second, 5*time.Millisecond)
}

func TestPool_DeduplicatesKeys(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1})
	defer p.Stop(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.Submit(Task{Key: "node-A", Fn: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	assert.True(t, p.Pending("node-A"))
	assert.False(t, p.Submit(Task{Key: "node-A", Fn: func(ctx context.Context) error { return nil }}))

	close(release)
	assert.Eventually(t, func() bool { return !p.Pending("node-A") }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Submit(Task{Key: "node-A", Fn: func(ctx context.Context) error { return nil }}))
}

func TestPool_RecoversPanicsAndCountsFailures(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1})
	defer p.Stop(time.Second)

	require.True(t, p.Submit(Task{Key: "panic", Fn: func(ctx context.Context) error { panic("boom") }}))
	require.True(t, p.Submit(Task{Key: "fail", Fn: func(ctx context.Context) error { return errors.New("down") }}))

	assert.Eventually(t, func() bool { return p.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
}

func TestPool_StopCancelsTasks(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1})

	started := make(chan struct{})
	require.True(t, p.Submit(Task{Key: "wait", Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	require.NoError(t, p.Stop(time.Second))
	assert.False(t, p.Submit(Task{Key: "late", Fn: func(ctx context.Context) error { return nil }}))
	assert.Equal(t, uint64(1), p.Stats().Rejected)
}
