package workpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsAllTasks(t *testing.T) {
	p := New(4)

	var n atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		})
	}
	wg.Wait()

	assert.Equal(t, int64(1000), n.Load())
	require.NoError(t, p.Stop(context.Background()))
}

func TestPool_SingleWorkerPreservesOrder(t *testing.T) {
	p := New(1)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		p.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	require.NoError(t, p.Stop(context.Background()))

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestPool_StopDrainsQueue(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	var ran atomic.Int64

	p.Submit(func() {
		<-release
		ran.Add(1)
	})
	p.Submit(func() { ran.Add(1) })

	close(release)
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, int64(2), ran.Load())

	// Rejected after stop.
	assert.False(t, p.Submit(func() { ran.Add(1) }))
	assert.Equal(t, int64(2), ran.Load())
}

func TestPool_StopRunsFollowUpTasks(t *testing.T) {
	p := New(1)
	var ran atomic.Int64

	started := make(chan struct{})
	release := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-release
		p.Submit(func() { ran.Add(1) })
	})
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(context.Background()) }()
	close(release)

	require.NoError(t, <-stopped)
	assert.Equal(t, int64(1), ran.Load())
}

func TestPool_StopHonorsDeadline(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	defer close(block)

	p.Submit(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
}

func TestPool_RecoversPanics(t *testing.T) {
	p := New(1)
	done := make(chan struct{})

	p.Submit(func() { panic("boom") })
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	require.NoError(t, p.Stop(context.Background()))
}
