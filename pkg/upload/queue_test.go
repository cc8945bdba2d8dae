package upload

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/cloudarchive/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	reg := status.NewRegistry("sess")
	q := NewQueue(reg)

	for i := range 5 {
		q.Push(Task{RelativePath: fmt.Sprintf("f%d.png", i)})
	}

	assert.Equal(t, 5, q.size())

	snap := reg.Snapshot()
	assert.Equal(t, 5, snap.TotalFiles)
	assert.Equal(t, 5, snap.QueuedFiles)
	assert.True(t, snap.Uploading)

	for i := range 5 {
		task, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("f%d.png", i), task.RelativePath)
	}

	assert.Equal(t, 0, q.size())
	assert.Equal(t, 0, reg.Snapshot().QueuedFiles)
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue(status.NewRegistry("sess"))

	got := make(chan Task, 1)

	go func() {
		task, err := q.Pop(context.Background())
		if err == nil {
			got <- task
		}
	}()

	select {
	case <-got:
		t.Fatal("pop returned before push")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(Task{RelativePath: "late.png"})

	select {
	case task := <-got:
		assert.Equal(t, "late.png", task.RelativePath)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not return after push")
	}
}

func TestQueue_PopCancelled(t *testing.T) {
	q := NewQueue(status.NewRegistry("sess"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_ConcurrentConsumers(t *testing.T) {
	reg := status.NewRegistry("sess")
	q := NewQueue(reg)

	const n = 200

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu   sync.Mutex
		seen = make(map[string]int, n)
		wg   sync.WaitGroup
	)

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				task, err := q.Pop(ctx)
				if err != nil {
					return
				}

				mu.Lock()
				seen[task.RelativePath]++
				done := len(seen) == n
				mu.Unlock()

				if done {
					cancel()
				}
			}
		}()
	}

	for i := range n {
		q.Push(Task{RelativePath: fmt.Sprintf("f%d", i)})
	}

	wg.Wait()

	require.Len(t, seen, n)

	for k, v := range seen {
		assert.Equal(t, 1, v, "task %s delivered more than once", k)
	}

	assert.Equal(t, n, reg.Snapshot().TotalFiles)
}
