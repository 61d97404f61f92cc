package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClock_AfterRecordsAndAdvances(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	fired := <-c.After(2 * time.Second)
	assert.Equal(t, start.Add(2*time.Second), fired)

	<-c.After(4 * time.Second)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, c.Waits())
	assert.Equal(t, start.Add(6*time.Second), c.Now())
}

func TestFakeClock_SetAndAdvance(t *testing.T) {
	c := NewFakeClock(time.UnixMilli(1000))
	c.Advance(500 * time.Millisecond)
	assert.Equal(t, int64(1500), c.Now().UnixMilli())

	c.Set(time.UnixMilli(10))
	assert.Equal(t, int64(10), c.Now().UnixMilli())
	assert.Empty(t, c.Waits())
}

func TestSequenceIDs(t *testing.T) {
	g := NewSequenceIDs("todo")
	assert.Equal(t, "todo-1", g.Generate())
	assert.Equal(t, "todo-2", g.Generate())

	assert.Equal(t, "rec-1", NewSequenceIDs("").Generate())
}

func TestSequenceIDs_ThreadSafe(t *testing.T) {
	g := NewSequenceIDs("x")
	const n = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.Generate()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	assert.True(t, seen["x-50"])
}
