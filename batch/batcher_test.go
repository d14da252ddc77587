package batch_test

import (
	"sync"
	"testing"
	"time"

	"github.com/goydb/syncd/batch"
	"github.com/stretchr/testify/assert"
)

func TestBatcherFlushesOnCapacity(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]interface{}

	b := batch.New(3, time.Hour, func(items []interface{}) {
		mu.Lock()
		defer mu.Unlock()
		flushes = append(flushes, items)
	})

	b.Queue(1)
	b.Queue(2)
	b.Queue(3) // reaches capacity, flushes immediately

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, flushes, 1)
	assert.Equal(t, []interface{}{1, 2, 3}, flushes[0])
}

func TestBatcherFlushesOnDelay(t *testing.T) {
	done := make(chan []interface{}, 1)
	b := batch.New(100, 10*time.Millisecond, func(items []interface{}) {
		done <- items
	})

	b.Queue("a")

	select {
	case items := <-done:
		assert.Equal(t, []interface{}{"a"}, items)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delay flush")
	}
}

func TestBatcherFlushAllIsNoOpWhenEmpty(t *testing.T) {
	called := false
	b := batch.New(10, time.Hour, func(items []interface{}) {
		called = true
	})
	b.FlushAll()
	assert.False(t, called)
	assert.Equal(t, 0, b.Count())
}

func TestBatcherCount(t *testing.T) {
	b := batch.New(10, time.Hour, func(items []interface{}) {})
	b.Queue(1)
	b.Queue(2)
	assert.Equal(t, 2, b.Count())
}
