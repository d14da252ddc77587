package changes_test

import (
	"context"
	"testing"
	"time"

	"github.com/goydb/syncd/changes"
	"github.com/goydb/syncd/store"
	"github.com/stretchr/testify/assert"
)

func TestBrokerPublishFanOut(t *testing.T) {
	b := changes.NewBroker()
	ch1, cancel1 := b.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(4)
	defer cancel2()

	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(store.Change{DocID: "doc1", Sequence: 1})

	select {
	case c := <-ch1:
		assert.Equal(t, "doc1", c.DocID)
	case <-time.After(time.Second):
		t.Fatal("ch1 did not receive change")
	}
	select {
	case c := <-ch2:
		assert.Equal(t, "doc1", c.DocID)
	case <-time.After(time.Second):
		t.Fatal("ch2 did not receive change")
	}
}

func TestBrokerCancelUnregisters(t *testing.T) {
	b := changes.NewBroker()
	_, cancel := b.Subscribe(1)
	assert.Equal(t, 1, b.SubscriberCount())
	cancel()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBrokerSubscribeContextCancels(t *testing.T) {
	b := changes.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	b.SubscribeContext(ctx, 1)
	assert.Equal(t, 1, b.SubscriberCount())

	cancel()
	assert.Eventually(t, func() bool {
		return b.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBrokerPublishDropsOnFullBuffer(t *testing.T) {
	b := changes.NewBroker()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(store.Change{DocID: "first"})
	b.Publish(store.Change{DocID: "second"}) // buffer full, dropped, must not block

	c := <-ch
	assert.Equal(t, "first", c.DocID)
}
