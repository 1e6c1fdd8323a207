package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixFilter(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	failed, unsubFailed := b.Subscribe(4, "queue.task.failed")
	defer unsubFailed()

	b.Publish(Event{Type: "queue.task.completed"})
	b.Publish(Event{Type: "queue.task.failed", Data: 7})

	require.Len(t, all, 2)
	require.Len(t, failed, 1)
	ev := <-failed
	assert.Equal(t, 7, ev.Data)
	assert.False(t, ev.Time.IsZero())
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "x"})
	}
	assert.Equal(t, uint64(4), b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
}
