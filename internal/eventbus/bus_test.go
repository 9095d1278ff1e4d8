package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersTypes(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(8)
	defer unsubAll()
	failed, unsubFailed := b.Subscribe(8, DispatchFailed)
	defer unsubFailed()

	Emit(b, DispatchReceived, "e1")
	Emit(b, DispatchFailed, "e1")

	assert.Len(t, all, 2)
	require.Len(t, failed, 1)
	ev := <-failed
	assert.Equal(t, DispatchFailed, ev.Type)
	assert.False(t, ev.Time.IsZero())
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: ConnectionState})
	}
	assert.EqualValues(t, 4, b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: ConnectionState})
}

func TestEmitNilBus(t *testing.T) {
	assert.NotPanics(t, func() { Emit(nil, ConnectionState, nil) })
}
