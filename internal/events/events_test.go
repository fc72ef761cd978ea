package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_NoReplay(t *testing.T) {
	b := NewBus("s1", 8)
	b.Publish(SessionStarted, "", SessionData{Status: "running"})

	ch, cancel := b.Subscribe()
	defer cancel()
	b.Publish(MessageSent, "lead", MessageData{From: "lead", To: "w"})

	ev := <-ch
	assert.Equal(t, MessageSent, ev.Kind)
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Len(t, ch, 0)
}

func TestBus_FanOut(t *testing.T) {
	b := NewBus("s1", 8)
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	defer cancelA()
	defer cancelC()

	b.Publish(TurnStarted, "w", nil)
	assert.Equal(t, TurnStarted, (<-a).Kind)
	assert.Equal(t, TurnStarted, (<-c).Kind)
	assert.Equal(t, 2, b.Subscribers())
}

func TestBus_FullSubscriberDrops(t *testing.T) {
	b := NewBus("s1", 1)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(TurnStarted, "w", nil)
	b.Publish(TurnEnded, "w", nil)

	assert.Equal(t, uint64(1), b.Dropped())
	assert.Equal(t, TurnStarted, (<-ch).Kind)
}

func TestBus_CancelAndClose(t *testing.T) {
	b := NewBus("s1", 4)
	ch, cancel := b.Subscribe()
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok, "cancelled channel is closed")

	live, liveCancel := b.Subscribe()
	b.Publish(SessionStopped, "", SessionData{Status: "stopped"})
	b.Close()
	b.Close()

	ev, ok := <-live
	require.True(t, ok, "buffered event survives close")
	assert.Equal(t, SessionStopped, ev.Kind)
	_, ok = <-live
	assert.False(t, ok)
	liveCancel()

	late, _ := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")

	ev = b.Publish(MessageSent, "", nil)
	assert.Zero(t, ev.Seq)
}
