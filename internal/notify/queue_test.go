package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PublishFansOut(t *testing.T) {
	q := NewQueue(4, nil)
	defer q.Close()

	a, cancelA := q.Subscribe(context.Background())
	defer cancelA()
	b, cancelB := q.Subscribe(context.Background())
	defer cancelB()

	require.NoError(t, q.Publish(context.Background(), Error("chat", "Error generating response. Please try again later.")))

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, KindError, ev.Kind)
			assert.Equal(t, "chat", ev.Source)
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.CreatedAt.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestQueue_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	q := NewQueue(1, nil)
	defer q.Close()

	ch, cancel := q.Subscribe(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(context.Background(), Success("draft", "first")))
	require.NoError(t, q.Publish(context.Background(), Success("draft", "second")))

	ev := <-ch
	assert.Equal(t, "first", ev.Message)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected buffered event %q", extra.Message)
	default:
	}
}

func TestQueue_UnsubscribeClosesChannel(t *testing.T) {
	q := NewQueue(1, nil)
	defer q.Close()

	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, _ := q.Subscribe(ctx)
	require.Equal(t, 1, q.Subscribers())

	cancelCtx()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancellation")
	}
	assert.Equal(t, 0, q.Subscribers())
}

func TestQueue_Closed(t *testing.T) {
	q := NewQueue(1, nil)
	ch, _ := q.Subscribe(context.Background())
	require.NoError(t, q.Close())

	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, q.Publish(context.Background(), Error("x", "y")), ErrClosed)

	late, _ := q.Subscribe(context.Background())
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed queue yields a closed channel")
}
