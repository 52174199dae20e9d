package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupBus(t *testing.T) *Bus {
	t.Helper()
	bus := New(zaptest.NewLogger(t), "session-1")
	t.Cleanup(bus.Close)
	return bus
}

func TestBus_SequenceAssignment(t *testing.T) {
	bus := setupBus(t)

	first := bus.Publish(schemas.Event{Type: schemas.EventPhaseTransition})
	second := bus.Publish(schemas.Event{Type: schemas.EventReasoningStep})

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, "session-1", first.SessionID)
	assert.False(t, first.Timestamp.IsZero(), "bus should stamp events")
	assert.Equal(t, uint64(2), bus.LastSeq())
}

func TestBus_SubscriberReceivesInOrder(t *testing.T) {
	bus := setupBus(t)
	sub := bus.Subscribe(0)

	for i := 0; i < 5; i++ {
		bus.Publish(schemas.Event{Type: schemas.EventReasoningStep})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var prev uint64
	for i := 0; i < 5; i++ {
		event, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Greater(t, event.Seq, prev, "sequence numbers must be strictly increasing")
		prev = event.Seq
	}
}

func TestBus_ReplayFromOffset(t *testing.T) {
	bus := setupBus(t)
	for i := 0; i < 4; i++ {
		bus.Publish(schemas.Event{Type: schemas.EventReasoningStep})
	}

	sub := bus.Subscribe(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	event, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), event.Seq, "subscription from offset 2 starts at seq 3")

	snapshot := bus.Snapshot(2)
	require.Len(t, snapshot, 2)
	assert.Equal(t, uint64(3), snapshot[0].Seq)
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := setupBus(t)

	slow := bus.Subscribe(0)
	fast := bus.Subscribe(0)

	// Publish far more events than any internal buffer could hide behind.
	for i := 0; i < 1000; i++ {
		bus.Publish(schemas.Event{Type: schemas.EventReasoningStep})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The fast subscriber drains everything while the slow one has read nothing.
	for i := 0; i < 1000; i++ {
		_, err := fast.Next(ctx)
		require.NoError(t, err)
	}

	// The slow subscriber still sees every event, from the beginning.
	event, err := slow.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), event.Seq)
}

func TestBus_CloseEndsStreamAfterDrain(t *testing.T) {
	bus := setupBus(t)
	sub := bus.Subscribe(0)

	bus.Publish(schemas.Event{Type: schemas.EventSessionTerminated})
	bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	event, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemas.EventSessionTerminated, event.Type)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestBus_NextBlocksUntilPublish(t *testing.T) {
	bus := setupBus(t)
	sub := bus.Subscribe(0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	received := make(chan schemas.Event, 1)
	go func() {
		defer wg.Done()
		event, err := sub.Next(ctx)
		if err == nil {
			received <- event
		}
	}()

	// Give the subscriber a moment to block, then publish.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(schemas.Event{Type: schemas.EventToolStarted})

	wg.Wait()
	select {
	case event := <-received:
		assert.Equal(t, schemas.EventToolStarted, event.Type)
	default:
		t.Fatal("subscriber never received the published event")
	}
}

func TestBus_NextHonorsContextCancellation(t *testing.T) {
	bus := setupBus(t)
	sub := bus.Subscribe(0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBus_ConcurrentPublishersKeepOrdering(t *testing.T) {
	bus := setupBus(t)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish(schemas.Event{Type: schemas.EventReasoningStep})
			}
		}()
	}
	wg.Wait()

	events := bus.Snapshot(0)
	require.Len(t, events, 400)
	for i, event := range events {
		assert.Equal(t, uint64(i+1), event.Seq)
	}
}
