// Package eventbus implements the ordered, append-only event stream for one
// session. Every subscriber holds its own read cursor, so a slow consumer
// lags without blocking the publisher or dropping events for anyone else.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
)

// ErrStreamClosed is returned by Next once the bus is closed and the
// subscriber has drained every published event.
var ErrStreamClosed = errors.New("event stream closed")

// Bus is the append-only event log for a single session. Publish assigns
// strictly increasing sequence numbers; events are immutable once appended.
type Bus struct {
	logger    *zap.Logger
	sessionID string

	mu     sync.Mutex
	events []schemas.Event
	closed bool
	// wake is replaced (and the old one closed) on every append, acting as
	// a broadcast to blocked subscribers.
	wake chan struct{}
}

// New creates the event bus for a session.
func New(logger *zap.Logger, sessionID string) *Bus {
	return &Bus{
		logger:    logger.Named("event_bus"),
		sessionID: sessionID,
		wake:      make(chan struct{}),
	}
}

// Publish appends the event and returns it with its assigned sequence number.
// Publishing never blocks on subscribers. Publishing to a closed bus is a
// no-op that returns the event unmodified; it can happen during teardown
// races and is not worth a panic.
func (b *Bus) Publish(event schemas.Event) schemas.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.Debug("Dropping publish on closed bus", zap.String("type", string(event.Type)))
		return event
	}

	event.Seq = uint64(len(b.events)) + 1
	event.SessionID = b.sessionID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.events = append(b.events, event)

	close(b.wake)
	b.wake = make(chan struct{})
	return event
}

// Close marks the stream finite. Subscribers drain whatever remains, then
// receive ErrStreamClosed. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
	b.wake = make(chan struct{})
}

// Snapshot returns a copy of every event with Seq > fromSeq.
func (b *Bus) Snapshot(fromSeq uint64) []schemas.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fromSeq >= uint64(len(b.events)) {
		return nil
	}
	out := make([]schemas.Event, len(b.events)-int(fromSeq))
	copy(out, b.events[fromSeq:])
	return out
}

// LastSeq returns the sequence number of the most recent event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.events))
}

// Subscription is an independent cursor over the bus. Restartable: a new
// subscription created with fromSeq replays from that offset.
type Subscription struct {
	bus  *Bus
	next uint64
}

// Subscribe creates a cursor that yields events with Seq > fromSeq. Pass 0
// to replay from the beginning.
func (b *Bus) Subscribe(fromSeq uint64) *Subscription {
	return &Subscription{bus: b, next: fromSeq}
}

// Next blocks until an event past the cursor is available, the stream ends,
// or ctx is cancelled.
func (s *Subscription) Next(ctx context.Context) (schemas.Event, error) {
	for {
		s.bus.mu.Lock()
		if s.next < uint64(len(s.bus.events)) {
			event := s.bus.events[s.next]
			s.next++
			s.bus.mu.Unlock()
			return event, nil
		}
		if s.bus.closed {
			s.bus.mu.Unlock()
			return schemas.Event{}, ErrStreamClosed
		}
		wake := s.bus.wake
		s.bus.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return schemas.Event{}, ctx.Err()
		}
	}
}
