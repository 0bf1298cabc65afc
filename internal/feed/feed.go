// Package feed delivers live snapshots of a group's most recent notes.
//
// Both the interval poller and the Redis push feed implement Subscriber, so the
// sync layer does not know which one it is talking to.
package feed

import (
	"context"
	"fmt"
	"sync"

	"chatter/internal/store"
)

// NoteReader is the slice of the group store a feed needs to build snapshots.
type NoteReader interface {
	FetchLastN(ctx context.Context, code string, n int) ([]store.Note, error)
	CountNotes(ctx context.Context, code string) (int, error)
}

// Event is one snapshot of the tail window. Total is the group's note count when
// the snapshot was taken. A non-nil Err is the last event of a subscription.
type Event struct {
	Code  string
	Notes []store.Note
	Total int
	Err   error
}

type Subscriber interface {
	SubscribeLastN(ctx context.Context, code string, n int) (*Subscription, error)
}

// Subscription is an infinite, cancellable sequence of events. The first event is
// always the initial snapshot.
type Subscription struct {
	code   string
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newSubscription(parent context.Context, code string) (*Subscription, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{
		code:   code,
		events: make(chan Event, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}, ctx
}

func (s *Subscription) Code() string { return s.code }

// Events is closed once the subscription ends, either through Close or after a
// failure event.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close stops delivery and waits for the producer goroutine to exit. It is safe to
// call more than once and from several goroutines.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// emit hands an event to the consumer unless the subscription is cancelled.
func (s *Subscription) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish must be called exactly once by the producer goroutine.
func (s *Subscription) finish() {
	close(s.events)
	close(s.done)
}

// snapshot reads the tail window and total for code.
func snapshot(ctx context.Context, reader NoteReader, code string, n int) (Event, error) {
	notes, err := reader.FetchLastN(ctx, code, n)
	if err != nil {
		return Event{}, fmt.Errorf("fetch last %d notes of %s: %w", n, code, err)
	}
	total, err := reader.CountNotes(ctx, code)
	if err != nil {
		return Event{}, fmt.Errorf("count notes of %s: %w", code, err)
	}
	return Event{Code: code, Notes: notes, Total: total}, nil
}

func sameSnapshot(a, b Event) bool {
	if a.Total != b.Total || len(a.Notes) != len(b.Notes) {
		return false
	}
	for i := range a.Notes {
		if a.Notes[i].Key != b.Notes[i].Key {
			return false
		}
	}
	return true
}
