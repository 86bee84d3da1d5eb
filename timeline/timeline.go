package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mickamy/grpc-mediator/schema"
)

var (
	// ErrClosed is returned for appends after Close.
	ErrClosed = errors.New("timeline: call closed")
	// ErrNotStarted is returned when the first event is not Start.
	ErrNotStarted = errors.New("timeline: call not started")
	// ErrOutOfOrder is returned for events the call state does not allow.
	ErrOutOfOrder = errors.New("timeline: event out of order")
)

type state int

const (
	idle state = iota
	started
	accepted
	closed
)

// Timeline is the ordered event log of one call. Appends and reads may
// happen concurrently; readers always see a prefix of the append order.
type Timeline struct {
	id string

	mu        sync.Mutex
	events    []Event
	state     state
	sawOutput bool
	notify    chan struct{} // closed and replaced on each append
	ref       *schema.Reference
	memo      map[uint64]memoEntry
	onAppend  func(*Timeline, Event)
}

// New creates an empty timeline for call id.
func New(id string) *Timeline {
	return &Timeline{
		id:     id,
		notify: make(chan struct{}),
		memo:   make(map[uint64]memoEntry),
	}
}

// ID returns the call ID.
func (t *Timeline) ID() string { return t.id }

// Append validates ev against the call state, assigns its sequence number
// and time, and returns the stored event.
//
// Start must come first. Accept may appear at most once and before any
// Output. Close is terminal.
func (t *Timeline) Append(ev Event) (Event, error) {
	t.mu.Lock()
	if err := t.checkLocked(ev.Kind()); err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("timeline %s: append %s: %w", t.id, ev.Kind(), err)
	}

	stored := ev.stamp(uint64(len(t.events))+1, time.Now())
	t.events = append(t.events, stored)
	switch stored.Kind() {
	case KindStart:
		t.state = started
	case KindAccept:
		t.state = accepted
	case KindOutput:
		t.sawOutput = true
	case KindClose:
		t.state = closed
	}
	ch := t.notify
	t.notify = make(chan struct{})
	hook := t.onAppend
	t.mu.Unlock()

	close(ch)
	if hook != nil {
		hook(t, stored)
	}
	return stored, nil
}

func (t *Timeline) checkLocked(k Kind) error {
	switch {
	case t.state == closed:
		return ErrClosed
	case k == KindStart && t.state != idle:
		return fmt.Errorf("%w: already started", ErrOutOfOrder)
	case k != KindStart && t.state == idle:
		return ErrNotStarted
	case k == KindAccept && (t.state == accepted || t.sawOutput):
		return fmt.Errorf("%w: accept after accept or output", ErrOutOfOrder)
	}
	return nil
}

// Events returns a snapshot of all events.
func (t *Timeline) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.events...)
}

// Since returns the events with Seq > seq.
func (t *Timeline) Since(seq uint64) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sinceLocked(seq)
}

// Seq numbers start at 1 and are contiguous, so events after seq begin at
// slice index seq.
func (t *Timeline) sinceLocked(seq uint64) []Event {
	if seq >= uint64(len(t.events)) {
		return nil
	}
	return append([]Event(nil), t.events[seq:]...)
}

// Len returns the number of events.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Closed reports whether Close has been appended.
func (t *Timeline) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == closed
}

// Start returns the Start event, or false before it is appended.
func (t *Timeline) Start() (Start, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.events) == 0 {
		return Start{}, false
	}
	s, ok := t.events[0].(Start)
	return s, ok
}

// Subscribe delivers every event with Seq > fromSeq, in order, then
// follows new appends. The channel is closed after Close is delivered or
// when ctx ends. Delivery blocks on the subscriber, never on the appender.
func (t *Timeline) Subscribe(ctx context.Context, fromSeq uint64) <-chan Event {
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)

		cursor := fromSeq
		for {
			t.mu.Lock()
			batch := t.sinceLocked(cursor)
			notify := t.notify
			done := t.state == closed
			t.mu.Unlock()

			for _, e := range batch {
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
				cursor = e.Seq()
			}
			if done {
				return
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Attach sets the schema reference used to decode messages. It may be
// called at any time; decoding always uses the current reference.
func (t *Timeline) Attach(ref *schema.Reference) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ref = ref
}

// Reference returns the attached schema reference, or nil.
func (t *Timeline) Reference() *schema.Reference {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ref
}
