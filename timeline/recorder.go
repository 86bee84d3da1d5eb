package timeline

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mickamy/grpc-mediator/broker"
)

// ChangeKind classifies a Change.
type ChangeKind int32

const (
	// Appended is published for every event, including Start and Close.
	Appended ChangeKind = iota
	// Evicted is published when a timeline is dropped to respect capacity.
	Evicted
)

func (k ChangeKind) String() string {
	switch k {
	case Appended:
		return "appended"
	case Evicted:
		return "evicted"
	}
	return fmt.Sprintf("UnknownChangeKind(%d)", k)
}

// MarshalText implements encoding.TextMarshaler.
func (k ChangeKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ChangeKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "appended":
		*k = Appended
	case "evicted":
		*k = Evicted
	default:
		return fmt.Errorf("timeline: unknown change kind %q", b)
	}
	return nil
}

// Change notifies readers that a timeline was modified.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	CallID string     `json:"call_id"`
	Seq    uint64     `json:"seq,omitempty"`
	Event  Kind       `json:"event"`
}

// Update is a Change together with the summary of its call, when the call
// is still retained.
type Update struct {
	Change
	Summary *Summary `json:"summary,omitempty"`
}

// DefaultCapacity is the number of calls a Recorder keeps by default.
const DefaultCapacity = 1000

// Recorder owns the timelines of a session. Once more than capacity calls
// are held, the oldest are evicted.
type Recorder struct {
	capacity int
	changes  *broker.Broker[Change]
	onClose  func(*Timeline)

	mu    sync.RWMutex
	order []string
	calls map[string]*Timeline
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithCapacity sets how many calls are retained. n <= 0 selects
// DefaultCapacity.
func WithCapacity(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithBroker publishes a Change for every append and eviction.
func WithBroker(b *broker.Broker[Change]) RecorderOption {
	return func(r *Recorder) { r.changes = b }
}

// WithOnClose registers fn to run after a call's Close event is appended.
func WithOnClose(fn func(*Timeline)) RecorderOption {
	return func(r *Recorder) { r.onClose = fn }
}

// NewRecorder creates an empty Recorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		capacity: DefaultCapacity,
		calls:    make(map[string]*Timeline),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Begin creates a timeline with a fresh ID and appends start to it.
func (r *Recorder) Begin(start Start) (*Timeline, error) {
	t := New(uuid.NewString())
	t.onAppend = r.appended

	var evicted []string
	r.mu.Lock()
	r.calls[t.id] = t
	r.order = append(r.order, t.id)
	for len(r.order) > r.capacity {
		id := r.order[0]
		r.order = r.order[1:]
		delete(r.calls, id)
		evicted = append(evicted, id)
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.publish(Change{Kind: Evicted, CallID: id})
	}

	if _, err := t.Append(start); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Recorder) appended(t *Timeline, ev Event) {
	r.publish(Change{Kind: Appended, CallID: t.id, Seq: ev.Seq(), Event: ev.Kind()})
	if ev.Kind() == KindClose && r.onClose != nil {
		r.onClose(t)
	}
}

func (r *Recorder) publish(c Change) {
	if r.changes != nil {
		r.changes.Publish(c)
	}
}

// Get returns the timeline for id.
func (r *Recorder) Get(id string) (*Timeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.calls[id]
	return t, ok
}

// List returns the retained timelines, oldest first.
func (r *Recorder) List() []*Timeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Timeline, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.calls[id])
	}
	return out
}

// Len returns the number of retained timelines.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Describe attaches the current summary of the changed call to c.
func (r *Recorder) Describe(c Change) Update {
	u := Update{Change: c}
	if c.Kind == Evicted {
		return u
	}
	if t, ok := r.Get(c.CallID); ok {
		s := t.Summary()
		u.Summary = &s
	}
	return u
}
