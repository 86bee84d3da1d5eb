package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mickamy/grpc-mediator/schema"
)

// DecodeState describes how far a message body could be interpreted.
type DecodeState int32

const (
	// Opaque means no schema is attached to the call.
	Opaque DecodeState = iota
	// Resolving means the attached schema is still being resolved.
	Resolving
	// Decoded means JSON holds the message.
	Decoded
	// Undecodable means the bytes do not match the resolved schema.
	Undecodable
	// Unresolved means the schema could not be resolved.
	Unresolved
)

func (s DecodeState) String() string {
	switch s {
	case Opaque:
		return "opaque"
	case Resolving:
		return "resolving"
	case Decoded:
		return "decoded"
	case Undecodable:
		return "undecodable"
	case Unresolved:
		return "unresolved"
	}
	return fmt.Sprintf("UnknownDecodeState(%d)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s DecodeState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *DecodeState) UnmarshalText(b []byte) error {
	for c := Opaque; c <= Unresolved; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("timeline: unknown decode state %q", b)
}

// Body is the decoded form of a message event.
type Body struct {
	State DecodeState     `json:"state"`
	JSON  json.RawMessage `json:"json,omitempty"`
	Error string          `json:"error,omitempty"`
}

type memoEntry struct {
	ref  *schema.Reference
	body Body
}

// Decode interprets the Input or Output event seq with the reference
// attached at the time of the call, so messages recorded before
// resolution finished decode once it does. Terminal results are memoized
// per reference.
func (t *Timeline) Decode(seq uint64) (Body, error) {
	t.mu.Lock()
	if seq == 0 || seq > uint64(len(t.events)) {
		t.mu.Unlock()
		return Body{}, fmt.Errorf("timeline %s: no event %d", t.id, seq)
	}
	var (
		raw []byte
		dir schema.Direction
	)
	switch e := t.events[seq-1].(type) {
	case Input:
		raw, dir = e.Raw, schema.Request
	case Output:
		raw, dir = e.Raw, schema.Response
	default:
		t.mu.Unlock()
		return Body{}, fmt.Errorf("timeline %s: event %d is %s, not a message", t.id, seq, e.Kind())
	}
	method := t.events[0].(Start).Method
	ref := t.ref
	if m, ok := t.memo[seq]; ok && m.ref == ref {
		t.mu.Unlock()
		return m.body, nil
	}
	t.mu.Unlock()

	if ref == nil {
		return Body{State: Opaque}, nil
	}

	var body Body
	switch ref.State() {
	case schema.Pending:
		return Body{State: Resolving}, nil
	case schema.Unresolved:
		body = Body{State: Unresolved, Error: ref.Err().Error()}
	case schema.Resolved:
		pool, _ := ref.Pool()
		js, err := pool.DecodeJSON(method, dir, raw)
		if err != nil {
			body = Body{State: Undecodable, Error: err.Error()}
		} else {
			body = Body{State: Decoded, JSON: js}
		}
	}

	t.mu.Lock()
	if t.ref == ref {
		t.memo[seq] = memoEntry{ref: ref, body: body}
	}
	t.mu.Unlock()
	return body, nil
}

// Resolve attaches the reference lookup returns for the call's authority
// and waits until it settles or ctx ends. A reference replaced since it was
// attached, for example after the cache was reset, is swapped for the new
// one. When neither lookup nor the call has a reference, Resolve returns
// nil without error.
func (t *Timeline) Resolve(ctx context.Context, lookup func(authority string) *schema.Reference) (*schema.Reference, error) {
	start, ok := t.Start()
	if !ok {
		return nil, fmt.Errorf("timeline %s: resolve: %w", t.id, ErrNotStarted)
	}
	ref := lookup(start.Authority)
	if ref == nil {
		ref = t.Reference()
	}
	if ref == nil {
		return nil, nil
	}
	if ref != t.Reference() {
		t.Attach(ref)
	}
	select {
	case <-ref.Done():
		return ref, nil
	case <-ctx.Done():
		return ref, fmt.Errorf("timeline %s: resolve: %w", t.id, ctx.Err())
	}
}
