// Package timeline records the lifecycle of intercepted calls as ordered,
// append-only event sequences.
package timeline

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/mickamy/grpc-mediator/rule"
)

// Kind identifies an event variant.
type Kind int32

const (
	KindStart Kind = iota
	KindAccept
	KindInput
	KindOutput
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindAccept:
		return "accept"
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	case KindClose:
		return "close"
	}
	return fmt.Sprintf("UnknownKind(%d)", k)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	for c := KindStart; c <= KindClose; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("timeline: unknown event kind %q", b)
}

// Event is one of Start, Accept, Input, Output or Close. Seq and Time are
// assigned by Timeline.Append.
type Event interface {
	Seq() uint64
	Time() time.Time
	Kind() Kind
	stamp(seq uint64, at time.Time) Event
}

type header struct {
	seq uint64
	at  time.Time
}

func (h header) Seq() uint64     { return h.seq }
func (h header) Time() time.Time { return h.at }

// Start opens a call.
type Start struct {
	header
	Authority string
	// Method is the full method name, "/pkg.Service/Method".
	Method string
	Header metadata.MD
	// ServerRule names the matched server rule, if any.
	ServerRule string
	// Upstream is the URL the call is forwarded to.
	Upstream string
	Rules    []rule.Result
}

// Accept records the response headers.
type Accept struct {
	header
	Header metadata.MD
	Rules  []rule.Result
}

// Message is the payload shared by Input and Output.
type Message struct {
	// Raw is the message as forwarded.
	Raw []byte
	// Original is the message as received, set only when rules changed it.
	Original []byte
	Rules    []rule.Result
	// RewriteError is set when rules could not be applied to the message.
	RewriteError string
}

// Input is a request message from the client.
type Input struct {
	header
	Message
}

// Output is a response message from the server.
type Output struct {
	header
	Message
}

// Close ends the call.
type Close struct {
	header
	Trailers metadata.MD
	Code     codes.Code
	Message  string
}

func (Start) Kind() Kind  { return KindStart }
func (Accept) Kind() Kind { return KindAccept }
func (Input) Kind() Kind  { return KindInput }
func (Output) Kind() Kind { return KindOutput }
func (Close) Kind() Kind  { return KindClose }

// stamp copies mutable fields so an appended event cannot be changed
// through the caller's references.
func (e Start) stamp(seq uint64, at time.Time) Event {
	e.header = header{seq, at}
	e.Header = e.Header.Copy()
	return e
}

func (e Accept) stamp(seq uint64, at time.Time) Event {
	e.header = header{seq, at}
	e.Header = e.Header.Copy()
	return e
}

func (e Input) stamp(seq uint64, at time.Time) Event {
	e.header = header{seq, at}
	e.Message = e.Message.clone()
	return e
}

func (e Output) stamp(seq uint64, at time.Time) Event {
	e.header = header{seq, at}
	e.Message = e.Message.clone()
	return e
}

func (e Close) stamp(seq uint64, at time.Time) Event {
	e.header = header{seq, at}
	e.Trailers = e.Trailers.Copy()
	return e
}

func (m Message) clone() Message {
	m.Raw = bytes.Clone(m.Raw)
	m.Original = bytes.Clone(m.Original)
	m.Rules = slices.Clone(m.Rules)
	return m
}
