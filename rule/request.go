package rule

import (
	"fmt"
	"strings"
)

// Operation is a patch operation.
type Operation int32

const (
	OpTest Operation = iota
	OpAdd
	OpReplace
	OpRemove
	OpCopy
	OpMove
)

var opNames = [...]string{"test", "add", "replace", "remove", "copy", "move"}

func (o Operation) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("UnknownOperation(%d)", o)
}

// MarshalText implements encoding.TextMarshaler.
func (o Operation) MarshalText() ([]byte, error) {
	if o < 0 || int(o) >= len(opNames) {
		return nil, fmt.Errorf("rule: unknown operation %d", o)
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Operation) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for i, name := range opNames {
		if s == name {
			*o = Operation(i)
			return nil
		}
	}
	return fmt.Errorf("rule: unknown operation %q", b)
}

// TargetType selects what a request rule patches.
type TargetType int32

const (
	TargetMessage TargetType = iota
	TargetMetadata
)

func (t TargetType) String() string {
	switch t {
	case TargetMessage:
		return "message"
	case TargetMetadata:
		return "metadata"
	}
	return fmt.Sprintf("UnknownTargetType(%d)", t)
}

// MarshalText implements encoding.TextMarshaler.
func (t TargetType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TargetType) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "message":
		*t = TargetMessage
	case "metadata":
		*t = TargetMetadata
	default:
		return fmt.Errorf("rule: unknown target %q", b)
	}
	return nil
}

// Phase selects whether a rule applies to requests or responses.
type Phase int32

const (
	PhaseRequest Phase = iota
	PhaseResponse
)

func (p Phase) String() string {
	switch p {
	case PhaseRequest:
		return "request"
	case PhaseResponse:
		return "response"
	}
	return fmt.Sprintf("UnknownPhase(%d)", p)
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "request":
		*p = PhaseRequest
	case "response":
		*p = PhaseResponse
	default:
		return fmt.Errorf("rule: unknown phase %q", b)
	}
	return nil
}

// Patch is one operation against a target.
//
// Path addresses the field to change. For messages it is either a JSON
// Pointer ("/owner/email") or a dotted path ("$.owner.email", "$.tags[0]").
// For metadata it is the literal key. From is the source path of copy and
// move. Value is parsed as JSON unless the current value is a string, and
// falls back to the raw text when it is not valid JSON.
type Patch struct {
	Op    Operation `yaml:"op" json:"op"`
	Path  string    `yaml:"path" json:"path"`
	Value string    `yaml:"value,omitempty" json:"value,omitempty"`
	From  string    `yaml:"from,omitempty" json:"from,omitempty"`
}

// RequestRule rewrites messages or metadata of calls whose full method
// name matches MethodPattern. Then holds further patches run after the
// primary one; a failed test stops the rest of the rule.
type RequestRule struct {
	Name          string     `yaml:"name" json:"name"`
	Enabled       bool       `yaml:"enabled" json:"enabled"`
	MethodPattern string     `yaml:"method_pattern" json:"method_pattern"`
	Target        TargetType `yaml:"target" json:"target"`
	Phase         Phase      `yaml:"phase,omitempty" json:"phase,omitempty"`
	Patch         `yaml:",inline"`
	Then          []Patch `yaml:"then,omitempty" json:"then,omitempty"`
}

// Ops returns the primary patch followed by Then.
func (r RequestRule) Ops() []Patch {
	return append([]Patch{r.Patch}, r.Then...)
}
