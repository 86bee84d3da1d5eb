package timeline

import (
	"strconv"
	"time"

	"github.com/mickamy/grpc-mediator/codec"
	"github.com/mickamy/grpc-mediator/rule"
	"github.com/mickamy/grpc-mediator/schema"
)

// Summary is a one-line description of a call.
type Summary struct {
	ID         string        `json:"id"`
	Authority  string        `json:"authority"`
	Method     string        `json:"method"`
	ServerRule string        `json:"server_rule,omitempty"`
	StartTime  time.Time     `json:"start_time"`
	Duration   time.Duration `json:"duration_ns"`
	Closed     bool          `json:"closed"`
	Code       int32         `json:"code"`
	StatusName string        `json:"status_name,omitempty"`
	Message    string        `json:"message,omitempty"`
	Inputs     int           `json:"inputs"`
	Outputs    int           `json:"outputs"`
	Rewritten  bool          `json:"rewritten"`
}

// RuleView is a rule.Result prepared for display.
type RuleView struct {
	rule.Result
	Error string `json:"error,omitempty"`
}

// BodyView is a message body prepared for display.
type BodyView struct {
	Size         int    `json:"size"`
	Raw          []byte `json:"raw"`
	Original     []byte `json:"original,omitempty"`
	RewriteError string `json:"rewrite_error,omitempty"`
	Body
}

// EventView is an event prepared for display.
type EventView struct {
	Seq      uint64               `json:"seq"`
	Kind     Kind                 `json:"kind"`
	Time     time.Time            `json:"time"`
	Metadata []codec.DisplayValue `json:"metadata,omitempty"`
	Body     *BodyView            `json:"body,omitempty"`
	Rules    []RuleView           `json:"rules,omitempty"`
	Code     *int32               `json:"code,omitempty"`
	Message  string               `json:"message,omitempty"`
}

// View is a snapshot of a whole call.
type View struct {
	Summary
	Upstream    string      `json:"upstream,omitempty"`
	Schema      string      `json:"schema"`
	SchemaError string      `json:"schema_error,omitempty"`
	Events      []EventView `json:"events"`
}

// Summary describes the call as recorded so far.
func (t *Timeline) Summary() Summary {
	return summarize(t.id, t.Events())
}

func summarize(id string, events []Event) Summary {
	s := Summary{ID: id}
	for _, ev := range events {
		switch e := ev.(type) {
		case Start:
			s.Authority = e.Authority
			s.Method = e.Method
			s.ServerRule = e.ServerRule
			s.StartTime = e.Time()
			s.Rewritten = s.Rewritten || changed(e.Rules)
		case Accept:
			s.Rewritten = s.Rewritten || changed(e.Rules)
		case Input:
			s.Inputs++
			s.Rewritten = s.Rewritten || e.Original != nil
		case Output:
			s.Outputs++
			s.Rewritten = s.Rewritten || e.Original != nil
		case Close:
			s.Closed = true
			s.Code = int32(e.Code)
			s.StatusName = codec.StatusName(strconv.Itoa(int(e.Code)))
			s.Message = e.Message
			s.Duration = e.Time().Sub(s.StartTime)
		}
	}
	return s
}

func changed(rs []rule.Result) bool {
	for _, r := range rs {
		if r.Changed {
			return true
		}
	}
	return false
}

// View builds a snapshot with decoded metadata and message bodies.
func (t *Timeline) View() View {
	events := t.Events()
	v := View{
		Summary: summarize(t.id, events),
		Schema:  "none",
		Events:  make([]EventView, 0, len(events)),
	}
	if ref := t.Reference(); ref != nil {
		v.Schema = ref.State().String()
		if ref.State() == schema.Unresolved {
			v.SchemaError = ref.Err().Error()
		}
	}

	for _, ev := range events {
		if st, ok := ev.(Start); ok {
			v.Upstream = st.Upstream
		}
		v.Events = append(v.Events, t.EventView(ev))
	}
	return v
}

// EventView prepares a single event of t for display.
func (t *Timeline) EventView(ev Event) EventView {
	ew := EventView{Seq: ev.Seq(), Kind: ev.Kind(), Time: ev.Time()}
	switch e := ev.(type) {
	case Start:
		ew.Metadata = codec.DecodeMD(e.Header)
		ew.Rules = ruleViews(e.Rules)
	case Accept:
		ew.Metadata = codec.DecodeMD(e.Header)
		ew.Rules = ruleViews(e.Rules)
	case Input:
		ew.Body = t.bodyView(e.Seq(), e.Message)
		ew.Rules = ruleViews(e.Rules)
	case Output:
		ew.Body = t.bodyView(e.Seq(), e.Message)
		ew.Rules = ruleViews(e.Rules)
	case Close:
		ew.Metadata = codec.DecodeMD(e.Trailers)
		code := int32(e.Code)
		ew.Code = &code
		ew.Message = e.Message
	}
	return ew
}

func (t *Timeline) bodyView(seq uint64, m Message) *BodyView {
	body, err := t.Decode(seq)
	if err != nil {
		body = Body{State: Undecodable, Error: err.Error()}
	}
	return &BodyView{
		Size:         len(m.Raw),
		Raw:          m.Raw,
		Original:     m.Original,
		RewriteError: m.RewriteError,
		Body:         body,
	}
}

func ruleViews(rs []rule.Result) []RuleView {
	if len(rs) == 0 {
		return nil
	}
	out := make([]RuleView, len(rs))
	for i, r := range rs {
		out[i] = RuleView{Result: r, Error: r.Failure()}
	}
	return out
}
