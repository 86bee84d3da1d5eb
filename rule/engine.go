package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Outcome is what happened when a matching rule ran.
type Outcome int32

const (
	// Applied means every patch of the rule ran.
	Applied Outcome = iota
	// Gated means a test patch did not hold and the rest of the rule was skipped.
	Gated
	// Failed means a patch could not be applied; the rest of the rule was skipped.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Gated:
		return "gated"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("UnknownOutcome(%d)", o)
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(b []byte) error {
	for c := Applied; c <= Failed; c++ {
		if c.String() == string(b) {
			*o = c
			return nil
		}
	}
	return fmt.Errorf("rule: unknown outcome %q", b)
}

// Result records one matching rule's effect.
type Result struct {
	Rule    string  `json:"rule"`
	Index   int     `json:"index"`
	Outcome Outcome `json:"outcome"`
	// Changed reports whether any patch modified the target.
	Changed bool  `json:"changed"`
	Err     error `json:"-"`
}

// Failure returns the error text, or "".
func (r Result) Failure() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type compiledRule struct {
	RequestRule
	index int
	re    *regexp.Regexp
}

// Engine applies an ordered list of request rules. It is immutable and
// safe for concurrent use.
type Engine struct {
	rules   []RequestRule
	active  []compiledRule
	invalid []error
}

// NewEngine compiles rules. Disabled rules and rules whose pattern does not
// compile never participate; the latter are reported by Invalid.
func NewEngine(rules []RequestRule) *Engine {
	e := &Engine{rules: append([]RequestRule(nil), rules...)}
	for i, r := range rules {
		re, err := compileFull(r.MethodPattern)
		if err != nil {
			e.invalid = append(e.invalid, fmt.Errorf("request rule %d (%s): %w", i, r.Name, err))
			continue
		}
		if !r.Enabled {
			continue
		}
		e.active = append(e.active, compiledRule{RequestRule: r, index: i, re: re})
	}
	return e
}

// Rules returns the configured rules in order.
func (e *Engine) Rules() []RequestRule {
	return append([]RequestRule(nil), e.rules...)
}

// Invalid returns one error per rule whose pattern does not compile.
func (e *Engine) Invalid() []error { return e.invalid }

func matchMethod(re *regexp.Regexp, method string) bool {
	trimmed := strings.TrimPrefix(method, "/")
	return re.MatchString(trimmed) || re.MatchString("/"+trimmed)
}

// Matches reports whether any rule would run for the given call.
func (e *Engine) Matches(phase Phase, target TargetType, method string) bool {
	for _, r := range e.active {
		if r.Phase == phase && r.Target == target && matchMethod(r.re, method) {
			return true
		}
	}
	return false
}

// Apply runs every enabled rule of phase whose target type matches t and
// whose pattern fully matches method, in order, against the same target.
// Failures stay inside the rule that produced them: a failed rule leaves
// the target as it found it.
func (e *Engine) Apply(phase Phase, t Target, method string) []Result {
	return e.apply(phase, t, method, nil)
}

// snapshotter is implemented by targets that can undo a failed rule.
type snapshotter interface {
	snapshot() any
	restore(s any)
}

// apply runs the matching rules. check, when set, validates the target
// after each rule that changed it; a rule failing the check is undone.
func (e *Engine) apply(phase Phase, t Target, method string, check func() error) []Result {
	snap, _ := t.(snapshotter)
	var results []Result
	for _, r := range e.active {
		if r.Phase != phase || r.Target != t.Type() || !matchMethod(r.re, method) {
			continue
		}
		var saved any
		if snap != nil {
			saved = snap.snapshot()
		}
		res := runRule(t, r)
		if res.Outcome != Failed && res.Changed && check != nil {
			if err := check(); err != nil {
				res.Outcome = Failed
				res.Err = fmt.Errorf("%w: %w", ErrApplication, err)
			}
		}
		if res.Outcome == Failed && snap != nil {
			snap.restore(saved)
			res.Changed = false
		}
		results = append(results, res)
	}
	return results
}

func runRule(t Target, r compiledRule) Result {
	res := Result{Rule: r.Name, Index: r.index, Outcome: Applied}
	for _, p := range r.Ops() {
		changed, held, err := applyPatch(t, p)
		res.Changed = res.Changed || changed
		if err != nil {
			res.Outcome = Failed
			res.Err = fmt.Errorf("%s %s: %w", p.Op, p.Path, err)
			break
		}
		if !held {
			res.Outcome = Gated
			break
		}
	}
	return res
}

// Apply runs request-phase rules against t. It compiles rules on every
// call; hold an Engine to reuse them.
func Apply(rules []RequestRule, t Target, method string) []Result {
	return NewEngine(rules).Apply(PhaseRequest, t, method)
}

// applyPatch reports whether t changed and, for test, whether the
// assertion held.
func applyPatch(t Target, p Patch) (changed, held bool, err error) {
	switch p.Op {
	case OpTest:
		cur, ok, err := t.Get(p.Path)
		if err != nil {
			return false, false, err
		}
		return false, ok && equal(cur, t.Coerce(p.Path, p.Value)), nil

	case OpAdd, OpReplace:
		changed, err := t.Set(p.Path, t.Coerce(p.Path, p.Value), p.Op == OpAdd)
		return changed, true, err

	case OpRemove:
		changed, err := t.Remove(p.Path)
		return changed, true, err

	case OpCopy, OpMove:
		if p.From == "" {
			return false, true, fmt.Errorf("%w: %s needs a from path", ErrApplication, p.Op)
		}
		v, ok, err := t.Get(p.From)
		if err != nil {
			return false, true, err
		}
		if !ok {
			return false, true, fmt.Errorf("%w: from path %s not found", ErrApplication, p.From)
		}
		if p.Op == OpMove && p.From == p.Path {
			return false, true, nil
		}
		v = clone(v)
		if p.Op == OpMove {
			if _, err := t.Remove(p.From); err != nil {
				return false, true, err
			}
		}
		if _, err := t.Set(p.Path, v, true); err != nil {
			if p.Op == OpMove {
				// put the source back
				if _, rerr := t.Set(p.From, clone(v), true); rerr != nil {
					return true, true, errors.Join(err, rerr)
				}
			}
			return p.Op == OpMove, true, err
		}
		return true, true, nil
	}
	return false, true, fmt.Errorf("%w: unknown operation %s", ErrApplication, p.Op)
}

func equal(a, b any) bool {
	if an, ok := a.(json.Number); ok {
		if bn, ok := b.(json.Number); ok {
			af, aerr := an.Float64()
			bf, berr := bn.Float64()
			if aerr == nil && berr == nil {
				return af == bf
			}
			return an == bn
		}
	}
	return reflect.DeepEqual(a, b)
}

func clone(v any) any {
	switch c := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, e := range c {
			out[k] = clone(e)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, e := range c {
			out[i] = clone(e)
		}
		return out
	}
	return v
}
