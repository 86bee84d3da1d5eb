package rule

import (
	"fmt"

	"github.com/mickamy/grpc-mediator/schema"
)

// RewriteMessage decodes raw with pool, applies the message rules of phase
// and re-encodes the result. A rule whose edits do not fit the message
// type fails on its own and is undone; the other rules still apply. When
// no rule changes the message, raw is returned as is.
func (e *Engine) RewriteMessage(pool *schema.Pool, phase Phase, method string, raw []byte) ([]byte, []Result, error) {
	if !e.Matches(phase, TargetMessage, method) {
		return raw, nil, nil
	}

	dir := schema.Request
	if phase == PhaseResponse {
		dir = schema.Response
	}
	js, err := pool.DecodeJSON(method, dir, raw)
	if err != nil {
		return raw, nil, fmt.Errorf("rule: rewrite %s: %w", method, err)
	}
	t, err := NewMessageTarget(js)
	if err != nil {
		return raw, nil, err
	}

	var out []byte
	encode := func() error {
		patched, err := t.JSON()
		if err != nil {
			return err
		}
		out, err = pool.EncodeJSON(method, dir, patched)
		return err
	}
	results := e.apply(phase, t, method, encode)
	changed := false
	for _, r := range results {
		changed = changed || r.Changed
	}
	if !changed {
		return raw, results, nil
	}

	// out may hold the encoding of a rule that was undone afterwards.
	if err := encode(); err != nil {
		return raw, results, fmt.Errorf("%w: %s: %w", ErrApplication, method, err)
	}
	return out, results, nil
}

// RewriteMetadata applies the metadata rules of phase to md in place.
func (e *Engine) RewriteMetadata(phase Phase, method string, t *MetadataTarget) []Result {
	if !e.Matches(phase, TargetMetadata, method) {
		return nil
	}
	return e.Apply(phase, t, method)
}
