package rule_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/matryer/is"
	"google.golang.org/grpc/metadata"

	"github.com/mickamy/grpc-mediator/rule"
	"github.com/mickamy/grpc-mediator/schema"
	"github.com/mickamy/grpc-mediator/schema/schematest"
)

func message(t *testing.T, js string) *rule.MessageTarget {
	t.Helper()
	m, err := rule.NewMessageTarget([]byte(js))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func asMap(t *testing.T, m *rule.MessageTarget) map[string]any {
	t.Helper()
	b, err := m.JSON()
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func replace(name, pattern, path, value string) rule.RequestRule {
	return rule.RequestRule{
		Name:          name,
		Enabled:       true,
		MethodPattern: pattern,
		Target:        rule.TargetMessage,
		Patch:         rule.Patch{Op: rule.OpReplace, Path: path, Value: value},
	}
}

func TestApply_ReplaceOnMatchingMethod(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	rules := []rule.RequestRule{replace("id", ".*/Get.*", "$.id", "42")}

	m := message(t, `{"id":"7"}`)
	res := rule.Apply(rules, m, "pkg.Svc/GetItem")
	is.Equal(len(res), 1)
	is.Equal(res[0].Outcome, rule.Applied)
	is.True(res[0].Changed)
	is.Equal(asMap(t, m)["id"], "42") // string field keeps its type

	m = message(t, `{"id":"7"}`)
	res = rule.Apply(rules, m, "pkg.Svc/ListItems")
	is.Equal(len(res), 0)
	is.Equal(asMap(t, m)["id"], "7")
}

func TestApply_FullMatchOnly(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	rules := []rule.RequestRule{replace("x", "Get", "$.id", "1")}
	m := message(t, `{"id":"0"}`)
	is.Equal(len(rule.Apply(rules, m, "pkg.Svc/GetItem")), 0)

	rules = []rule.RequestRule{replace("x", "/pkg.Svc/GetItem", "$.id", "1")}
	is.Equal(len(rule.Apply(rules, m, "pkg.Svc/GetItem")), 1) // leading slash is optional
}

func TestApply_TestGatesOnlyItsRule(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	gated := rule.RequestRule{
		Name:          "gated",
		Enabled:       true,
		MethodPattern: ".*",
		Target:        rule.TargetMessage,
		Patch:         rule.Patch{Op: rule.OpTest, Path: "$.name", Value: "widget"},
		Then: []rule.Patch{
			{Op: rule.OpReplace, Path: "$.id", Value: "gated"},
		},
	}
	later := replace("later", ".*", "$.name", "renamed")

	m := message(t, `{"id":"1","name":"gadget"}`)
	res := rule.Apply([]rule.RequestRule{gated, later}, m, "a.B/C")

	is.Equal(len(res), 2)
	is.Equal(res[0].Outcome, rule.Gated)
	is.True(!res[0].Changed)
	is.Equal(res[1].Outcome, rule.Applied)
	got := asMap(t, m)
	is.Equal(got["id"], "1")
	is.Equal(got["name"], "renamed")

	m = message(t, `{"id":"1","name":"widget"}`)
	res = rule.Apply([]rule.RequestRule{gated}, m, "a.B/C")
	is.Equal(res[0].Outcome, rule.Applied)
	is.Equal(asMap(t, m)["id"], "gated")
}

func TestApply_SequentialRulesSeeEarlierEffects(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	rules := []rule.RequestRule{
		{
			Name: "add", Enabled: true, MethodPattern: ".*", Target: rule.TargetMessage,
			Patch: rule.Patch{Op: rule.OpAdd, Path: "$.owner.email", Value: "a@example.com"},
		},
		{
			Name: "check", Enabled: true, MethodPattern: ".*", Target: rule.TargetMessage,
			Patch: rule.Patch{Op: rule.OpTest, Path: "/owner/email", Value: "a@example.com"},
			Then:  []rule.Patch{{Op: rule.OpAdd, Path: "$.tags[-]", Value: "checked"}},
		},
	}
	m := message(t, `{"tags":["x"]}`)
	res := rule.Apply(rules, m, "a.B/C")

	is.Equal(res[0].Outcome, rule.Applied)
	is.Equal(res[1].Outcome, rule.Applied)
	got := asMap(t, m)
	is.Equal(got["owner"], map[string]any{"email": "a@example.com"})
	is.Equal(got["tags"], []any{"x", "checked"})
}

func TestApply_MoveAndCopy(t *testing.T) {
	t.Parallel()

	t.Run("move", func(t *testing.T) {
		t.Parallel()
		is := is.New(t)

		m := message(t, `{"id":"7","owner":{"email":"e"}}`)
		res := rule.Apply([]rule.RequestRule{{
			Name: "mv", Enabled: true, MethodPattern: ".*", Target: rule.TargetMessage,
			Patch: rule.Patch{Op: rule.OpMove, From: "$.owner.email", Path: "$.name"},
		}}, m, "a.B/C")

		is.Equal(res[0].Outcome, rule.Applied)
		got := asMap(t, m)
		is.Equal(got["name"], "e")
		is.Equal(got["owner"], map[string]any{})
	})

	t.Run("copy", func(t *testing.T) {
		t.Parallel()
		is := is.New(t)

		m := message(t, `{"owner":{"email":"e","tags":["a"]}}`)
		res := rule.Apply([]rule.RequestRule{{
			Name: "cp", Enabled: true, MethodPattern: ".*", Target: rule.TargetMessage,
			Patch: rule.Patch{Op: rule.OpCopy, From: "/owner", Path: "/backup"},
		}}, m, "a.B/C")

		is.Equal(res[0].Outcome, rule.Applied)
		got := asMap(t, m)
		is.Equal(got["owner"], got["backup"])

		// the copy is independent of its source
		rule.Apply([]rule.RequestRule{replace("r", ".*", "$.owner.email", "changed")}, m, "a.B/C")
		got = asMap(t, m)
		is.Equal(got["backup"].(map[string]any)["email"], "e")
	})

	t.Run("missing from", func(t *testing.T) {
		t.Parallel()
		is := is.New(t)

		m := message(t, `{}`)
		res := rule.Apply([]rule.RequestRule{{
			Name: "cp", Enabled: true, MethodPattern: ".*", Target: rule.TargetMessage,
			Patch: rule.Patch{Op: rule.OpCopy, From: "$.nope", Path: "$.id"},
		}}, m, "a.B/C")
		is.Equal(res[0].Outcome, rule.Failed)
		is.True(errors.Is(res[0].Err, rule.ErrApplication))
	})
}

func TestApply_ReplaceMissingIsNoop(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	m := message(t, `{"id":"1"}`)
	res := rule.Apply([]rule.RequestRule{replace("r", ".*", "$.owner.email", "x")}, m, "a.B/C")
	is.Equal(res[0].Outcome, rule.Applied)
	is.True(!res[0].Changed)
	is.Equal(asMap(t, m), map[string]any{"id": "1"})
}

func TestApply_RemoveMissingIsNoop(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	m := message(t, `{"id":"1","tags":["a","b","c"]}`)
	rules := []rule.RequestRule{
		{Name: "rm", Enabled: true, MethodPattern: ".*", Patch: rule.Patch{Op: rule.OpRemove, Path: "$.name"}},
		{Name: "rm-idx", Enabled: true, MethodPattern: ".*", Patch: rule.Patch{Op: rule.OpRemove, Path: "$.tags[1]"}},
	}
	res := rule.Apply(rules, m, "a.B/C")
	is.Equal(res[0].Outcome, rule.Applied)
	is.True(!res[0].Changed)
	is.True(res[1].Changed)
	is.Equal(asMap(t, m)["tags"], []any{"a", "c"})
}

func TestApply_FailureDoesNotStopOtherRules(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	rules := []rule.RequestRule{
		{Name: "bad-path", Enabled: true, MethodPattern: ".*", Patch: rule.Patch{Op: rule.OpAdd, Path: "$.id.deeper", Value: "1"}},
		{Name: "bad-bracket", Enabled: true, MethodPattern: ".*", Patch: rule.Patch{Op: rule.OpAdd, Path: "$.tags[", Value: "1"}},
		{Name: "bad-pattern", Enabled: true, MethodPattern: "(", Patch: rule.Patch{Op: rule.OpRemove, Path: "$.id"}},
		{Name: "disabled", Enabled: false, MethodPattern: ".*", Patch: rule.Patch{Op: rule.OpRemove, Path: "$.id"}},
		replace("ok", ".*", "$.name", "n2"),
	}
	m := message(t, `{"id":"1","name":"n"}`)
	res := rule.Apply(rules, m, "a.B/C")

	is.Equal(len(res), 3)
	is.Equal(res[0].Outcome, rule.Failed)
	is.Equal(res[1].Outcome, rule.Failed)
	is.Equal(res[2].Rule, "ok")
	is.Equal(res[2].Index, 4)
	is.Equal(res[2].Outcome, rule.Applied)
	got := asMap(t, m)
	is.Equal(got["id"], "1")
	is.Equal(got["name"], "n2")

	e := rule.NewEngine(rules)
	is.Equal(len(e.Invalid()), 1)
	is.True(errors.Is(e.Invalid()[0], rule.ErrInvalidPattern))
}

func TestApply_ValueCoercion(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	m := message(t, `{"count":1,"flag":false,"label":"1"}`)
	rules := []rule.RequestRule{
		replace("num", ".*", "$.count", "2"),
		replace("bool", ".*", "$.flag", "true"),
		replace("str", ".*", "$.label", "true"),
		{Name: "obj", Enabled: true, MethodPattern: ".*", Patch: rule.Patch{Op: rule.OpAdd, Path: "$.extra", Value: `{"k":[1]}`}},
		{Name: "text", Enabled: true, MethodPattern: ".*", Patch: rule.Patch{Op: rule.OpAdd, Path: "$.note", Value: "not json"}},
	}
	rule.Apply(rules, m, "a.B/C")

	got := asMap(t, m)
	is.Equal(got["count"], float64(2))
	is.Equal(got["flag"], true)
	is.Equal(got["label"], "true")
	is.Equal(got["extra"], map[string]any{"k": []any{float64(1)}})
	is.Equal(got["note"], "not json")
}

func TestApply_PhaseAndTargetFilter(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	e := rule.NewEngine([]rule.RequestRule{
		{Name: "resp", Enabled: true, MethodPattern: ".*", Phase: rule.PhaseResponse, Patch: rule.Patch{Op: rule.OpRemove, Path: "$.id"}},
		{Name: "md", Enabled: true, MethodPattern: ".*", Target: rule.TargetMetadata, Patch: rule.Patch{Op: rule.OpRemove, Path: "x"}},
	})
	is.True(e.Matches(rule.PhaseResponse, rule.TargetMessage, "a.B/C"))
	is.True(!e.Matches(rule.PhaseRequest, rule.TargetMessage, "a.B/C"))

	m := message(t, `{"id":"1"}`)
	is.Equal(len(e.Apply(rule.PhaseRequest, m, "a.B/C")), 0)
	is.Equal(len(e.Apply(rule.PhaseResponse, m, "a.B/C")), 1)
	is.Equal(asMap(t, m), map[string]any{})
}

func TestApply_Metadata(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	md := metadata.Pairs("authorization", "Bearer old", "x-trace", "abc")
	target := rule.NewMetadataTarget(md)
	rules := []rule.RequestRule{
		{
			Name: "swap-token", Enabled: true, MethodPattern: ".*", Target: rule.TargetMetadata,
			Patch: rule.Patch{Op: rule.OpTest, Path: "Authorization", Value: "Bearer old"},
			Then: []rule.Patch{
				{Op: rule.OpReplace, Path: "authorization", Value: "Bearer new"},
				{Op: rule.OpMove, From: "x-trace", Path: "x-request-id"},
				{Op: rule.OpAdd, Path: "x-tenant", Value: "a"},
				{Op: rule.OpAdd, Path: "x-tenant", Value: "b"},
			},
		},
	}
	res := rule.Apply(rules, target, "a.B/C")

	is.Equal(res[0].Outcome, rule.Applied)
	is.Equal(md.Get("authorization"), []string{"Bearer new"})
	is.Equal(len(md.Get("x-trace")), 0)
	is.Equal(md.Get("x-request-id"), []string{"abc"})
	is.Equal(md.Get("x-tenant"), []string{"a", "b"})
}

func TestEngine_RewriteMessage(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	pool := schematest.Pool(t)
	raw := schematest.Encode(t, pool, schematest.GetItem, schema.Request, `{"id":"7","name":"n"}`)

	e := rule.NewEngine([]rule.RequestRule{replace("id", ".*/Get.*", "$.id", "42")})

	out, res, err := e.RewriteMessage(pool, rule.PhaseRequest, "/"+schematest.GetItem, raw)
	is.NoErr(err)
	is.Equal(len(res), 1)
	js, err := pool.DecodeJSON(schematest.GetItem, schema.Request, out)
	is.NoErr(err)
	var got map[string]any
	is.NoErr(json.Unmarshal(js, &got))
	is.Equal(got["id"], "42")
	is.Equal(got["name"], "n")

	out, res, err = e.RewriteMessage(pool, rule.PhaseRequest, schematest.ListItems, raw)
	is.NoErr(err)
	is.Equal(len(res), 0)
	is.Equal(out, raw)
}

func TestEngine_RewriteMessageBadValue(t *testing.T) {
	t.Parallel()

	pool := schematest.Pool(t)
	raw := schematest.Encode(t, pool, schematest.GetItem, schema.Request, `{"id":"7"}`)
	bad := rule.RequestRule{
		Name: "bad", Enabled: true, MethodPattern: ".*",
		Patch: rule.Patch{Op: rule.OpAdd, Path: "$.tags", Value: `{"not":"a list"}`},
	}

	tests := []struct {
		name    string
		rules   []rule.RequestRule
		wantRaw bool
		wantID  string
	}{
		{name: "alone", rules: []rule.RequestRule{bad}, wantRaw: true},
		{name: "after a good rule", rules: []rule.RequestRule{replace("good", ".*", "$.id", "42"), bad}, wantID: "42"},
		{name: "before a good rule", rules: []rule.RequestRule{bad, replace("good", ".*", "$.id", "42")}, wantID: "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			is := is.New(t)

			out, res, err := rule.NewEngine(tt.rules).RewriteMessage(pool, rule.PhaseRequest, schematest.GetItem, raw)
			is.NoErr(err)
			is.Equal(len(res), len(tt.rules))
			for _, r := range res {
				if r.Rule == "bad" {
					is.Equal(r.Outcome, rule.Failed)
					is.True(!r.Changed)
					is.True(errors.Is(r.Err, rule.ErrApplication))
				} else {
					is.Equal(r.Outcome, rule.Applied)
					is.True(r.Changed)
				}
			}
			if tt.wantRaw {
				is.Equal(out, raw) // original bytes forwarded
				return
			}
			js, err := pool.DecodeJSON(schematest.GetItem, schema.Request, out)
			is.NoErr(err)
			var got map[string]any
			is.NoErr(json.Unmarshal(js, &got))
			is.Equal(got["id"], tt.wantID)
			is.Equal(got["tags"], nil)
		})
	}
}

func TestApply_FailedRuleIsUndone(t *testing.T) {
	t.Parallel()

	t.Run("move to a bad index keeps the source", func(t *testing.T) {
		t.Parallel()
		is := is.New(t)

		m := message(t, `{"a":"keep","arr":[1,2]}`)
		res := rule.Apply([]rule.RequestRule{{
			Name: "mv", Enabled: true, MethodPattern: ".*", Target: rule.TargetMessage,
			Patch: rule.Patch{Op: rule.OpMove, From: "$.a", Path: "$.arr[5]"},
		}}, m, "a.B/C")

		is.Equal(res[0].Outcome, rule.Failed)
		is.True(!res[0].Changed)
		is.Equal(asMap(t, m), map[string]any{"a": "keep", "arr": []any{float64(1), float64(2)}})
	})

	t.Run("earlier ops of the rule are reverted", func(t *testing.T) {
		t.Parallel()
		is := is.New(t)

		m := message(t, `{"id":"1","name":"n"}`)
		res := rule.Apply([]rule.RequestRule{
			{
				Name: "half", Enabled: true, MethodPattern: ".*", Target: rule.TargetMessage,
				Patch: rule.Patch{Op: rule.OpReplace, Path: "$.name", Value: "changed"},
				Then:  []rule.Patch{{Op: rule.OpAdd, Path: "$.id.deeper", Value: "x"}},
			},
			replace("next", ".*", "$.id", "2"),
		}, m, "a.B/C")

		is.Equal(res[0].Outcome, rule.Failed)
		is.Equal(res[1].Outcome, rule.Applied)
		is.Equal(asMap(t, m), map[string]any{"id": "2", "name": "n"})
	})

	t.Run("metadata", func(t *testing.T) {
		t.Parallel()
		is := is.New(t)

		md := metadata.Pairs("x-trace", "abc")
		res := rule.Apply([]rule.RequestRule{{
			Name: "half", Enabled: true, MethodPattern: ".*", Target: rule.TargetMetadata,
			Patch: rule.Patch{Op: rule.OpAdd, Path: "x-tenant", Value: "a"},
			Then:  []rule.Patch{{Op: rule.OpCopy, From: "x-missing", Path: "x-other"}},
		}}, rule.NewMetadataTarget(md), "a.B/C")

		is.Equal(res[0].Outcome, rule.Failed)
		is.Equal(md, metadata.Pairs("x-trace", "abc"))
	})
}
