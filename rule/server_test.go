package rule_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/matryer/is"
	"google.golang.org/protobuf/proto"

	"github.com/mickamy/grpc-mediator/rule"
	"github.com/mickamy/grpc-mediator/schema"
	"github.com/mickamy/grpc-mediator/schema/schematest"
)

func TestMatcher_FirstMatchWins(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	m := rule.NewMatcher([]rule.ServerRule{
		{Name: "off", Enabled: false, HostPattern: ".*"},
		{Name: "svc", Enabled: true, HostPattern: `svc\.example\.com`},
		{Name: "any-example", Enabled: true, HostPattern: `.*\.example\.com`},
	})

	r, ok := m.Match("svc.example.com")
	is.True(ok)
	is.Equal(r.Name, "svc")

	r, ok = m.Match("svc.example.com:443")
	is.True(ok)
	is.Equal(r.Name, "svc")

	r, ok = m.Match("other.example.com")
	is.True(ok)
	is.Equal(r.Name, "any-example")

	_, ok = m.Match("example.org")
	is.True(!ok)

	_, ok = m.Match("xsvc.example.com.evil")
	is.True(!ok) // full match, not substring
}

func TestMatcher_InvalidPatternNeverMatches(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	m := rule.NewMatcher([]rule.ServerRule{
		{Name: "broken", Enabled: true, HostPattern: "("},
		{Name: "escape", Enabled: true, HostPattern: "a)|(b"},
	})
	for _, authority := range []string{"(", "", "a", "b", "anything:80"} {
		_, ok := m.Match(authority)
		is.True(!ok)
	}
	is.Equal(len(m.Invalid()), 2)
	is.True(errors.Is(m.Invalid()[0], rule.ErrInvalidPattern))
	is.Equal(len(m.Rules()), 2)
}

func TestMatcher_DescriptorSetScenario(t *testing.T) {
	t.Parallel()
	is := is.New(t)

	dir := t.TempDir()
	b, err := proto.Marshal(schematest.Set())
	is.NoErr(err)
	desc := filepath.Join(dir, "a.desc")
	is.NoErr(os.WriteFile(desc, b, 0o600))

	m := rule.NewMatcher([]rule.ServerRule{{
		Name:        "svc",
		Enabled:     true,
		HostPattern: `svc\.example\.com`,
		Schema: schema.SourceConfig{
			Kind:           schema.FileDescriptorSet,
			DescriptorSets: []string{desc},
		},
	}})
	resolver := schema.NewResolver()

	resolve := func(ctx context.Context, authority string) (*schema.Reference, bool) {
		r, ok := m.Match(authority)
		if !ok {
			return nil, false
		}
		src, err := r.Source()
		is.NoErr(err)
		ref, err := resolver.Resolve(ctx, authority, src)
		is.NoErr(err)
		return ref, true
	}

	ref, ok := resolve(t.Context(), "svc.example.com")
	is.True(ok)
	is.Equal(ref.State(), schema.Resolved)
	pool, _ := ref.Pool()
	_, found := pool.Method(schematest.GetItem)
	is.True(found)

	_, ok = resolve(t.Context(), "other.example.com")
	is.True(!ok)
	_, cached := resolver.Lookup("other.example.com")
	is.True(!cached)
}

func TestServerRule_Upstream(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		rewrite    rule.Rewrite
		wantScheme string
		wantHost   string
		wantTLS    bool
	}{
		{name: "disabled", rewrite: rule.Rewrite{Scheme: "https", Authority: "x:1"}, wantScheme: "http", wantHost: "api:80"},
		{name: "tls only", rewrite: rule.Rewrite{Enabled: true, Scheme: "https"}, wantScheme: "https", wantHost: "api:80", wantTLS: true},
		{name: "authority", rewrite: rule.Rewrite{Enabled: true, Authority: "10.0.0.1:9000"}, wantScheme: "http", wantHost: "10.0.0.1:9000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			is := is.New(t)

			r := rule.ServerRule{Rewrite: tt.rewrite}
			scheme, host := r.Upstream("api:80")
			is.Equal(scheme, tt.wantScheme)
			is.Equal(host, tt.wantHost)
			is.Equal(r.Endpoint().TLS, tt.wantTLS)
		})
	}
}
