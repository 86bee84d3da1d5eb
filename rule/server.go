package rule

import (
	"fmt"
	"net"
	"regexp"

	"github.com/mickamy/grpc-mediator/schema"
)

// Rewrite redirects calls for a matched authority to another endpoint.
type Rewrite struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Scheme is "http" or "https".
	Scheme string `yaml:"scheme,omitempty" json:"scheme,omitempty"`
	// Authority replaces the call authority when non-empty.
	Authority string `yaml:"authority,omitempty" json:"authority,omitempty"`
}

// TLS reports whether the rewritten upstream uses TLS.
func (r Rewrite) TLS() bool { return r.Enabled && r.Scheme == "https" }

// ServerRule selects upstream and schema handling for authorities
// matching HostPattern.
type ServerRule struct {
	Name        string              `yaml:"name" json:"name"`
	Enabled     bool                `yaml:"enabled" json:"enabled"`
	HostPattern string              `yaml:"host_pattern" json:"host_pattern"`
	Rewrite     Rewrite             `yaml:"rewrite,omitempty" json:"rewrite,omitempty"`
	Schema      schema.SourceConfig `yaml:"schema" json:"schema"`
}

// Upstream returns the scheme and authority calls for authority should be
// sent to.
func (r ServerRule) Upstream(authority string) (scheme, host string) {
	scheme, host = "http", authority
	if !r.Rewrite.Enabled {
		return scheme, host
	}
	if r.Rewrite.Scheme != "" {
		scheme = r.Rewrite.Scheme
	}
	if r.Rewrite.Authority != "" {
		host = r.Rewrite.Authority
	}
	return scheme, host
}

// Endpoint describes where the schema source should connect.
func (r ServerRule) Endpoint() schema.Endpoint {
	ep := schema.Endpoint{TLS: r.Rewrite.TLS()}
	if r.Rewrite.Enabled {
		ep.Authority = r.Rewrite.Authority
	}
	return ep
}

// Source builds the schema source configured for this rule.
func (r ServerRule) Source() (schema.Source, error) {
	src, err := schema.NewSource(r.Schema, r.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("rule: server rule %s: %w", r.Name, err)
	}
	return src, nil
}

type compiledServer struct {
	ServerRule
	re *regexp.Regexp
}

// Matcher selects the first server rule matching an authority. It is
// immutable and safe for concurrent use.
type Matcher struct {
	rules   []ServerRule
	active  []compiledServer
	invalid []error
}

// NewMatcher compiles rules. Rules whose pattern does not compile never
// match and are reported by Invalid.
func NewMatcher(rules []ServerRule) *Matcher {
	m := &Matcher{rules: append([]ServerRule(nil), rules...)}
	for i, r := range rules {
		re, err := compileFull(r.HostPattern)
		if err != nil {
			m.invalid = append(m.invalid, fmt.Errorf("server rule %d (%s): %w", i, r.Name, err))
			continue
		}
		if r.Enabled {
			m.active = append(m.active, compiledServer{ServerRule: r, re: re})
		}
	}
	return m
}

// Match returns the first enabled rule whose pattern fully matches
// authority, or its host part when authority carries a port.
func (m *Matcher) Match(authority string) (ServerRule, bool) {
	host := authority
	if h, _, err := net.SplitHostPort(authority); err == nil {
		host = h
	}
	for _, r := range m.active {
		if r.re.MatchString(authority) || r.re.MatchString(host) {
			return r.ServerRule, true
		}
	}
	return ServerRule{}, false
}

// Rules returns the configured rules in order.
func (m *Matcher) Rules() []ServerRule {
	return append([]ServerRule(nil), m.rules...)
}

// Invalid returns one error per rule whose pattern does not compile.
func (m *Matcher) Invalid() []error { return m.invalid }
