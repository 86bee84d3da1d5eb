// Package proxy forwards gRPC, gRPC-Web and Connect calls to their
// authority while recording them as call timelines and applying request
// rules.
package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/mickamy/grpc-mediator/rule"
	"github.com/mickamy/grpc-mediator/schema"
)

// Protocol is the wire protocol of a proxied call.
type Protocol int32

const (
	ProtocolGRPC    Protocol = iota // gRPC over HTTP/2
	ProtocolGRPCWeb                 // gRPC-Web
	ProtocolConnect                 // Connect protocol
)

func (p Protocol) String() string {
	switch p {
	case ProtocolGRPC:
		return "gRPC"
	case ProtocolGRPCWeb:
		return "gRPC-Web"
	case ProtocolConnect:
		return "Connect"
	}
	return fmt.Sprintf("UnknownProtocol(%d)", p)
}

// Rules provides the compiled rules in effect. Implementations return
// immutable snapshots so each call sees one consistent set.
type Rules interface {
	Matcher() *rule.Matcher
	Engine() *rule.Engine
}

// StaticRules is a fixed Rules value.
type StaticRules struct {
	Servers  *rule.Matcher
	Requests *rule.Engine
}

// Matcher implements Rules.
func (s StaticRules) Matcher() *rule.Matcher { return s.Servers }

// Engine implements Rules.
func (s StaticRules) Engine() *rule.Engine { return s.Requests }

// Proxy is the interface for the mediator's interception proxy.
type Proxy interface {
	// ListenAndServe accepts client connections until ctx is cancelled.
	ListenAndServe(ctx context.Context) error
	// Serve accepts client connections on lis.
	Serve(lis net.Listener) error
	// Reference starts or joins schema resolution for authority.
	Reference(authority string) *schema.Reference
	// Close stops the proxy.
	Close() error
}
