package schema

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/descriptorpb"
)

// SourceKind selects where descriptors for an authority come from.
type SourceKind int32

const (
	ServerReflection  SourceKind = iota // gRPC server reflection against the authority
	ProtoRoot                           // .proto sources under configured roots
	FileDescriptorSet                   // pre-compiled descriptor set files
)

func (k SourceKind) String() string {
	switch k {
	case ServerReflection:
		return "server_reflection"
	case ProtoRoot:
		return "proto_root"
	case FileDescriptorSet:
		return "file_descriptor_set"
	}
	return fmt.Sprintf("UnknownSourceKind(%d)", k)
}

// MarshalText implements encoding.TextMarshaler.
func (k SourceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Both snake case and
// upper case spellings are accepted.
func (k *SourceKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "server_reflection", "reflection":
		*k = ServerReflection
	case "proto_root":
		*k = ProtoRoot
	case "file_descriptor_set", "descriptor_set":
		*k = FileDescriptorSet
	default:
		return fmt.Errorf("schema: unknown source kind %q", b)
	}
	return nil
}

// SourceConfig is the persisted description of a schema source.
type SourceConfig struct {
	Kind SourceKind `yaml:"kind" json:"kind"`
	// Metadata is sent as request headers on the reflection RPC.
	Metadata       map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Roots          []string          `yaml:"roots,omitempty" json:"roots,omitempty"`
	DescriptorSets []string          `yaml:"descriptor_sets,omitempty" json:"descriptor_sets,omitempty"`
}

// Endpoint describes how to reach the server behind an authority.
type Endpoint struct {
	// Authority overrides the call authority when non-empty.
	Authority string
	TLS       bool
}

// Source loads the descriptors needed to interpret calls on an authority.
type Source interface {
	Load(ctx context.Context, authority string) (*descriptorpb.FileDescriptorSet, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, authority string) (*descriptorpb.FileDescriptorSet, error)

// Load calls f.
func (f SourceFunc) Load(ctx context.Context, authority string) (*descriptorpb.FileDescriptorSet, error) {
	return f(ctx, authority)
}

// NewSource builds the Source described by cfg.
func NewSource(cfg SourceConfig, ep Endpoint) (Source, error) {
	switch cfg.Kind {
	case ServerReflection:
		return &ReflectionSource{Metadata: cfg.Metadata, Endpoint: ep}, nil
	case ProtoRoot:
		return &ProtoRootSource{Roots: cfg.Roots}, nil
	case FileDescriptorSet:
		return &DescriptorSetSource{Files: cfg.DescriptorSets}, nil
	}
	return nil, fmt.Errorf("schema: new source: unknown kind %v", cfg.Kind)
}
