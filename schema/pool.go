package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	// Registered so servers that omit well-known imports still resolve.
	_ "google.golang.org/protobuf/types/known/anypb"
	_ "google.golang.org/protobuf/types/known/durationpb"
	_ "google.golang.org/protobuf/types/known/emptypb"
	_ "google.golang.org/protobuf/types/known/fieldmaskpb"
	_ "google.golang.org/protobuf/types/known/structpb"
	_ "google.golang.org/protobuf/types/known/timestamppb"
	_ "google.golang.org/protobuf/types/known/wrapperspb"
)

// ErrDecode is returned when message bytes do not match the resolved schema.
var ErrDecode = errors.New("schema: message does not match descriptor")

// Direction selects the request or response type of a method.
type Direction int

const (
	Request Direction = iota
	Response
)

func (d Direction) String() string {
	if d == Response {
		return "response"
	}
	return "request"
}

// Pool is an immutable set of resolved descriptors for one authority.
type Pool struct {
	files   *protoregistry.Files
	types   *dynamicpb.Types
	methods map[string]protoreflect.MethodDescriptor // key: "pkg.Service/Method"
}

// NewPool builds a Pool from set. Imports missing from set are taken from
// the well-known files linked into this binary.
func NewPool(set *descriptorpb.FileDescriptorSet) (*Pool, error) {
	files, err := protodesc.NewFiles(withLinkedImports(set))
	if err != nil {
		return nil, fmt.Errorf("schema: build pool: %w", err)
	}

	methods := make(map[string]protoreflect.MethodDescriptor)
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		for i := 0; i < fd.Services().Len(); i++ {
			sd := fd.Services().Get(i)
			for j := 0; j < sd.Methods().Len(); j++ {
				md := sd.Methods().Get(j)
				methods[fmt.Sprintf("%s/%s", sd.FullName(), md.Name())] = md
			}
		}
		return true
	})

	return &Pool{
		files:   files,
		types:   dynamicpb.NewTypes(files),
		methods: methods,
	}, nil
}

func withLinkedImports(set *descriptorpb.FileDescriptorSet) *descriptorpb.FileDescriptorSet {
	out := &descriptorpb.FileDescriptorSet{}
	have := make(map[string]bool)
	for _, f := range set.GetFile() {
		if have[f.GetName()] {
			continue
		}
		have[f.GetName()] = true
		out.File = append(out.File, f)
	}

	for i := 0; i < len(out.File); i++ {
		for _, dep := range out.File[i].GetDependency() {
			if have[dep] {
				continue
			}
			fd, err := protoregistry.GlobalFiles.FindFileByPath(dep)
			if err != nil {
				continue // NewFiles reports the missing import
			}
			have[dep] = true
			out.File = append(out.File, protodesc.ToFileDescriptorProto(fd))
		}
	}
	return out
}

// Methods returns the names of all methods in the pool, sorted.
func (p *Pool) Methods() []string {
	names := make([]string, 0, len(p.methods))
	for k := range p.methods {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Method looks up a method by its full name. Both "/pkg.Svc/M" and
// "pkg.Svc/M" are accepted.
func (p *Pool) Method(fullMethod string) (protoreflect.MethodDescriptor, bool) {
	md, ok := p.methods[strings.TrimPrefix(fullMethod, "/")]
	return md, ok
}

// FindMessage looks up a message type by full name.
func (p *Pool) FindMessage(name string) (protoreflect.MessageDescriptor, bool) {
	d, err := p.files.FindDescriptorByName(protoreflect.FullName(name))
	if err != nil {
		return nil, false
	}
	md, ok := d.(protoreflect.MessageDescriptor)
	return md, ok
}

// MessageType returns the input or output type of a method.
func (p *Pool) MessageType(fullMethod string, dir Direction) (protoreflect.MessageDescriptor, error) {
	md, ok := p.Method(fullMethod)
	if !ok {
		return nil, fmt.Errorf("schema: method %s not found", fullMethod)
	}
	if dir == Response {
		return md.Output(), nil
	}
	return md.Input(), nil
}

// DecodeJSON decodes raw protobuf bytes of a method's message into JSON.
func (p *Pool) DecodeJSON(fullMethod string, dir Direction, raw []byte) ([]byte, error) {
	desc, err := p.MessageType(fullMethod, dir)
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(desc)
	if err := (proto.UnmarshalOptions{Resolver: p.types}).Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrDecode, fullMethod, dir, err)
	}
	out, err := (protojson.MarshalOptions{Resolver: p.types}).Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrDecode, fullMethod, dir, err)
	}
	return out, nil
}

// EncodeJSON is the inverse of DecodeJSON.
func (p *Pool) EncodeJSON(fullMethod string, dir Direction, js []byte) ([]byte, error) {
	desc, err := p.MessageType(fullMethod, dir)
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(desc)
	if err := (protojson.UnmarshalOptions{Resolver: p.types}).Unmarshal(js, msg); err != nil {
		return nil, fmt.Errorf("schema: encode %s %s: %w", fullMethod, dir, err)
	}
	out, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("schema: encode %s %s: %w", fullMethod, dir, err)
	}
	return out, nil
}
