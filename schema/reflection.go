package schema

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	rpbalpha "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

// ReflectionSource fetches descriptors from the server itself via the
// reflection API. The v1 service is tried first, then v1alpha.
type ReflectionSource struct {
	Metadata map[string]string
	Endpoint Endpoint
	// DialOptions are appended after the transport credentials.
	DialOptions []grpc.DialOption
}

// Load implements Source. The connection is closed before Load returns,
// including when ctx is cancelled.
func (s *ReflectionSource) Load(ctx context.Context, authority string) (*descriptorpb.FileDescriptorSet, error) {
	target := authority
	if s.Endpoint.Authority != "" {
		target = s.Endpoint.Authority
	}

	creds := insecure.NewCredentials()
	if s.Endpoint.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, s.DialOptions...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("schema: reflection dial %s: %w", target, err)
	}
	defer func() { _ = conn.Close() }()

	if len(s.Metadata) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(s.Metadata))
	}

	files, err := collect(ctx, func(ctx context.Context) (reflectionStream, error) {
		st, err := rpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
		if err != nil {
			return nil, err
		}
		return v1Stream{st}, nil
	})
	if status.Code(err) == codes.Unimplemented {
		files, err = collect(ctx, func(ctx context.Context) (reflectionStream, error) {
			st, err := rpbalpha.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
			if err != nil {
				return nil, err
			}
			return v1alphaStream{st}, nil
		})
	}
	if err != nil {
		return nil, fmt.Errorf("schema: reflection %s: %w", target, err)
	}
	return &descriptorpb.FileDescriptorSet{File: files}, nil
}

// reflectionStream hides the difference between the v1 and v1alpha APIs.
type reflectionStream interface {
	listServices() ([]string, error)
	fileContainingSymbol(symbol string) ([][]byte, error)
	fileByFilename(name string) ([][]byte, error)
	closeSend() error
}

func collect(
	ctx context.Context, open func(context.Context) (reflectionStream, error),
) ([]*descriptorpb.FileDescriptorProto, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.closeSend() }()

	services, err := stream.listServices()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var files []*descriptorpb.FileDescriptorProto
	for _, svc := range services {
		raw, err := stream.fileContainingSymbol(svc)
		if err != nil {
			return nil, fmt.Errorf("file containing %s: %w", svc, err)
		}
		fetched, err := fetchTransitive(stream, raw, seen)
		if err != nil {
			return nil, err
		}
		files = append(files, fetched...)
	}
	if len(files) == 0 {
		return nil, errors.New("server exposes no file descriptors")
	}
	return files, nil
}

// fetchTransitive decodes raw descriptors and recursively fetches any
// dependency not seen yet. Dependencies the server refuses to serve are
// skipped; well-known files are filled in later by NewPool.
func fetchTransitive(
	stream reflectionStream, raw [][]byte, seen map[string]bool,
) ([]*descriptorpb.FileDescriptorProto, error) {
	var result []*descriptorpb.FileDescriptorProto
	for _, b := range raw {
		fdp := &descriptorpb.FileDescriptorProto{}
		if err := proto.Unmarshal(b, fdp); err != nil {
			return nil, fmt.Errorf("unmarshal file descriptor: %w", err)
		}
		if seen[fdp.GetName()] {
			continue
		}
		seen[fdp.GetName()] = true
		result = append(result, fdp)

		for _, dep := range fdp.GetDependency() {
			if seen[dep] {
				continue
			}
			depRaw, err := stream.fileByFilename(dep)
			if err != nil {
				continue
			}
			depFiles, err := fetchTransitive(stream, depRaw, seen)
			if err != nil {
				return nil, err
			}
			result = append(result, depFiles...)
		}
	}
	return result, nil
}

type v1Stream struct {
	st rpb.ServerReflection_ServerReflectionInfoClient
}

func (s v1Stream) roundTrip(req *rpb.ServerReflectionRequest) (*rpb.ServerReflectionResponse, error) {
	if err := s.st.Send(req); err != nil {
		return nil, err
	}
	resp, err := s.st.Recv()
	if err != nil {
		return nil, err
	}
	if e := resp.GetErrorResponse(); e != nil {
		return nil, status.Error(codes.Code(e.GetErrorCode()), e.GetErrorMessage())
	}
	return resp, nil
}

func (s v1Stream) listServices() ([]string, error) {
	resp, err := s.roundTrip(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_ListServices{ListServices: ""},
	})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, svc := range resp.GetListServicesResponse().GetService() {
		names = append(names, svc.GetName())
	}
	return names, nil
}

func (s v1Stream) fileContainingSymbol(symbol string) ([][]byte, error) {
	resp, err := s.roundTrip(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: symbol},
	})
	if err != nil {
		return nil, err
	}
	return resp.GetFileDescriptorResponse().GetFileDescriptorProto(), nil
}

func (s v1Stream) fileByFilename(name string) ([][]byte, error) {
	resp, err := s.roundTrip(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_FileByFilename{FileByFilename: name},
	})
	if err != nil {
		return nil, err
	}
	return resp.GetFileDescriptorResponse().GetFileDescriptorProto(), nil
}

func (s v1Stream) closeSend() error { return s.st.CloseSend() }

type v1alphaStream struct {
	st rpbalpha.ServerReflection_ServerReflectionInfoClient
}

func (s v1alphaStream) roundTrip(req *rpbalpha.ServerReflectionRequest) (*rpbalpha.ServerReflectionResponse, error) {
	if err := s.st.Send(req); err != nil {
		return nil, err
	}
	resp, err := s.st.Recv()
	if err != nil {
		return nil, err
	}
	if e := resp.GetErrorResponse(); e != nil {
		return nil, status.Error(codes.Code(e.GetErrorCode()), e.GetErrorMessage())
	}
	return resp, nil
}

func (s v1alphaStream) listServices() ([]string, error) {
	resp, err := s.roundTrip(&rpbalpha.ServerReflectionRequest{
		MessageRequest: &rpbalpha.ServerReflectionRequest_ListServices{ListServices: ""},
	})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, svc := range resp.GetListServicesResponse().GetService() {
		names = append(names, svc.GetName())
	}
	return names, nil
}

func (s v1alphaStream) fileContainingSymbol(symbol string) ([][]byte, error) {
	resp, err := s.roundTrip(&rpbalpha.ServerReflectionRequest{
		MessageRequest: &rpbalpha.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: symbol},
	})
	if err != nil {
		return nil, err
	}
	return resp.GetFileDescriptorResponse().GetFileDescriptorProto(), nil
}

func (s v1alphaStream) fileByFilename(name string) ([][]byte, error) {
	resp, err := s.roundTrip(&rpbalpha.ServerReflectionRequest{
		MessageRequest: &rpbalpha.ServerReflectionRequest_FileByFilename{FileByFilename: name},
	})
	if err != nil {
		return nil, err
	}
	return resp.GetFileDescriptorResponse().GetFileDescriptorProto(), nil
}

func (s v1alphaStream) closeSend() error { return s.st.CloseSend() }
