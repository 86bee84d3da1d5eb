// Package server exposes the recorded calls and the configuration over a
// gRPC inspection service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mickamy/grpc-mediator/broker"
	"github.com/mickamy/grpc-mediator/config"
	"github.com/mickamy/grpc-mediator/proxy"
	"github.com/mickamy/grpc-mediator/timeline"
)

// Server exposes the InspectService for viewer clients to connect to.
type Server struct {
	grpcServer *grpc.Server
}

// New creates a new Server backed by the given recorder, change broker,
// configuration store and proxy.
func New(rec *timeline.Recorder, b *broker.Broker[timeline.Change], store *config.Store, p proxy.Proxy) *Server {
	gs := grpc.NewServer()
	svc := &inspectService{recorder: rec, broker: b, store: store, proxy: p}
	RegisterInspectServiceServer(gs, svc)
	healthpb.RegisterHealthServer(gs, health.NewServer())

	return &Server{grpcServer: gs}
}

// Serve starts the gRPC server on the given listener.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Stop immediately stops the server.
func (s *Server) Stop() {
	s.grpcServer.Stop()
}

// GracefulStop gracefully stops the server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

type inspectService struct {
	recorder *timeline.Recorder
	broker   *broker.Broker[timeline.Change]
	store    *config.Store
	proxy    proxy.Proxy
}

func (s *inspectService) Watch(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.broker.Subscribe()
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("server: watch: %w", ctx.Err())
		case c, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := ToStruct(s.recorder.Describe(c))
			if err != nil {
				return status.Errorf(codes.Internal, "server: watch: %v", err)
			}
			if err := stream.Send(msg); err != nil {
				return fmt.Errorf("server: watch send: %w", err)
			}
		}
	}
}

// CallList is the ListCalls response.
type CallList struct {
	Calls []timeline.Summary `json:"calls"`
}

// Summaries lists the calls retained by rec, oldest first.
func Summaries(rec *timeline.Recorder) CallList {
	calls := rec.List()
	out := CallList{Calls: make([]timeline.Summary, 0, len(calls))}
	for _, tl := range calls {
		out.Calls = append(out.Calls, tl.Summary())
	}
	return out
}

func (s *inspectService) ListCalls(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return respond(Summaries(s.recorder))
}

// CallRequest is the GetCall request. With Resolve the call's schema is
// resolved before the view is built.
type CallRequest struct {
	ID      string `json:"id"`
	Resolve bool   `json:"resolve,omitempty"`
}

func (s *inspectService) GetCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in CallRequest
	if err := FromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "server: get call: %v", err)
	}
	v, err := ViewCall(ctx, s.recorder, s.proxy, in.ID, in.Resolve)
	if err != nil {
		return nil, err
	}
	return respond(v)
}

// ViewCall builds the view of call id, resolving its schema first when
// resolve is set. Unknown IDs yield codes.NotFound.
func ViewCall(ctx context.Context, rec *timeline.Recorder, p proxy.Proxy, id string, resolve bool) (timeline.View, error) {
	tl, ok := rec.Get(id)
	if !ok {
		return timeline.View{}, status.Errorf(codes.NotFound, "call %q not found", id)
	}
	if resolve {
		if _, err := tl.Resolve(ctx, p.Reference); err != nil {
			return timeline.View{}, status.FromContextError(err).Err()
		}
	}
	return tl.View(), nil
}

func (s *inspectService) GetConfig(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return respond(s.store.Config())
}

// UpdateResult is the UpdateConfig response.
type UpdateResult struct {
	Warnings []string `json:"warnings"`
}

func (s *inspectService) UpdateConfig(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var cfg config.Config
	if err := FromStruct(req, &cfg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "server: update config: %v", err)
	}
	warns, err := s.store.Update(cfg)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "server: update config: %v", err)
	}
	return respond(UpdateResult{Warnings: Messages(warns)})
}

// Messages returns the text of each error.
func Messages(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}

func respond(v any) (*structpb.Struct, error) {
	msg, err := ToStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "server: encode: %v", err)
	}
	return msg, nil
}

// ToStruct converts v to a Struct through its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(b, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// FromStruct decodes msg into v through its JSON form.
func FromStruct(msg *structpb.Struct, v any) error {
	if msg == nil {
		return errors.New("empty message")
	}
	b, err := protojson.Marshal(msg)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
