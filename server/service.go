package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the inspection service.
const ServiceName = "mediator.v1.InspectService"

// Full method names.
const (
	WatchMethod        = "/" + ServiceName + "/Watch"
	ListCallsMethod    = "/" + ServiceName + "/ListCalls"
	GetCallMethod      = "/" + ServiceName + "/GetCall"
	GetConfigMethod    = "/" + ServiceName + "/GetConfig"
	UpdateConfigMethod = "/" + ServiceName + "/UpdateConfig"
)

// InspectServiceServer is the server API of the inspection service. Its
// messages are well-known types carrying JSON documents.
type InspectServiceServer interface {
	Watch(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
	ListCalls(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConfig(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	UpdateConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// InspectServiceDesc describes the inspection service for grpc.Server.
var InspectServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InspectServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListCalls", InspectServiceServer.ListCalls),
		unary("GetCall", InspectServiceServer.GetCall),
		unary("GetConfig", InspectServiceServer.GetConfig),
		unary("UpdateConfig", InspectServiceServer.UpdateConfig),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "mediator/v1/inspect.proto",
}

// RegisterInspectServiceServer registers srv with s.
func RegisterInspectServiceServer(s grpc.ServiceRegistrar, srv InspectServiceServer) {
	s.RegisterService(&InspectServiceDesc, srv)
}

func unary[Req any, PReq interface {
	*Req
	proto.Message
}](name string, call func(InspectServiceServer, context.Context, PReq) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(InspectServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(InspectServiceServer), ctx, req.(PReq))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(InspectServiceServer).Watch(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}
