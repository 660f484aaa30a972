package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "invoicescraper.v1.Jobs"

const (
	methodStartJob     = "/" + ServiceName + "/StartJob"
	methodGetProgress  = "/" + ServiceName + "/GetProgress"
	methodGetResult    = "/" + ServiceName + "/GetResult"
	methodFetchArchive = "/" + ServiceName + "/FetchArchive"
	methodHealth       = "/" + ServiceName + "/Health"
)

// JobsServer is the server API for the Jobs service. Messages are protobuf
// well-known types so no generated code is needed.
type JobsServer interface {
	StartJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProgress(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetResult(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	FetchArchive(*wrapperspb.StringValue, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
	Health(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterJobsServer registers srv on s
func RegisterJobsServer(s grpc.ServiceRegistrar, srv JobsServer) {
	s.RegisterService(&JobsServiceDesc, srv)
}

// unaryHandler builds a grpc method handler for one unary call
func unaryHandler[Req any, Res any](method string, call func(JobsServer, context.Context, *Req) (*Res, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(JobsServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func fetchArchiveHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(JobsServer).FetchArchive(in, &grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ServerStream: stream})
}

// JobsServiceDesc describes the Jobs service for grpc.Server
var JobsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StartJob",
			Handler:    unaryHandler(methodStartJob, JobsServer.StartJob),
		},
		{
			MethodName: "GetProgress",
			Handler:    unaryHandler(methodGetProgress, JobsServer.GetProgress),
		},
		{
			MethodName: "GetResult",
			Handler:    unaryHandler(methodGetResult, JobsServer.GetResult),
		},
		{
			MethodName: "Health",
			Handler:    unaryHandler(methodHealth, JobsServer.Health),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "FetchArchive",
			Handler:       fetchArchiveHandler,
			ServerStreams: true,
		},
	},
	Metadata: "invoicescraper/v1/jobs.proto",
}
