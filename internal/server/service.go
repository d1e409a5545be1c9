package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Method names of the Monitor service.
const (
	MethodCheckHealth   = "CheckHealth"
	MethodGetStatistics = "GetStatistics"
	MethodListProcesses = "ListProcesses"
)

// FullMethod returns the gRPC path of a Monitor method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// monitorServer is the handler type of the Monitor service.
type monitorServer interface {
	checkHealth(context.Context) (*structpb.Struct, error)
	getStatistics(context.Context) (*structpb.Struct, error)
	listProcesses(context.Context) (*structpb.Struct, error)
}

var monitorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*monitorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodCheckHealth, Handler: unary(MethodCheckHealth, monitorServer.checkHealth)},
		{MethodName: MethodGetStatistics, Handler: unary(MethodGetStatistics, monitorServer.getStatistics)},
		{MethodName: MethodListProcesses, Handler: unary(MethodListProcesses, monitorServer.listProcesses)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "procwatch/v1/monitor",
}

// unary adapts a no-argument method to a grpc.MethodHandler.
func unary(method string, call func(monitorServer, context.Context) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		ms := srv.(monitorServer)
		if interceptor == nil {
			return call(ms, ctx)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, _ any) (any, error) {
			return call(ms, ctx)
		})
	}
}
