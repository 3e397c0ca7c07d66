package grpccas

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "audex.storage.v1.CAS"

// CASServer is the server side of audex.storage.v1.CAS.
type CASServer interface {
	Put(context.Context, *PutRequest) (*PutReply, error)
	Get(context.Context, *CIDRequest) (*GetReply, error)
	Has(context.Context, *CIDRequest) (*HasReply, error)
}

func RegisterCASServer(s grpc.ServiceRegistrar, srv CASServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CASServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Put",
			Handler: unary("Put", func() message { return new(PutRequest) },
				func(s CASServer, ctx context.Context, in message) (any, error) {
					return s.Put(ctx, in.(*PutRequest))
				}),
		},
		{
			MethodName: "Get",
			Handler: unary("Get", func() message { return new(CIDRequest) },
				func(s CASServer, ctx context.Context, in message) (any, error) {
					return s.Get(ctx, in.(*CIDRequest))
				}),
		},
		{
			MethodName: "Has",
			Handler: unary("Has", func() message { return new(CIDRequest) },
				func(s CASServer, ctx context.Context, in message) (any, error) {
					return s.Has(ctx, in.(*CIDRequest))
				}),
		},
	},
	Metadata: "audex/storage/v1/cas.proto",
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// unary adapts a typed CASServer call to a grpc.MethodHandler, running it
// through the server's interceptor when one is installed.
func unary(method string, newIn func() message, call func(CASServer, context.Context, message) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	info := &grpc.UnaryServerInfo{FullMethod: fullMethod(method)}
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newIn()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CASServer), ctx, in)
		}
		si := *info
		si.Server = srv
		return interceptor(ctx, in, &si, func(ctx context.Context, req any) (any, error) {
			return call(srv.(CASServer), ctx, req.(message))
		})
	}
}
