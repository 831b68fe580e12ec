package transport

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC service name of the store
const ServiceName = "orset.Store"

// Store methods
const (
	MethodGetTopology         = "GetTopology"
	MethodAdd                 = "Add"
	MethodRemove              = "Remove"
	MethodLookup              = "Lookup"
	MethodGetTimestamps       = "GetTimestamps"
	MethodUpdateMaxTimestamps = "UpdateMaxTimestamps"
	MethodGetUpdates          = "GetUpdates"
	MethodAddUpdates          = "AddUpdates"
	MethodClear               = "Clear"
	MethodSetOnline           = "SetOnline"
)

var methods = []string{
	MethodGetTopology,
	MethodAdd,
	MethodRemove,
	MethodLookup,
	MethodGetTimestamps,
	MethodUpdateMaxTimestamps,
	MethodGetUpdates,
	MethodAddUpdates,
	MethodClear,
	MethodSetOnline,
}

// StoreServer is implemented by the server side of the store service
type StoreServer interface {
	Handle(ctx context.Context, method string, req *Request) (*Response, error)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func methodHandler(method string) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := new(Request)
		if err := dec(req); err != nil {
			return nil, err
		}
		server := srv.(StoreServer)
		if interceptor == nil {
			return server.Handle(ctx, method, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return server.Handle(ctx, method, req.(*Request))
		})
	}
}

func serviceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*StoreServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "orset/store",
	}
	for _, m := range methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: m, Handler: methodHandler(m)})
	}
	return desc
}

// RegisterStoreServer registers srv on s
func RegisterStoreServer(s grpc.ServiceRegistrar, srv StoreServer) {
	s.RegisterService(serviceDesc(), srv)
}
