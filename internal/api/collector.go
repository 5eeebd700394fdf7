package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// CollectorServiceName is the fully qualified gRPC service name.
const CollectorServiceName = "mirador.events.v1.Collector"

const (
	methodStore           = "/" + CollectorServiceName + "/Store"
	methodGetGroup        = "/" + CollectorServiceName + "/GetGroup"
	methodListGroups      = "/" + CollectorServiceName + "/ListGroups"
	methodListGroupEvents = "/" + CollectorServiceName + "/ListGroupEvents"
	methodResolveGroup    = "/" + CollectorServiceName + "/ResolveGroup"
	methodTopTags         = "/" + CollectorServiceName + "/TopTags"
)

// CollectorServer is the server API for the Collector service. Messages are
// well-known protobuf types so no generated code is required.
type CollectorServer interface {
	Store(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetGroup(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListGroups(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListGroupEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveGroup(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	TopTags(context.Context, *wrapperspb.Int32Value) (*structpb.Struct, error)
}

// UnimplementedCollectorServer answers every method with codes.Unimplemented.
type UnimplementedCollectorServer struct{}

func (UnimplementedCollectorServer) Store(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Store not implemented")
}
func (UnimplementedCollectorServer) GetGroup(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetGroup not implemented")
}
func (UnimplementedCollectorServer) ListGroups(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ListGroups not implemented")
}
func (UnimplementedCollectorServer) ListGroupEvents(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ListGroupEvents not implemented")
}
func (UnimplementedCollectorServer) ResolveGroup(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ResolveGroup not implemented")
}
func (UnimplementedCollectorServer) TopTags(context.Context, *wrapperspb.Int32Value) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method TopTags not implemented")
}

// RegisterCollectorServer attaches srv to a gRPC registrar.
func RegisterCollectorServer(s grpc.ServiceRegistrar, srv CollectorServer) {
	s.RegisterService(&CollectorServiceDesc, srv)
}

func unary[Req any](
	method string,
	newReq func() *Req,
	call func(CollectorServer, context.Context, *Req) (*structpb.Struct, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CollectorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(CollectorServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// CollectorServiceDesc describes the Collector service for grpc.Server.
var CollectorServiceDesc = grpc.ServiceDesc{
	ServiceName: CollectorServiceName,
	HandlerType: (*CollectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Store",
			Handler: unary(methodStore, func() *structpb.Struct { return new(structpb.Struct) },
				func(s CollectorServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
					return s.Store(ctx, in)
				}),
		},
		{
			MethodName: "GetGroup",
			Handler: unary(methodGetGroup, func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
				func(s CollectorServer, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
					return s.GetGroup(ctx, in)
				}),
		},
		{
			MethodName: "ListGroups",
			Handler: unary(methodListGroups, func() *structpb.Struct { return new(structpb.Struct) },
				func(s CollectorServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
					return s.ListGroups(ctx, in)
				}),
		},
		{
			MethodName: "ListGroupEvents",
			Handler: unary(methodListGroupEvents, func() *structpb.Struct { return new(structpb.Struct) },
				func(s CollectorServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
					return s.ListGroupEvents(ctx, in)
				}),
		},
		{
			MethodName: "ResolveGroup",
			Handler: unary(methodResolveGroup, func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
				func(s CollectorServer, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
					return s.ResolveGroup(ctx, in)
				}),
		},
		{
			MethodName: "TopTags",
			Handler: unary(methodTopTags, func() *wrapperspb.Int32Value { return new(wrapperspb.Int32Value) },
				func(s CollectorServer, ctx context.Context, in *wrapperspb.Int32Value) (*structpb.Struct, error) {
					return s.TopTags(ctx, in)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/events/v1/collector.proto",
}

// CollectorClient calls the Collector service.
type CollectorClient struct {
	cc grpc.ClientConnInterface
}

// NewCollectorClient wraps a client connection.
func NewCollectorClient(cc grpc.ClientConnInterface) *CollectorClient {
	return &CollectorClient{cc: cc}
}

func (c *CollectorClient) Store(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodStore, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CollectorClient) GetGroup(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetGroup, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CollectorClient) ListGroups(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodListGroups, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CollectorClient) ListGroupEvents(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodListGroupEvents, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CollectorClient) ResolveGroup(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodResolveGroup, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CollectorClient) TopTags(ctx context.Context, in *wrapperspb.Int32Value, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodTopTags, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
