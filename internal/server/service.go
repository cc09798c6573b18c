package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "issuesearch.v1.IssueSearch"

// Full method names
const (
	MethodSearch   = "/" + ServiceName + "/Search"
	MethodListTags = "/" + ServiceName + "/ListTags"
)

// IssueSearchServer is the service contract. Requests and responses are
// JSON-shaped structs carrying the web API parameters and payloads.
type IssueSearchServer interface {
	Search(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListTags(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(IssueSearchServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(IssueSearchServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(IssueSearchServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the IssueSearch service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IssueSearchServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Search",
			Handler:    unaryHandler(MethodSearch, IssueSearchServer.Search),
		},
		{
			MethodName: "ListTags",
			Handler:    unaryHandler(MethodListTags, IssueSearchServer.ListTags),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "issuesearch/v1/issuesearch.proto",
}

// Client calls the IssueSearch service
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client over an established connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Search(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodSearch, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTags(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodListTags, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
