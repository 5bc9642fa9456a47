package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name. Messages are
// google.protobuf.Struct on both sides so clients need no generated stubs.
const ServiceName = "langford.chat.v1.ChatService"

const (
	sendMessageMethod = "/" + ServiceName + "/SendMessage"
	confirmMethod     = "/" + ServiceName + "/Confirm"
)

// ChatServiceServer is the server API for ChatService.
type ChatServiceServer interface {
	SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Confirm(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterChatServiceServer registers srv on s.
func RegisterChatServiceServer(s grpc.ServiceRegistrar, srv ChatServiceServer) {
	s.RegisterService(&chatServiceDesc, srv)
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendMessage", Handler: sendMessageHandler},
		{MethodName: "Confirm", Handler: confirmHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "langford/chat/v1/chat.proto",
}

func sendMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServiceServer).SendMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMessageMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServiceServer).SendMessage(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func confirmHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServiceServer).Confirm(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: confirmMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServiceServer).Confirm(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ChatServiceClient calls ChatService over an existing connection.
type ChatServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewChatServiceClient(cc grpc.ClientConnInterface) *ChatServiceClient {
	return &ChatServiceClient{cc: cc}
}

func (c *ChatServiceClient) SendMessage(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, sendMessageMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChatServiceClient) Confirm(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, confirmMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
