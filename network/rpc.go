package network

import (
	"context"

	"google.golang.org/grpc"
)

// WarpServer is the server side of the Warp service.
type WarpServer interface {
	GetRemoteMachineInfo(context.Context, *LookupName) (*RemoteMachineInfo, error)
	GetRemoteMachineAvatar(*LookupName, AvatarSender) error
	CheckDuplexConnection(context.Context, *LookupName) (*HaveDuplex, error)
	ProcessTransferOpRequest(context.Context, *TransferOpRequest) (*VoidType, error)
	StartTransfer(*OpInfo, ChunkSender) error
	CancelTransferOpRequest(context.Context, *OpInfo) (*VoidType, error)
	StopTransfer(context.Context, *StopInfo) (*VoidType, error)
}

// AvatarSender streams avatar pieces to the caller.
type AvatarSender interface {
	Send(*RemoteMachineAvatar) error
	Context() context.Context
}

// ChunkSender streams transfer chunks to the caller.
type ChunkSender interface {
	Send(*FileChunk) error
	Context() context.Context
}

// RegisterWarpServer attaches a WarpServer implementation to a gRPC server.
func RegisterWarpServer(registrar grpc.ServiceRegistrar, srv WarpServer) {
	registrar.RegisterService(&warpServiceDesc, srv)
}

var warpServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WarpServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetRemoteMachineInfo",
			Handler:    unaryHandler(MethodGetRemoteMachineInfo, WarpServer.GetRemoteMachineInfo),
		},
		{
			MethodName: "CheckDuplexConnection",
			Handler:    unaryHandler(MethodCheckDuplexConnection, WarpServer.CheckDuplexConnection),
		},
		{
			MethodName: "ProcessTransferOpRequest",
			Handler:    unaryHandler(MethodProcessTransferOpRequest, WarpServer.ProcessTransferOpRequest),
		},
		{
			MethodName: "CancelTransferOpRequest",
			Handler:    unaryHandler(MethodCancelTransferOpRequest, WarpServer.CancelTransferOpRequest),
		},
		{
			MethodName: "StopTransfer",
			Handler:    unaryHandler(MethodStopTransfer, WarpServer.StopTransfer),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "GetRemoteMachineAvatar",
			Handler:       handleGetRemoteMachineAvatar,
			ServerStreams: true,
		},
		{
			StreamName:    "StartTransfer",
			Handler:       handleStartTransfer,
			ServerStreams: true,
		},
	},
	Metadata: "warp.proto",
}

func unaryHandler[Req, Resp any](
	fullMethod string,
	call func(WarpServer, context.Context, *Req) (*Resp, error),
) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WarpServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(WarpServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func handleGetRemoteMachineAvatar(srv any, stream grpc.ServerStream) error {
	in := new(LookupName)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(WarpServer).GetRemoteMachineAvatar(in, &avatarServerStream{stream})
}

func handleStartTransfer(srv any, stream grpc.ServerStream) error {
	in := new(OpInfo)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(WarpServer).StartTransfer(in, &chunkServerStream{stream})
}

type avatarServerStream struct {
	grpc.ServerStream
}

func (s *avatarServerStream) Send(m *RemoteMachineAvatar) error {
	return s.ServerStream.SendMsg(m)
}

type chunkServerStream struct {
	grpc.ServerStream
}

func (s *chunkServerStream) Send(m *FileChunk) error {
	return s.ServerStream.SendMsg(m)
}

var (
	avatarStreamDesc = &grpc.StreamDesc{
		StreamName:    "GetRemoteMachineAvatar",
		ServerStreams: true,
	}
	transferStreamDesc = &grpc.StreamDesc{
		StreamName:    "StartTransfer",
		ServerStreams: true,
	}
)

func streamDescFor(method string) *grpc.StreamDesc {
	switch method {
	case MethodGetRemoteMachineAvatar:
		return avatarStreamDesc
	case MethodStartTransfer:
		return transferStreamDesc
	default:
		return &grpc.StreamDesc{ServerStreams: true}
	}
}
