package grpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	pingMethod   = "/tbc.Heartbeat/Ping"
	submitMethod = "/tbc.Broker/Submit"
)

// PingRequest is a heartbeat request.
type PingRequest struct {
	From uint8 `codec:"from"`
}

// PingResponse answers a heartbeat.
type PingResponse struct {
	Node      uint8 `codec:"node"`
	Available uint8 `codec:"available"`
}

// SubmitRequest asks a node to broadcast a payload.
type SubmitRequest struct {
	Payload []byte `codec:"payload"`
}

// SubmitResponse carries the timestamp given to a submitted payload.
type SubmitResponse struct {
	Sec    uint32 `codec:"sec"`
	Usec   uint32 `codec:"usec"`
	Origin uint32 `codec:"origin"`
}

// HeartbeatServer answers heartbeats.
type HeartbeatServer interface {
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
}

// BrokerServer accepts payloads from clients.
type BrokerServer interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
}

var heartbeatServiceDesc = grpc.ServiceDesc{
	ServiceName: "tbc.Heartbeat",
	HandlerType: (*HeartbeatServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tbc",
}

var brokerServiceDesc = grpc.ServiceDesc{
	ServiceName: "tbc.Broker",
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tbc",
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HeartbeatServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(HeartbeatServer).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BrokerServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BrokerServer).Submit(ctx, req.(*SubmitRequest))
	}
	return interceptor(ctx, in, info, handler)
}
