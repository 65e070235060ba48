package agentpool

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
)

// AgentServiceName is the gRPC service agent hosts expose.
const AgentServiceName = "fleet.agent.v1.AgentService"

const cancelAllMethod = "/" + AgentServiceName + "/CancelAll"

// AgentServer is implemented by agent hosts.
type AgentServer interface {
	// CancelAll cancels every job running on the host.
	CancelAll(ctx context.Context) error
}

func cancelAllHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, _ any) (any, error) {
		if err := srv.(AgentServer).CancelAll(ctx); err != nil {
			return nil, err
		}
		return &emptypb.Empty{}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: cancelAllMethod}
	return interceptor(ctx, in, info, call)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CancelAll", Handler: cancelAllHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleet/agent/v1/agent.proto",
}

// RegisterAgentServer registers the agent service and a health service
// reporting it as serving. The returned health server lets the host flip
// its status, e.g. to NOT_SERVING while draining.
func RegisterAgentServer(s *grpc.Server, srv AgentServer) *health.Server {
	s.RegisterService(&agentServiceDesc, srv)

	hs := health.NewServer()
	hs.SetServingStatus(AgentServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}
