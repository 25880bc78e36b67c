package dme

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified DME service name.
const ServiceName = "distributed_match_engine.MatchEngineApi"

// Full method names.
const (
	MethodRegisterClient     = "/" + ServiceName + "/RegisterClient"
	MethodFindCloudlet       = "/" + ServiceName + "/FindCloudlet"
	MethodGetAppInstList     = "/" + ServiceName + "/GetAppInstList"
	MethodVerifyLocation     = "/" + ServiceName + "/VerifyLocation"
	MethodGetAppOfficialFqdn = "/" + ServiceName + "/GetAppOfficialFqdn"
	MethodStreamEdgeEvent    = "/" + ServiceName + "/StreamEdgeEvent"

	MethodAddUserToGroup           = "/" + ServiceName + "/AddUserToGroup"
	MethodQosPrioritySessionCreate = "/" + ServiceName + "/QosPrioritySessionCreate"
	MethodQosPrioritySessionDelete = "/" + ServiceName + "/QosPrioritySessionDelete"
	MethodGetQosPositionKpi        = "/" + ServiceName + "/GetQosPositionKpi"
)

// MatchEngineServer is implemented by DME servers.
type MatchEngineServer interface {
	RegisterClient(context.Context, *RegisterClientRequest) (*RegisterClientReply, error)
	FindCloudlet(context.Context, *FindCloudletRequest) (*FindCloudletReply, error)
	GetAppInstList(context.Context, *AppInstListRequest) (*AppInstListReply, error)
	VerifyLocation(context.Context, *VerifyLocationRequest) (*VerifyLocationReply, error)
	GetAppOfficialFqdn(context.Context, *AppOfficialFqdnRequest) (*AppOfficialFqdnReply, error)
	StreamEdgeEvent(EdgeEventServerStream) error

	AddUserToGroup(context.Context, *DynamicLocGroupRequest) (*DynamicLocGroupReply, error)
	QosPrioritySessionCreate(context.Context, *QosPrioritySessionCreateRequest) (*QosPrioritySessionReply, error)
	QosPrioritySessionDelete(context.Context, *QosPrioritySessionDeleteRequest) (*QosPrioritySessionDeleteReply, error)
	GetQosPositionKpi(*QosPositionRequest, QosPositionKpiServerStream) error
}

// QosPositionKpiServerStream is the server half of the KPI stream.
type QosPositionKpiServerStream interface {
	Send(*QosPositionKpiReply) error
	Context() context.Context
}

// EdgeEventServerStream is the server half of the edge event stream.
type EdgeEventServerStream interface {
	Send(*ServerEdgeEvent) error
	Recv() (*ClientEdgeEvent, error)
	Context() context.Context
}

// RegisterMatchEngineServer attaches srv to a gRPC server.
func RegisterMatchEngineServer(s grpc.ServiceRegistrar, srv MatchEngineServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the DME service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MatchEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterClient",
			Handler: unaryHandler(MethodRegisterClient, func(s MatchEngineServer, ctx context.Context, in *RegisterClientRequest) (*RegisterClientReply, error) {
				return s.RegisterClient(ctx, in)
			}),
		},
		{
			MethodName: "FindCloudlet",
			Handler: unaryHandler(MethodFindCloudlet, func(s MatchEngineServer, ctx context.Context, in *FindCloudletRequest) (*FindCloudletReply, error) {
				return s.FindCloudlet(ctx, in)
			}),
		},
		{
			MethodName: "GetAppInstList",
			Handler: unaryHandler(MethodGetAppInstList, func(s MatchEngineServer, ctx context.Context, in *AppInstListRequest) (*AppInstListReply, error) {
				return s.GetAppInstList(ctx, in)
			}),
		},
		{
			MethodName: "VerifyLocation",
			Handler: unaryHandler(MethodVerifyLocation, func(s MatchEngineServer, ctx context.Context, in *VerifyLocationRequest) (*VerifyLocationReply, error) {
				return s.VerifyLocation(ctx, in)
			}),
		},
		{
			MethodName: "GetAppOfficialFqdn",
			Handler: unaryHandler(MethodGetAppOfficialFqdn, func(s MatchEngineServer, ctx context.Context, in *AppOfficialFqdnRequest) (*AppOfficialFqdnReply, error) {
				return s.GetAppOfficialFqdn(ctx, in)
			}),
		},
		{
			MethodName: "AddUserToGroup",
			Handler: unaryHandler(MethodAddUserToGroup, func(s MatchEngineServer, ctx context.Context, in *DynamicLocGroupRequest) (*DynamicLocGroupReply, error) {
				return s.AddUserToGroup(ctx, in)
			}),
		},
		{
			MethodName: "QosPrioritySessionCreate",
			Handler: unaryHandler(MethodQosPrioritySessionCreate, func(s MatchEngineServer, ctx context.Context, in *QosPrioritySessionCreateRequest) (*QosPrioritySessionReply, error) {
				return s.QosPrioritySessionCreate(ctx, in)
			}),
		},
		{
			MethodName: "QosPrioritySessionDelete",
			Handler: unaryHandler(MethodQosPrioritySessionDelete, func(s MatchEngineServer, ctx context.Context, in *QosPrioritySessionDeleteRequest) (*QosPrioritySessionDeleteReply, error) {
				return s.QosPrioritySessionDelete(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEdgeEvent",
			Handler:       streamEdgeEventHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "GetQosPositionKpi",
			Handler:       qosPositionKpiHandler,
			ServerStreams: true,
		},
	},
	Metadata: "app-client.proto",
}

func unaryHandler[Req, Rep any](method string, call func(MatchEngineServer, context.Context, *Req) (*Rep, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MatchEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MatchEngineServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamEdgeEventHandler(srv any, stream grpc.ServerStream) error {
	return srv.(MatchEngineServer).StreamEdgeEvent(&edgeEventServerStream{stream})
}

type edgeEventServerStream struct {
	grpc.ServerStream
}

func (s *edgeEventServerStream) Send(m *ServerEdgeEvent) error {
	return s.ServerStream.SendMsg(m)
}

func (s *edgeEventServerStream) Recv() (*ClientEdgeEvent, error) {
	m := new(ClientEdgeEvent)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func qosPositionKpiHandler(srv any, stream grpc.ServerStream) error {
	in := new(QosPositionRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MatchEngineServer).GetQosPositionKpi(in, &qosPositionKpiServerStream{stream})
}

type qosPositionKpiServerStream struct {
	grpc.ServerStream
}

func (s *qosPositionKpiServerStream) Send(m *QosPositionKpiReply) error {
	return s.ServerStream.SendMsg(m)
}
