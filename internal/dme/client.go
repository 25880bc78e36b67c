package dme

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
)

// Transport is the DME RPC surface consumed by the selector and the
// edge event connection.
type Transport interface {
	RegisterClient(ctx context.Context, in *RegisterClientRequest) (*RegisterClientReply, error)
	FindCloudlet(ctx context.Context, in *FindCloudletRequest) (*FindCloudletReply, error)
	GetAppInstList(ctx context.Context, in *AppInstListRequest) (*AppInstListReply, error)
	VerifyLocation(ctx context.Context, in *VerifyLocationRequest) (*VerifyLocationReply, error)
	GetAppOfficialFqdn(ctx context.Context, in *AppOfficialFqdnRequest) (*AppOfficialFqdnReply, error)
	StreamEdgeEvent(ctx context.Context) (EdgeEventStream, error)

	AddUserToGroup(ctx context.Context, in *DynamicLocGroupRequest) (*DynamicLocGroupReply, error)
	QosPrioritySessionCreate(ctx context.Context, in *QosPrioritySessionCreateRequest) (*QosPrioritySessionReply, error)
	QosPrioritySessionDelete(ctx context.Context, in *QosPrioritySessionDeleteRequest) (*QosPrioritySessionDeleteReply, error)
	GetQosPositionKpi(ctx context.Context, in *QosPositionRequest) (QosPositionKpiStream, error)
}

// QosPositionKpiStream yields KPI replies until io.EOF.
type QosPositionKpiStream interface {
	Recv() (*QosPositionKpiReply, error)
}

// EdgeEventStream is the client half of the edge event stream.
type EdgeEventStream interface {
	Send(*ClientEdgeEvent) error
	Recv() (*ServerEdgeEvent, error)
	CloseSend() error
}

// Client implements Transport over a gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc. Every call uses the JSON codec.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Rep any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any) (*Rep, error) {
	out := new(Rep)
	if err := cc.Invoke(ctx, method, in, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RegisterClient(ctx context.Context, in *RegisterClientRequest) (*RegisterClientReply, error) {
	return invoke[RegisterClientReply](ctx, c.cc, MethodRegisterClient, in)
}

func (c *Client) FindCloudlet(ctx context.Context, in *FindCloudletRequest) (*FindCloudletReply, error) {
	return invoke[FindCloudletReply](ctx, c.cc, MethodFindCloudlet, in)
}

func (c *Client) GetAppInstList(ctx context.Context, in *AppInstListRequest) (*AppInstListReply, error) {
	return invoke[AppInstListReply](ctx, c.cc, MethodGetAppInstList, in)
}

func (c *Client) VerifyLocation(ctx context.Context, in *VerifyLocationRequest) (*VerifyLocationReply, error) {
	return invoke[VerifyLocationReply](ctx, c.cc, MethodVerifyLocation, in)
}

func (c *Client) GetAppOfficialFqdn(ctx context.Context, in *AppOfficialFqdnRequest) (*AppOfficialFqdnReply, error) {
	return invoke[AppOfficialFqdnReply](ctx, c.cc, MethodGetAppOfficialFqdn, in)
}

func (c *Client) AddUserToGroup(ctx context.Context, in *DynamicLocGroupRequest) (*DynamicLocGroupReply, error) {
	return invoke[DynamicLocGroupReply](ctx, c.cc, MethodAddUserToGroup, in)
}

func (c *Client) QosPrioritySessionCreate(ctx context.Context, in *QosPrioritySessionCreateRequest) (*QosPrioritySessionReply, error) {
	return invoke[QosPrioritySessionReply](ctx, c.cc, MethodQosPrioritySessionCreate, in)
}

func (c *Client) QosPrioritySessionDelete(ctx context.Context, in *QosPrioritySessionDeleteRequest) (*QosPrioritySessionDeleteReply, error) {
	return invoke[QosPrioritySessionDeleteReply](ctx, c.cc, MethodQosPrioritySessionDelete, in)
}

// GetQosPositionKpi sends the request and returns the reply stream.
func (c *Client) GetQosPositionKpi(ctx context.Context, in *QosPositionRequest) (QosPositionKpiStream, error) {
	st, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], MethodGetQosPositionKpi, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	// io.EOF 表示伺服器已結束串流，真正的狀態由 Recv 回報
	if err := st.SendMsg(in); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := st.CloseSend(); err != nil {
		return nil, err
	}
	return &qosPositionKpiClientStream{st}, nil
}

type qosPositionKpiClientStream struct {
	grpc.ClientStream
}

func (s *qosPositionKpiClientStream) Recv() (*QosPositionKpiReply, error) {
	m := new(QosPositionKpiReply)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamEdgeEvent opens the duplex edge event stream. The stream lives until
// ctx is cancelled or the server ends it.
func (c *Client) StreamEdgeEvent(ctx context.Context) (EdgeEventStream, error) {
	st, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], MethodStreamEdgeEvent, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return &edgeEventClientStream{st}, nil
}

type edgeEventClientStream struct {
	grpc.ClientStream
}

func (s *edgeEventClientStream) Send(m *ClientEdgeEvent) error {
	return s.ClientStream.SendMsg(m)
}

func (s *edgeEventClientStream) Recv() (*ServerEdgeEvent, error) {
	m := new(ServerEdgeEvent)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
