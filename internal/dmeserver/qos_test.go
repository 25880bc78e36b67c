package dmeserver

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/pkg/types"
)

func drainKpi(t *testing.T, stream dme.QosPositionKpiStream) ([]*dme.QosPositionKpiReply, error) {
	t.Helper()
	var replies []*dme.QosPositionKpiReply
	for {
		r, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return replies, nil
		}
		if err != nil {
			return replies, err
		}
		replies = append(replies, r)
	}
}

func TestGetQosPositionKpiStreamsInChunks(t *testing.T) {
	srv := New(testConfig()).WithLogger(logging.Nop())
	c := startServer(t, srv)
	cookie := register(t, c)

	// 由近到遠：延遲應遞增
	positions := []dme.QosPosition{
		{PositionID: 1, GpsLocation: &types.Location{Latitude: 52.52, Longitude: 13.405}},
		{PositionID: 2, GpsLocation: &types.Location{Latitude: 51.0, Longitude: 13.0}},
		{PositionID: 3, GpsLocation: &types.Location{Latitude: 45.0, Longitude: 5.0}},
	}
	stream, err := c.GetQosPositionKpi(context.Background(), &dme.QosPositionRequest{
		SessionCookie: cookie,
		Positions:     positions,
	})
	require.NoError(t, err)
	replies, err := drainKpi(t, stream)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Len(t, replies[0].PositionResults, 2)
	assert.Len(t, replies[1].PositionResults, 1)

	var results []dme.QosPositionKpiResult
	for _, r := range replies {
		assert.Equal(t, dme.RSSuccess, r.Status)
		results = append(results, r.PositionResults...)
	}
	assert.Equal(t, int64(3), results[2].PositionID)
	assert.Less(t, results[0].LatencyAvg, results[2].LatencyAvg)
	assert.Greater(t, results[0].DluserthroughputAvg, results[2].DluserthroughputAvg)
	assert.LessOrEqual(t, results[1].LatencyMin, results[1].LatencyAvg)
	assert.LessOrEqual(t, results[1].LatencyAvg, results[1].LatencyMax)
}

func TestGetQosPositionKpiRejects(t *testing.T) {
	srv := New(testConfig()).WithLogger(logging.Nop())
	c := startServer(t, srv)
	cookie := register(t, c)

	for name, req := range map[string]*dme.QosPositionRequest{
		"no positions": {SessionCookie: cookie},
		"bad location": {SessionCookie: cookie, Positions: []dme.QosPosition{{PositionID: 1}}},
	} {
		stream, err := c.GetQosPositionKpi(context.Background(), req)
		require.NoError(t, err, name)
		_, err = drainKpi(t, stream)
		assert.Equal(t, codes.InvalidArgument, status.Code(err), name)
	}

	stream, err := c.GetQosPositionKpi(context.Background(), &dme.QosPositionRequest{
		SessionCookie: "nope",
		Positions:     []dme.QosPosition{{PositionID: 1, GpsLocation: berlin}},
	})
	require.NoError(t, err)
	_, err = drainKpi(t, stream)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestQosPrioritySessionCreateAndDelete(t *testing.T) {
	srv := New(testConfig()).WithLogger(logging.Nop())
	c := startServer(t, srv)
	cookie := register(t, c)
	ctx := context.Background()

	reply, err := c.QosPrioritySessionCreate(ctx, &dme.QosPrioritySessionCreateRequest{
		SessionCookie:       cookie,
		IPApplicationServer: "10.0.0.8",
		Profile:             dme.QosThroughputDownM,
		SessionDuration:     120,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, reply.SessionID)
	assert.Equal(t, dme.QosThroughputDownM, reply.Profile)
	assert.Equal(t, uint32(120), reply.SessionDuration)
	assert.Equal(t, 1, srv.QosSessionCount())

	// 未指定時長由伺服器決定
	open, err := c.QosPrioritySessionCreate(ctx, &dme.QosPrioritySessionCreateRequest{
		SessionCookie:       cookie,
		IPApplicationServer: "10.0.0.8",
	})
	require.NoError(t, err)
	assert.Equal(t, defaultQosDuration, open.SessionDuration)

	del, err := c.QosPrioritySessionDelete(ctx, &dme.QosPrioritySessionDeleteRequest{SessionCookie: cookie, SessionID: reply.SessionID})
	require.NoError(t, err)
	assert.Equal(t, dme.DeleteDeleted, del.Status)

	del, err = c.QosPrioritySessionDelete(ctx, &dme.QosPrioritySessionDeleteRequest{SessionCookie: cookie, SessionID: reply.SessionID})
	require.NoError(t, err)
	assert.Equal(t, dme.DeleteNotFound, del.Status)
	assert.Equal(t, 1, srv.QosSessionCount())

	_, err = c.QosPrioritySessionCreate(ctx, &dme.QosPrioritySessionCreateRequest{SessionCookie: cookie})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestQosPrioritySessionDeleteOtherOwner(t *testing.T) {
	srv := New(testConfig()).WithLogger(logging.Nop())
	c := startServer(t, srv)
	owner := register(t, c)
	other := register(t, c)

	reply, err := c.QosPrioritySessionCreate(context.Background(), &dme.QosPrioritySessionCreateRequest{
		SessionCookie:       owner,
		IPApplicationServer: "10.0.0.8",
	})
	require.NoError(t, err)

	del, err := c.QosPrioritySessionDelete(context.Background(), &dme.QosPrioritySessionDeleteRequest{SessionCookie: other, SessionID: reply.SessionID})
	require.NoError(t, err)
	assert.Equal(t, dme.DeleteNotFound, del.Status)
}

func TestAddUserToGroup(t *testing.T) {
	srv := New(testConfig()).WithLogger(logging.Nop())
	c := startServer(t, srv)
	cookie := register(t, c)

	reply, err := c.AddUserToGroup(context.Background(), &dme.DynamicLocGroupRequest{
		SessionCookie: cookie,
		LgID:          1001,
		CommType:      dme.DlgSecure,
	})
	require.NoError(t, err)
	assert.Equal(t, dme.RSSuccess, reply.Status)
	assert.NotEmpty(t, reply.GroupCookie)
	assert.Equal(t, 1, srv.GroupSize(1001))

	_, err = c.AddUserToGroup(context.Background(), &dme.DynamicLocGroupRequest{SessionCookie: cookie, LgID: 1001})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
