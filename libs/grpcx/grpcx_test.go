package grpcx

import (
	"context"
	"net"
	"testing"

	"github.com/md-rashed-zaman/tenantflow/libs/runtime"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func TestHealthFollowsServingState(t *testing.T) {
	srv := NewServer(runtime.NopLogger())
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Server.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)

	srv.SetServing("workspace", false)
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "workspace"})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	srv.SetServing("workspace", true)
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "workspace"})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestRecoveryInterceptor(t *testing.T) {
	ic := UnaryServerRecoveryInterceptor(runtime.NopLogger())
	_, err := ic(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x.Y/Z"}, func(context.Context, any) (any, error) {
		panic("boom")
	})
	require.Equal(t, codes.Internal, status.Code(err))
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc")
	require.Equal(t, "abc", RequestIDFromContext(ctx))
	require.Equal(t, context.Background(), WithRequestID(context.Background(), ""))
}
