package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/fork-scorer/internal/fork"
)

// mockChecker is a func-field mock of the fork manager health check
type mockChecker struct {
	mu     sync.Mutex
	status fork.HealthStatus
	calls  int
}

func (m *mockChecker) HealthCheck(ctx context.Context) fork.HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return fork.HealthReport{Status: m.status, CheckedAt: time.Now()}
}

func (m *mockChecker) set(s fork.HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

func (m *mockChecker) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func startServer(t *testing.T, checker HealthChecker) (*HealthServer, healthpb.HealthClient) {
	t.Helper()
	srv := NewHealthServer(checker, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServingStatus(t *testing.T) {
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, ServingStatus(fork.HealthReport{Status: fork.Healthy}))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, ServingStatus(fork.HealthReport{Status: fork.Degraded}))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, ServingStatus(fork.HealthReport{Status: fork.Unhealthy}))
}

func TestHealthServer_FollowsChecker(t *testing.T) {
	checker := &mockChecker{status: fork.Healthy}
	srv, client := startServer(t, checker)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ServiceName), "not serving before the first check")

	srv.Check(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))

	checker.set(fork.Unhealthy)
	report := srv.Check(context.Background())
	assert.Equal(t, fork.Unhealthy, report.Status)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ServiceName))
}

func TestHealthServer_RunChecksImmediately(t *testing.T) {
	checker := &mockChecker{status: fork.Degraded}
	srv, client := startServer(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return checker.count() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ServiceName))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
