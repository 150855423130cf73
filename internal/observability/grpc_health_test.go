package observability

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestGRPCHealthServer(t *testing.T) {
	lis := bufconn.Listen(1 << 16)
	hs := NewGRPCHealthServer()
	go hs.Serve(lis)
	defer hs.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		return resp.GetStatus()
	}

	if status := check(); status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING before start, got %v", status)
	}

	hs.SetServing(true)
	if status := check(); status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", status)
	}

	hs.SetServing(false)
	if status := check(); status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING, got %v", status)
	}
}
