package health

import (
	"context"
	"errors"
	"strings"
	"testing"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"cardiosim/voice/internal/types"
)

type staticStatus types.ConnectionStatus

func (s staticStatus) Status() types.ConnectionStatus { return types.ConnectionStatus(s) }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCheckAll(t *testing.T) {
	ready := staticStatus{State: types.StateReady}
	h := CheckAll(context.Background(), ready, nil)
	if !h.OK || len(h.Checks) != 2 {
		t.Fatalf("expected healthy, got %+v", h)
	}

	down := staticStatus{State: types.StateError, Reason: types.ReasonMaxRetries}
	h = CheckAll(context.Background(), down, pinger{err: errors.New("connection refused")})
	if h.OK {
		t.Fatalf("expected failure")
	}
	out := h.String()
	if !strings.Contains(out, "error (max_retries)") || !strings.Contains(out, "connection refused") {
		t.Fatalf("unexpected report:\n%s", out)
	}
}

func TestReporterTracksConnection(t *testing.T) {
	srv := grpchealth.NewServer()
	r := NewReporter(srv, ServiceName)
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING before connect, got %v", got)
	}
	r.Observe(types.ConnectionStatus{State: types.StateReady})
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", got)
	}
	r.Observe(types.ConnectionStatus{State: types.StateDisconnected, Reason: types.ReasonHeartbeatTimeout})
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING after loss, got %v", got)
	}
}
