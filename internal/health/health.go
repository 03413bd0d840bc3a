package health

import (
	"context"
	"fmt"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"cardiosim/voice/internal/types"
)

// ServiceName is the gRPC health service name the voice client reports under.
const ServiceName = "cardiosim.voice.Client"

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// StatusSource reports the gateway connection state.
type StatusSource interface {
	Status() types.ConnectionStatus
}

// Pinger is implemented by the networked floor stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckAll runs all health checks and returns combined status. store may be
// nil for the in-memory backend.
func CheckAll(ctx context.Context, conn StatusSource, store Pinger) HealthStatus {
	checks := []CheckResult{
		checkGateway(conn),
		checkStore(ctx, store),
	}

	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
		}
	}

	return HealthStatus{
		OK:        allOK,
		Checks:    checks,
		CheckedAt: time.Now().UTC(),
	}
}

func checkGateway(conn StatusSource) CheckResult {
	result := CheckResult{Name: "gateway"}
	st := conn.Status()
	if st.State != types.StateReady {
		result.Error = string(st.State)
		if st.Reason != "" {
			result.Error += " (" + st.Reason + ")"
		}
		return result
	}
	result.OK = true
	return result
}

func checkStore(ctx context.Context, p Pinger) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "floor_store"}
	if p == nil {
		result.OK = true
		return result
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		result.Error = fmt.Sprintf("ping failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	result.Latency = time.Since(start)
	result.OK = true
	return result
}

// Reporter mirrors the connection state onto a gRPC health server: SERVING
// only while the gateway connection is ready.
type Reporter struct {
	srv     *grpchealth.Server
	service string
}

func NewReporter(srv *grpchealth.Server, service string) *Reporter {
	r := &Reporter{srv: srv, service: service}
	srv.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Observe is meant to be registered with the gateway client's OnStatus.
func (r *Reporter) Observe(st types.ConnectionStatus) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st.State == types.StateReady {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.srv.SetServingStatus(r.service, status)
}

// Shutdown flips every service to NOT_SERVING ahead of process exit.
func (r *Reporter) Shutdown() { r.srv.Shutdown() }
