package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("attackd_status_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "attackd_status_request_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("attackd_status_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("error label = %v, want 1", got)
	}
}

func TestSchedulerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	c.ObserveTick(20 * time.Millisecond)
	c.SetInFlight("hack", 3)
	c.IncStarted("prep")
	c.IncStarted("prep")
	c.IncRenewed()
	c.IncStopped("evicted")
	c.IncSkipped("invalid_input")
	c.IncShortfall()
	c.IncDispatchFailure("extract")
	c.SetUtilisation(1.7)

	if got := testutil.ToFloat64(c.InFlight.WithLabelValues("hack")); got != 3 {
		t.Fatalf("in flight = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.AttacksStarted.WithLabelValues("prep")); got != 2 {
		t.Fatalf("started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.AttacksStopped.WithLabelValues("evicted")); got != 1 {
		t.Fatalf("stopped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Utilisation); got != 1 {
		t.Fatalf("utilisation = %v, want clamp to 1", got)
	}
	if got := testutil.ToFloat64(c.Shortfalls); got != 1 {
		t.Fatalf("shortfalls = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "attackd_tick_duration_seconds", nil); count != 1 {
		t.Fatalf("tick sample_count = %d, want 1", count)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveTick(time.Second)
	c.SetInFlight("hack", 1)
	c.IncStarted("hack")
	c.IncRenewed()
	c.IncStopped("completed")
	c.IncSkipped("x")
	c.IncShortfall()
	c.IncDispatchFailure("calm")
	c.SetUtilisation(0.5)
	if c.Gatherer() != nil {
		t.Fatalf("nil collector returned a gatherer")
	}
}

func TestNewCollectorReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}
	second.IncRenewed()
	if got := testutil.ToFloat64(first.AttacksRenewed); got != 1 {
		t.Fatalf("collectors not shared: %v", got)
	}
}

func TestMetricsHandlerExposesSchedulerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	collector.SetInFlight("prep", 2)
	collector.IncDispatchFailure("fortify")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		`attackd_attacks_in_flight{mode="prep"} 2`,
		`attackd_dispatch_failures_total{kind="fortify"} 1`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"/grpc.health.v1.Health/Check": {"Health", "Check"},
		"Svc/Method":                   {"Svc", "Method"},
		"":                             {"unknown", "unknown"},
		"/only":                        {"unknown", "unknown"},
	}
	for in, want := range cases {
		s, m := SplitMethod(in)
		if s != want[0] || m != want[1] {
			t.Fatalf("SplitMethod(%q) = %s, %s; want %s, %s", in, s, m, want[0], want[1])
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
