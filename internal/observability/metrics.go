package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Collector bundles the scheduler's Prometheus metrics. Every method is
// safe on a nil receiver so components can run without metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	TickDuration     prometheus.Histogram
	InFlight         *prometheus.GaugeVec
	AttacksStarted   *prometheus.CounterVec
	AttacksRenewed   prometheus.Counter
	AttacksStopped   *prometheus.CounterVec
	TargetsSkipped   *prometheus.CounterVec
	Shortfalls       prometheus.Counter
	DispatchFailures *prometheus.CounterVec
	Utilisation      prometheus.Gauge

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Collectors already registered under the same name
// are reused.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tick, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "attackd_tick_duration_seconds",
		Help:    "Duration of one scheduling tick.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "attackd_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	inFlight, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "attackd_attacks_in_flight",
		Help: "Attacks currently in the in-flight set, by mode.",
	}, []string{"mode"}), "attackd_attacks_in_flight")
	if err != nil {
		return nil, err
	}
	started, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attackd_attacks_started_total",
		Help: "Attacks dispatched for the first time, by mode.",
	}, []string{"mode"}), "attackd_attacks_started_total")
	if err != nil {
		return nil, err
	}
	renewed, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attackd_attacks_renewed_total",
		Help: "Hack cycles re-dispatched by renewal.",
	}), "attackd_attacks_renewed_total")
	if err != nil {
		return nil, err
	}
	stopped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attackd_attacks_stopped_total",
		Help: "Attacks that left the in-flight set, by reason.",
	}, []string{"reason"}), "attackd_attacks_stopped_total")
	if err != nil {
		return nil, err
	}
	skipped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attackd_targets_skipped_total",
		Help: "Targets skipped during a tick, by reason.",
	}, []string{"reason"}), "attackd_targets_skipped_total")
	if err != nil {
		return nil, err
	}
	shortfalls, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attackd_capacity_shortfalls_total",
		Help: "Packings that had to scale a plan down or left units unassigned.",
	}), "attackd_capacity_shortfalls_total")
	if err != nil {
		return nil, err
	}
	dispatchFailures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attackd_dispatch_failures_total",
		Help: "Commands that could not be issued after all retries, by kind.",
	}, []string{"kind"}), "attackd_dispatch_failures_total")
	if err != nil {
		return nil, err
	}
	utilisation, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "attackd_capacity_utilisation_ratio",
		Help: "Share of total node capacity in use after the last tick.",
	}), "attackd_capacity_utilisation_ratio")
	if err != nil {
		return nil, err
	}
	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attackd_status_requests_total",
		Help: "Handled status RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "attackd_status_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attackd_status_request_duration_seconds",
		Help:    "Status RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"service", "method"}), "attackd_status_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		TickDuration:     tick,
		InFlight:         inFlight,
		AttacksStarted:   started,
		AttacksRenewed:   renewed,
		AttacksStopped:   stopped,
		TargetsSkipped:   skipped,
		Shortfalls:       shortfalls,
		DispatchFailures: dispatchFailures,
		Utilisation:      utilisation,
		RPCRequests:      requests,
		RPCDurations:     durations,
	}, nil
}

// Gatherer returns the gatherer the collector was registered with.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveTick(d time.Duration) {
	if c == nil || c.TickDuration == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

// SetInFlight sets the in-flight gauge for mode.
func (c *Collector) SetInFlight(mode string, n int) {
	if c == nil || c.InFlight == nil {
		return
	}
	c.InFlight.WithLabelValues(mode).Set(float64(n))
}

func (c *Collector) IncStarted(mode string) {
	if c == nil || c.AttacksStarted == nil {
		return
	}
	c.AttacksStarted.WithLabelValues(mode).Inc()
}

func (c *Collector) IncRenewed() {
	if c == nil || c.AttacksRenewed == nil {
		return
	}
	c.AttacksRenewed.Inc()
}

// IncStopped counts an attack leaving the in-flight set. reason is the
// terminal state name.
func (c *Collector) IncStopped(reason string) {
	if c == nil || c.AttacksStopped == nil {
		return
	}
	c.AttacksStopped.WithLabelValues(reason).Inc()
}

func (c *Collector) IncSkipped(reason string) {
	if c == nil || c.TargetsSkipped == nil {
		return
	}
	c.TargetsSkipped.WithLabelValues(reason).Inc()
}

func (c *Collector) IncShortfall() {
	if c == nil || c.Shortfalls == nil {
		return
	}
	c.Shortfalls.Inc()
}

func (c *Collector) IncDispatchFailure(kind string) {
	if c == nil || c.DispatchFailures == nil {
		return
	}
	c.DispatchFailures.WithLabelValues(kind).Inc()
}

// SetUtilisation sets the capacity utilisation gauge, clamped to [0, 1].
func (c *Collector) SetUtilisation(ratio float64) {
	if c == nil || c.Utilisation == nil {
		return
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	c.Utilisation.Set(ratio)
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and
// method, returning "unknown" for parts it cannot find.
func SplitMethod(fullMethod string) (string, string) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

// register adds col to reg, returning the existing collector when one of
// the same type is already registered under name.
func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		var zero T
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return zero, err
	}
	return col, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	return register(reg, c, name)
}

func registerCounterVec(reg prometheus.Registerer, v *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	return register(reg, v, name)
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge, name string) (prometheus.Gauge, error) {
	return register(reg, g, name)
}

func registerGaugeVec(reg prometheus.Registerer, v *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	return register(reg, v, name)
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	return register(reg, h, name)
}

func registerHistogramVec(reg prometheus.Registerer, v *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	return register(reg, v, name)
}
