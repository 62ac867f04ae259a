package obs

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vpe",
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version", "providers"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vpe",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vpe",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vpe",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"stage", "result"},
	)
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vpe",
			Subsystem: "pipeline",
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal status.",
		},
		[]string{"status", "kind"},
	)
	candidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vpe",
			Subsystem: "pipeline",
			Name:      "candidates_total",
			Help:      "Candidates by terminal state and lost reason.",
		},
		[]string{"state", "reason"},
	)

	providerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vpe",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Provider calls by capability and result.",
		},
		[]string{"capability", "result"},
	)
	providerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vpe",
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Provider call latency in seconds, including limiter wait.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"capability"},
	)
)

func init() {
	prometheus.MustRegister(
		appInfo,
		httpRequestsTotal, httpRequestDuration,
		stageDuration, jobsTotal, candidatesTotal,
		providerCallsTotal, providerCallDuration,
	)
}

func SetAppInfo(service, providersMode string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = "video-product-extractor"
	}
	ver := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if ver == "" {
		ver = "dev"
	}
	appInfo.WithLabelValues(svc, ver, providersMode).Set(1)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStage is called once per stage attempt.
func RecordStage(stage string, elapsed time.Duration, err error) {
	stageDuration.WithLabelValues(stage, result(err)).Observe(elapsed.Seconds())
}

// RecordJob counts a terminal job. kind is empty for completed jobs.
func RecordJob(status, kind string) {
	jobsTotal.WithLabelValues(status, kind).Inc()
}

func RecordCandidate(state, reason string) {
	candidatesTotal.WithLabelValues(state, reason).Inc()
}

// ObserveProvider matches provider.ObserveFunc.
func ObserveProvider(capability string, elapsed time.Duration, err error) {
	res := result(err)
	if errors.Is(err, context.Canceled) {
		res = "canceled"
	}
	providerCallsTotal.WithLabelValues(capability, res).Inc()
	providerCallDuration.WithLabelValues(capability).Observe(elapsed.Seconds())
}

// MetricsMiddleware records request count/latency.
func MetricsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := normalizeRouteLabel(r.URL.Path)
		code := strconv.Itoa(rec.code)
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// normalizeRouteLabel keeps job ids out of the route label.
func normalizeRouteLabel(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/api/jobs/") {
		return p
	}
	rest := strings.Trim(strings.TrimPrefix(p, "/api/jobs/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 1 {
		return "/api/jobs/:id"
	}
	switch parts[1] {
	case "cancel", "retry", "products", "export":
		return "/api/jobs/:id/" + parts[1]
	default:
		return "/api/jobs/:id/other"
	}
}
