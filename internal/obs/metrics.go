package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_tokens_issued_total",
			Help: "Credentials issued, by kind (login, refresh).",
		},
		[]string{"kind"},
	)

	refreshRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_refresh_rotations_total",
			Help: "Refresh token rotation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	admissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_admission_decisions_total",
			Help: "Admission control decisions by outcome.",
		},
		[]string{"outcome"},
	)

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_authz_decisions_total",
			Help: "Authorization decisions by result.",
		},
		[]string{"result"},
	)
)

// Init registers the service metrics in the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			tokensIssued, refreshRotations, admissionDecisions, authzDecisions,
		)
	})
}

// RegisterKeyAge exposes the active signing key age as a gauge.
func RegisterKeyAge(age func() time.Duration) error {
	return prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "aegis_signing_key_age_seconds",
		Help: "Age of the active signing key.",
	}, func() float64 {
		return age().Seconds()
	}))
}

func TokenIssued(kind string) { tokensIssued.WithLabelValues(kind).Inc() }
func RefreshRotation(outcome string) { refreshRotations.WithLabelValues(outcome).Inc() }
func AdmissionDecision(outcome string) { admissionDecisions.WithLabelValues(outcome).Inc() }

func AuthzDecision(allowed bool) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	authzDecisions.WithLabelValues(result).Inc()
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// idCollections lists the path segments followed by an identifier.
var idCollections = map[string]bool{
	"roles":     true,
	"users":     true,
	"resources": true,
}

// CanonicalPath collapses identifiers so metric label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || !idCollections[parts[1]] {
		return p
	}
	parts[2] = ":id"
	if len(parts) > 4 {
		return p
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
