package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики аутентификации.
var (
	authLoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"result"},
	)

	authRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refreshes_total",
			Help: "Refresh attempts by outcome.",
		},
		[]string{"result"},
	)

	authTokenVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_verifications_total",
			Help: "Bearer token verifications by outcome.",
		},
		[]string{"result"},
	)

	authLockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Accounts locked after repeated failures.",
	})

	authSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_swept_total",
			Help: "Expired records removed by the sweeper.",
		},
		[]string{"kind"},
	)
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		authLoginsTotal, authRefreshesTotal, authTokenVerificationsTotal,
		authLockoutsTotal, authSweptTotal,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts one login attempt by outcome.
func ObserveLogin(result string) { authLoginsTotal.WithLabelValues(result).Inc() }

// ObserveRefresh counts one refresh attempt by outcome.
func ObserveRefresh(result string) { authRefreshesTotal.WithLabelValues(result).Inc() }

// ObserveTokenVerification counts one bearer token check by outcome.
func ObserveTokenVerification(result string) {
	authTokenVerificationsTotal.WithLabelValues(result).Inc()
}

// ObserveLockout counts one account lock.
func ObserveLockout() { authLockoutsTotal.Inc() }

// ObserveSwept counts records removed by one sweeper pass.
func ObserveSwept(kind string, n int) {
	if n > 0 {
		authSweptTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath сворачивает идентификаторы в пути, чтобы не раздувать
// кардинальность меток. Неизвестные маршруты проходят как есть.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "admin" {
		return p
	}
	switch parts[2] {
	case "users":
		switch {
		case len(parts) == 4:
			return "/v1/admin/users/:id"
		case len(parts) == 5 && (parts[4] == "status" || parts[4] == "roles" || parts[4] == "sessions"):
			return "/v1/admin/users/:id/" + parts[4]
		case len(parts) == 6 && parts[4] == "roles":
			return "/v1/admin/users/:id/roles/:role"
		}
	case "roles":
		switch {
		case len(parts) == 4:
			return "/v1/admin/roles/:id"
		case len(parts) == 5 && parts[4] == "permissions":
			return "/v1/admin/roles/:id/permissions"
		}
	}
	return p
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
