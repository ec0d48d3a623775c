package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/marmos91/rollq/internal/logger"
)

const requestTimeout = 30 * time.Second

// NewRouter returns the status handler of q. /metrics is served only when
// gatherer is non-nil.
//
//	GET /ping               plain-text heartbeat
//	GET /health             liveness
//	GET /health/ready       readiness: the queue is open
//	GET /segments           every segment of the queue
//	GET /segments/{cycle}   one segment
//	GET /index/{index}      where an index lives and whether it is written
//	GET /metrics            Prometheus exposition
func NewRouter(q QueueSource, gatherer prometheus.Gatherer) http.Handler {
	h := newHandler(q)
	r := chi.NewRouter()

	r.Use(middleware.Heartbeat("/ping"))
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NoCache, middleware.Timeout(requestTimeout))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
		})
		r.Get("/health", h.Liveness)
		r.Get("/health/ready", h.Readiness)
		r.Get("/segments", h.Segments)
		r.Get("/segments/{cycle}", h.Segment)
		r.Get("/index/{index}", h.Index)
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return otelhttp.NewHandler(r, "rollq.status",
		otelhttp.WithFilter(func(r *http.Request) bool { return !isQuietPath(r.URL.Path) }),
	)
}

// Probes and scrapes are neither traced nor logged above DEBUG.
func isQuietPath(path string) bool {
	return path == "/metrics" || path == "/ping" || strings.HasPrefix(path, "/health")
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log := logger.InfoCtx
		if isQuietPath(r.URL.Path) {
			log = logger.DebugCtx
		}
		log(r.Context(), "Status request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.DurationMs(time.Since(start)),
		)
	})
}
