package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/video-product-extractor/internal/catalog"
	"github.com/MimeLyc/video-product-extractor/internal/config"
	"github.com/MimeLyc/video-product-extractor/internal/jobs"
	"github.com/MimeLyc/video-product-extractor/internal/obs"
	"github.com/MimeLyc/video-product-extractor/pkg/log"
)

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	queue    *jobs.Queue
	catalog  *catalog.Catalog
	settings runtimeSettingsStore
	health   []Pinger
	validate func(string) error

	wrap []func(http.Handler) http.Handler

	mux    *http.ServeMux
	mu     sync.Mutex
	server *http.Server
}

type Option func(*Server)

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

// WithCatalog lets manual additions reuse known catalog products.
func WithCatalog(cat *catalog.Catalog) Option {
	return func(s *Server) {
		s.catalog = cat
	}
}

func WithHealthCheck(p Pinger) Option {
	return func(s *Server) {
		if p != nil {
			s.health = append(s.health, p)
		}
	}
}

// WithSourceValidator rejects video refs before they are queued.
func WithSourceValidator(validate func(ref string) error) Option {
	return func(s *Server) {
		s.validate = validate
	}
}

// WithMiddleware wraps the served handler. The last one added is outermost.
func WithMiddleware(wrap func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		if wrap != nil {
			s.wrap = append(s.wrap, wrap)
		}
	}
}

func NewServer(queue *jobs.Queue, opts ...Option) *Server {
	s := &Server{
		queue: queue,
		mux:   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = requestLogger(s.mux)
	for _, wrap := range s.wrap {
		h = wrap(h)
	}
	return h
}

func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()
	return srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	s.mux.HandleFunc("POST /api/jobs/{id}/retry", s.handleRetryJob)
	s.mux.HandleFunc("POST /api/jobs/{id}/products", s.handleAddProduct)
	s.mux.HandleFunc("GET /api/jobs/{id}/export", s.handleExport)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.Handle("GET /metrics", obs.MetricsHandler())
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// requestLogger tags every request with an id and logs its outcome.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		log.WithFields(log.Fields{
			"req_id":      reqID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("http request")
	})
}
