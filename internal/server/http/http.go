package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leshachaplin/spyglass/internal/wire"
)

type Server struct {
	mu           sync.Mutex
	closed       bool
	public       *http.Server
	publicRouter *chi.Mux

	handler *Handler
}

// New builds the public router. Metrics are served from gatherer when it is not nil.
func New(handler *Handler, gatherer prometheus.Gatherer, mws ...func(http.Handler) http.Handler) *Server {
	s := &Server{
		publicRouter: chi.NewRouter(),

		handler: handler,
	}
	s.registerPublicRoutes(gatherer, mws...)
	return s
}

func (s *Server) Router() http.Handler {
	return s.publicRouter
}

// ServePublic blocks until the server is shut down. It returns http.ErrServerClosed
// right away when ShutdownPublic ran first.
func (s *Server) ServePublic(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.public = &http.Server{
		Addr:         addr,
		Handler:      s.publicRouter,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	public := s.public
	s.mu.Unlock()

	return public.ListenAndServe()
}

func (s *Server) ShutdownPublic(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	public := s.public
	s.mu.Unlock()

	if public == nil {
		return nil
	}
	if err := public.Shutdown(ctx); err != nil {
		return public.Close()
	}
	return nil
}

func (s *Server) registerPublicRoutes(gatherer prometheus.Gatherer, middlewares ...func(http.Handler) http.Handler) {
	s.publicRouter.Use(middleware.Recoverer)
	s.publicRouter.Use(middlewares...)
	s.publicRouter.Get("/_/ready", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	if gatherer != nil {
		s.publicRouter.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.publicRouter.Post(wire.TrackPath, s.handler.TrackEvents)
}
