// Package api exposes the indexer's read-only HTTP surface: chain
// listing, health, holders, sync status, stats, and a Prometheus
// scrape endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/9mm-exchange/evm-transfer-indexer/internal/logging"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/metrics"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/store"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/supervisor"
)

const cacheTTL = 30 * time.Second

// Server exposes the indexer's data over HTTP.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	store      *store.Store
	sv         *supervisor.Supervisor
	cache      *ttlCache
	log        zerolog.Logger
}

// NewServer constructs the router and HTTP server, bound to addr.
func NewServer(addr string, s *store.Store, sv *supervisor.Supervisor) *Server {
	srv := &Server{
		router: mux.NewRouter(),
		store:  s,
		sv:     sv,
		cache:  newTTLCache(cacheTTL),
		log:    logging.WithComponent("api"),
	}
	srv.routes()
	srv.httpServer = &http.Server{
		Addr:         addr,
		Handler:      corsMiddleware(srv.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return srv
}

func (s *Server) routes() {
	s.router.Handle("/chains", metricsMiddleware("/chains", s.handleChains)).Methods(http.MethodGet)
	s.router.Handle("/health", metricsMiddleware("/health", s.handleHealth)).Methods(http.MethodGet)
	s.router.Handle("/holders", gzipMiddleware(metricsMiddleware("/holders", s.handleHolders))).Methods(http.MethodGet)
	s.router.Handle("/status", metricsMiddleware("/status", s.handleStatus)).Methods(http.MethodGet)
	s.router.Handle("/stats", gzipMiddleware(metricsMiddleware("/stats", s.handleStats))).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// Start begins serving and blocks until the server stops or errors.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("starting HTTP API")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
