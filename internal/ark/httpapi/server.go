// Package httpapi implements C10's HTTP surface (spec §6.1): request
// submission and polling, lattice CRUD/query, generation, validation, and
// the federation endpoints other peers' sync engines call over Transport.
// Grounded on cmd/gateway/main.go's router/middleware-chain/graceful-
// shutdown skeleton, with Neo/JWT/OAuth-specific routes replaced by the
// §6.1 table.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ark-network/ark-core/infrastructure/logging"
	arkmetrics "github.com/ark-network/ark-core/infrastructure/metrics"
	"github.com/ark-network/ark-core/infrastructure/middleware"
	"github.com/ark-network/ark-core/internal/ark/bus"
	"github.com/ark-network/ark-core/internal/ark/errorbus"
	"github.com/ark-network/ark-core/internal/ark/federation/registry"
	"github.com/ark-network/ark-core/internal/ark/federation/sync"
	"github.com/ark-network/ark-core/internal/ark/generation"
	"github.com/ark-network/ark-core/internal/ark/identity"
	"github.com/ark-network/ark-core/internal/ark/lattice"
	"github.com/ark-network/ark-core/internal/ark/orchestrator"
	"github.com/ark-network/ark-core/internal/ark/scoring"
	"github.com/ark-network/ark-core/internal/ark/wsapi"
)

// Config wires every dependency the HTTP layer exposes over §6.1.
type Config struct {
	Identity     *identity.Identity
	Store        *lattice.Store
	Bus          *bus.Bus
	ErrorBus     *errorbus.Bus
	Orchestrator *orchestrator.Orchestrator
	Generation   *generation.Engine
	Registry     *registry.Registry
	SyncEngine   *sync.Engine
	Rulesets     map[string][]scoring.Rule

	Role        string
	EndpointURL string

	ListenAddr         string
	RateLimitPerMinute int
	Log                *logging.Logger
}

// Server is the C10 HTTP surface.
type Server struct {
	cfg    Config
	router *mux.Router
	server *http.Server

	requests *requestStore
}

// New builds a Server and registers every §6.1/§6.2 route.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, requests: newRequestStore()}

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(cfg.Log))
	router.Use(middleware.NewRecoveryMiddleware(cfg.Log).Handler)
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	if arkmetrics.Enabled() {
		m := arkmetrics.Init("arkd")
		router.Use(middleware.MetricsMiddleware("arkd", m))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Ark-Peer-Id", "X-Ark-Signature"},
		AllowCredentials: false,
		MaxAgeSeconds:    3600,
		PreflightStatus:  http.StatusOK,
	}).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(0).Handler)
	router.Use(middleware.NewValidationMiddleware(middleware.ValidationConfig{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		ContentTypes:   []string{"application/json"},
	}).Handler)

	if cfg.RateLimitPerMinute > 0 {
		rl := middleware.NewRateLimiterWithWindow(cfg.RateLimitPerMinute, time.Minute, cfg.RateLimitPerMinute, cfg.Log)
		router.Use(rl.Handler)
	}

	health := middleware.NewHealthChecker("arkd")
	if cfg.Store != nil {
		health.RegisterCheck("lattice", func() error {
			_, err := cfg.Store.Stats()
			return err
		})
	}
	router.HandleFunc("/health", health.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)

	router.HandleFunc("/requests", s.handleSubmitRequest).Methods(http.MethodPost)
	router.HandleFunc("/requests/{cid}", s.handleGetRequest).Methods(http.MethodGet)

	router.HandleFunc("/lattice/stats", s.handleLatticeStats).Methods(http.MethodGet)
	router.HandleFunc("/lattice/query", s.handleLatticeQuery).Methods(http.MethodPost)
	router.HandleFunc("/lattice/node/{id}", s.handleGetNode).Methods(http.MethodGet)
	router.HandleFunc("/lattice/node", s.handleUpsertNode).Methods(http.MethodPost)
	router.HandleFunc("/lattice/node/{id}", s.handleDeleteNode).Methods(http.MethodDelete)

	router.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost)
	router.HandleFunc("/validate", s.handleValidate).Methods(http.MethodPost)

	fed := router.PathPrefix("/federation").Subrouter()
	fed.Use(s.requireSignedRequest)
	fed.HandleFunc("/info", s.handleFederationInfo).Methods(http.MethodGet)
	fed.HandleFunc("/peers", s.handleListPeers).Methods(http.MethodGet)
	fed.HandleFunc("/peers", s.handleAddPeer).Methods(http.MethodPost)
	fed.HandleFunc("/peers/{peer_id}", s.handleRemovePeer).Methods(http.MethodDelete)
	fed.HandleFunc("/sync", s.handleTriggerSync).Methods(http.MethodPost)
	fed.HandleFunc("/manifest", s.handleReceiveManifest).Methods(http.MethodPost)
	fed.HandleFunc("/nodes", s.handleNodes).Methods(http.MethodPost)

	wsapi.Register(router, wsapi.Config{
		Bus:      cfg.Bus,
		Errors:   cfg.ErrorBus,
		Registry: cfg.Registry,
		Log:      cfg.Log,
	})

	s.router = router
	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Router exposes the underlying mux.Router, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ListenAndServe starts the HTTP server; it blocks until Shutdown is called
// or the server fails to start.
func (s *Server) ListenAndServe() error {
	if s.cfg.Log != nil {
		s.cfg.Log.WithFields(map[string]interface{}{"addr": s.cfg.ListenAddr}).Info("httpapi listening")
	}
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
