// Package httpapi is the proxy's supplementary HTTP surface: JWT-gated
// operator endpoints for shard/pool visibility, Kubernetes-style health
// probes, and a Prometheus /metrics endpoint. It complements (does not
// replace) pkg/admin's wire-protocol "virtual database" console — this is
// for dashboards and orchestrators that speak HTTP, not psql.
//
// Grounded on the donor's pkg/proxy/admin.go for the mux.Router/CORS/
// ListenAndServe shape and internal/api+internal/middleware for the
// JWT-bearer auth and request-logging middleware, consolidated here because
// the donor's split across a separate "router service" binary doesn't apply
// to a single wire-protocol proxy.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shardproxy/shardproxy/pkg/cluster"
	"github.com/shardproxy/shardproxy/pkg/health"
	"github.com/shardproxy/shardproxy/pkg/monitoring"
	"github.com/shardproxy/shardproxy/pkg/security"
)

// Config bounds the HTTP admin surface's own behavior.
type Config struct {
	Addr      string
	JWTSecret string
}

// ReloadFunc triggers a configuration hot-reload. It may be nil, in which
// case POST /v1/admin/reload answers 501 Not Implemented.
type ReloadFunc func() error

// Server is the HTTP admin surface.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	auth    *security.AuthManager
	users   *security.UserStore
	probes  *health.ProbeManager
	metrics *monitoring.Collector
	reg     *cluster.Registry
	reload  ReloadFunc

	httpServer *http.Server
}

// New builds the HTTP admin server; call Start to begin serving.
func New(cfg Config, reg *cluster.Registry, probes *health.ProbeManager, metrics *monitoring.Collector, users *security.UserStore, reload ReloadFunc, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		auth:    security.NewAuthManager(cfg.JWTSecret),
		users:   users,
		probes:  probes,
		metrics: metrics,
		reg:     reg,
		reload:  reload,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	router := mux.NewRouter()
	router.Use(corsMiddleware)
	router.Use(loggingMiddleware(s.logger))

	router.HandleFunc("/healthz", s.probes.LivenessHandler()).Methods("GET")
	router.HandleFunc("/readyz", s.probes.ReadinessHandler()).Methods("GET")
	router.HandleFunc("/startupz", s.probes.StartupHandler()).Methods("GET")
	router.HandleFunc("/health", s.probes.HealthHandler()).Methods("GET")
	router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	router.HandleFunc("/v1/auth/login", s.loginHandler).Methods("POST", "OPTIONS")

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(authMiddleware(s.auth))
	v1.HandleFunc("/clusters", s.listClustersHandler).Methods("GET")
	v1.HandleFunc("/pools", s.listPoolsHandler).Methods("GET")
	v1.HandleFunc("/admin/reload", s.reloadHandler).Methods("POST")

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http admin server error", zap.Error(err))
		}
	}()
	s.logger.Info("http admin surface started", zap.String("addr", s.cfg.Addr))
	return nil
}

// Stop gracefully shuts the HTTP admin server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.users.Authenticate(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.auth.GenerateToken(user.Username, user.Roles)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// clusterSummary is what /v1/clusters reports per (user, database).
type clusterSummary struct {
	User      string `json:"user"`
	Database  string `json:"database"`
	NumShards int    `json:"num_shards"`
	TwoPC     bool   `json:"two_pc"`
}

func (s *Server) listClustersHandler(w http.ResponseWriter, r *http.Request) {
	if !authorize(r, s.auth, "clusters", "read") {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}
	out := make([]clusterSummary, 0)
	for _, cl := range s.reg.All() {
		out = append(out, clusterSummary{
			User:      cl.User,
			Database:  cl.Database,
			NumShards: cl.NumShards(),
			TwoPC:     cl.TwoPC,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listPoolsHandler(w http.ResponseWriter, r *http.Request) {
	if !authorize(r, s.auth, "pools", "read") {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}
	out := make(map[string]map[string]interface{})
	for key, cl := range s.reg.All() {
		stats := make(map[string]interface{}, len(cl.Stats()))
		for role, st := range cl.Stats() {
			stats[role] = st
		}
		out[key] = stats
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) reloadHandler(w http.ResponseWriter, r *http.Request) {
	if !authorize(r, s.auth, "config", "reload") {
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return
	}
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, "hot-reload is not configured")
		return
	}
	if err := s.reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
