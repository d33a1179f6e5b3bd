// Package api is the local HTTP and websocket service surface: a
// gorilla/mux router fronting the device session, discovery scanner,
// event pipeline, user cache, durability layer, and sync worker, plus
// a gorilla/websocket push hub that fans out the same events the
// pipeline and sync worker already publish internally.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/discovery"
	"zk-attendance-bridge/internal/durability"
	"zk-attendance-bridge/internal/pipeline"
	"zk-attendance-bridge/internal/session"
	"zk-attendance-bridge/internal/syncworker"
	"zk-attendance-bridge/internal/usercache"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// ServerConfig tunes the listener and auth surface. APIKeys empty
// means the local network is trusted and no authentication is
// enforced, which is the expected default for a LAN-only bridge.
type ServerConfig struct {
	Addr       string
	APIKeys    []string
	MockDevice bool
}

// Server is the bridge's public HTTP and websocket surface.
type Server struct {
	logger *logrus.Entry
	cfg    ServerConfig
	http   *http.Server
	hub    *Hub

	session    *session.Manager
	discovery  *discovery.Scanner
	pipeline   *pipeline.Pipeline
	userCache  *usercache.Cache
	durability *durability.Layer
	syncWorker *syncworker.Worker

	apiKeys    []string
	mockDevice bool
	photoDir   string

	defaultLimiter *rateLimiter
	strictLimiter  *rateLimiter
	looseLimiter   *rateLimiter
}

// New constructs a Server. session, discovery and syncW may be nil (no
// device yet paired / discovery disabled / no cloud store); the
// remaining collaborators are required.
func New(
	logger *logrus.Logger,
	cfg ServerConfig,
	hub *Hub,
	sessionMgr *session.Manager,
	scanner *discovery.Scanner,
	pipe *pipeline.Pipeline,
	cache *usercache.Cache,
	durLayer *durability.Layer,
	syncW *syncworker.Worker,
) *Server {
	s := &Server{
		logger:         logger.WithField("component", "api"),
		cfg:            cfg,
		hub:            hub,
		session:        sessionMgr,
		discovery:      scanner,
		pipeline:       pipe,
		userCache:      cache,
		durability:     durLayer,
		syncWorker:     syncW,
		apiKeys:        cfg.APIKeys,
		mockDevice:     cfg.MockDevice,
		photoDir:       cache.PhotoDir(),
		defaultLimiter: newRateLimiter(defaultRequestsPerMin),
		strictLimiter:  newRateLimiter(strictRequestsPerMin),
		looseLimiter:   newRateLimiter(looseRequestsPerMin),
	}

	router := s.buildRouter()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) buildRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware, s.recoveryMiddleware)

	get := func(path string, tier rateLimitTier, h http.HandlerFunc) {
		router.Handle(path, s.rateLimit(tier, s.apiKeyMiddleware(h))).Methods(http.MethodGet)
	}
	post := func(path string, tier rateLimitTier, h http.HandlerFunc) {
		router.Handle(path, s.rateLimit(tier, s.apiKeyMiddleware(h))).Methods(http.MethodPost)
	}

	get("/health", tierDefault, s.handleHealth)
	get("/status", tierDefault, s.handleStatus)
	get("/reconnect", tierStrict, s.handleReconnect)
	get("/device/info", tierDefault, s.handleDeviceInfo)
	get("/device/scan", tierStrict, s.handleDeviceScan)
	post("/device/connect", tierDefault, s.handleDeviceConnect)
	get("/attendance/logs", tierStrict, s.handleAttendanceLogs)
	post("/polling/start", tierLoose, s.handlePollingStart)
	post("/polling/stop", tierLoose, s.handlePollingStop)
	get("/users", tierLoose, s.handleListUsers)
	post("/users/add", tierStrict, s.handleAddUser)
	router.Handle("/users/{userId}", s.rateLimit(tierStrict, s.apiKeyMiddleware(s.handleDeleteUser))).Methods(http.MethodDelete)
	get("/sync/status", tierDefault, s.handleSyncStatus)
	post("/sync/force", tierDefault, s.handleSyncForce)
	get("/stats/cache", tierLoose, s.handleStatsCache)
	get("/stats/queue", tierLoose, s.handleStatsQueue)
	get("/stats/breaker", tierLoose, s.handleStatsBreaker)
	router.Handle("/static/photos/{id}.jpg", s.rateLimit(tierLoose, http.HandlerFunc(s.handleStaticPhoto))).Methods(http.MethodGet)
	router.Handle("/ws", s.rateLimit(tierDefault, http.HandlerFunc(s.handleWebSocket))).Methods(http.MethodGet)

	return router
}

// Start launches the hub and the HTTP listener in the background.
// ListenAndServe errors other than http.ErrServerClosed are logged,
// not returned, matching the fire-and-forget lifecycle the rest of
// the bridge's background loops use.
func (s *Server) Start() {
	s.hub.Start()
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("http server stopped unexpectedly")
		}
	}()
}

// Shutdown drains in-flight requests with a bounded timeout, then
// stops the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	s.hub.Stop()
	return err
}
