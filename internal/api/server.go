// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/internal/config"
	"github.com/quantatlas/tuner-backend/internal/scheduler"
	"github.com/quantatlas/tuner-backend/internal/store"
	"github.com/quantatlas/tuner-backend/internal/workers"
	"github.com/quantatlas/tuner-backend/pkg/types"
)

// Dispatcher runs one tuning pass synchronously. Satisfied by
// tuning.Orchestrator.
type Dispatcher interface {
	Tune(ctx context.Context, req types.TuningRequest) types.TuningResult
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	logger     *zap.Logger
	config     config.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	hub        *Hub
	store      *store.Store
	dispatcher Dispatcher
	sched      *scheduler.Scheduler
	positions  *scheduler.MemoryPositionTracker
	pool       *workers.Pool
	registry   *prometheus.Registry
}

// BroadcastingDispatcher publishes every pass result to the hub on top of
// the inner dispatcher. The scheduler uses it so background passes reach
// WebSocket clients the same way manual ones do.
type BroadcastingDispatcher struct {
	Inner Dispatcher
	Hub   *Hub
}

// Tune dispatches and broadcasts the result.
func (d BroadcastingDispatcher) Tune(ctx context.Context, req types.TuningRequest) types.TuningResult {
	res := d.Inner.Tune(ctx, req)
	d.Hub.BroadcastTuningResult(req.Session, req.Trigger, res)
	return res
}

// NewServer creates the API server and wires its routes.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, hub *Hub, st *store.Store, dispatcher Dispatcher, sched *scheduler.Scheduler, positions *scheduler.MemoryPositionTracker, pool *workers.Pool, registry *prometheus.Registry) *Server {
	s := &Server{
		logger:     logger.Named("api"),
		config:     cfg,
		router:     mux.NewRouter(),
		hub:        hub,
		store:      st,
		dispatcher: dispatcher,
		sched:      sched,
		positions:  positions,
		pool:       pool,
		registry:   registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	s.setupRoutes()
	return s
}

// Hub exposes the WebSocket hub for event publication.
func (s *Server) Hub() *Hub { return s.hub }

// Router exposes the route tree, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	// Health and metrics
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// Tuning
	s.router.HandleFunc("/api/v1/tune", s.handleTune).Methods("POST")
	s.router.HandleFunc("/api/v1/overrides/active", s.handleActiveOverride).Methods("GET")
	s.router.HandleFunc("/api/v1/overrides/history", s.handleOverrideHistory).Methods("GET")
	s.router.HandleFunc("/api/v1/runs", s.handleRunHistory).Methods("GET")

	// Tuning space administration
	s.router.HandleFunc("/api/v1/space/{strategy}", s.handleGetSpace).Methods("GET")
	s.router.HandleFunc("/api/v1/space/{strategy}", s.handleUpsertSpace).Methods("PUT")

	// Session lifecycle hooks
	s.router.HandleFunc("/api/v1/sessions", s.handleListSessions).Methods("GET")
	s.router.HandleFunc("/api/v1/sessions/start", s.handleSessionStarted).Methods("POST")
	s.router.HandleFunc("/api/v1/sessions/stop", s.handleSessionStopped).Methods("POST")
	s.router.HandleFunc("/api/v1/positions/opened", s.handlePositionOpened).Methods("POST")
	s.router.HandleFunc("/api/v1/positions/closed", s.handlePositionClosed).Methods("POST")

	// Operational introspection
	s.router.HandleFunc("/api/v1/workers", s.handleWorkerStats).Methods("GET")

	// WebSocket
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start starts the HTTP server and the WebSocket hub.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go s.hub.Run()

	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"time":    time.Now().Unix(),
		"clients": s.hub.ClientCount(),
	})
}

// tuneRequest is the manual-trigger payload.
type tuneRequest struct {
	AccountID    int64              `json:"accountId"`
	StrategyType types.StrategyType `json:"strategyType"`
	Exchange     string             `json:"exchange"`
	Network      types.NetworkType  `json:"network"`
	Symbol       string             `json:"symbol,omitempty"`
	Timeframe    string             `json:"timeframe,omitempty"`
	StartAt      *time.Time         `json:"startAt,omitempty"`
	EndAt        *time.Time         `json:"endAt,omitempty"`
	Seed         *int64             `json:"seed,omitempty"`
}

func (r tuneRequest) sessionKey() types.SessionKey {
	return types.SessionKey{
		AccountID: r.AccountID,
		Strategy:  r.StrategyType,
		Exchange:  r.Exchange,
		Network:   r.Network,
	}
}

// handleTune runs one tuning pass synchronously and returns its result.
func (s *Server) handleTune(w http.ResponseWriter, r *http.Request) {
	var body tuneRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key := body.sessionKey()
	if !key.Valid() {
		s.writeError(w, http.StatusBadRequest, "incomplete session key")
		return
	}

	res := s.dispatcher.Tune(r.Context(), types.TuningRequest{
		Session:   key,
		Symbol:    body.Symbol,
		Timeframe: body.Timeframe,
		StartAt:   body.StartAt,
		EndAt:     body.EndAt,
		Seed:      body.Seed,
		Trigger:   "manual",
	})
	s.hub.BroadcastTuningResult(key, "manual", res)
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleActiveOverride(w http.ResponseWriter, r *http.Request) {
	key, err := sessionKeyFromQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	patch, err := s.store.ActivePatch(r.Context(), key, time.Now())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if patch == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"active": true, "override": patch})
}

func (s *Server) handleOverrideHistory(w http.ResponseWriter, r *http.Request) {
	key, err := sessionKeyFromQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	history, err := s.store.OverrideHistory(r.Context(), key, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"overrides": history,
		"count":     len(history),
	})
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	key, err := sessionKeyFromQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := s.store.RunHistory(r.Context(), key, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetSpace(w http.ResponseWriter, r *http.Request) {
	strategy := types.StrategyType(mux.Vars(r)["strategy"])
	space, err := s.store.LoadEnabledSpace(r.Context(), strategy)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategyType": strategy,
		"space":        space,
	})
}

type upsertSpaceRequest struct {
	Item    types.ParamSpaceItem `json:"item"`
	Enabled bool                 `json:"enabled"`
}

func (s *Server) handleUpsertSpace(w http.ResponseWriter, r *http.Request) {
	strategy := types.StrategyType(mux.Vars(r)["strategy"])
	var body upsertSpaceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := body.Item.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpsertSpaceItem(r.Context(), strategy, body.Item, body.Enabled); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"saved": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sched.Scheduled()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleSessionStarted(w http.ResponseWriter, r *http.Request) {
	key, ok := s.decodeSessionKey(w, r)
	if !ok {
		return
	}
	s.sched.OnSessionStarted(key)
	s.hub.BroadcastSessionUpdate(key, "started")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"scheduled": true})
}

func (s *Server) handleSessionStopped(w http.ResponseWriter, r *http.Request) {
	key, ok := s.decodeSessionKey(w, r)
	if !ok {
		return
	}
	s.sched.OnSessionStopped(key)
	s.positions.ClearPosition(key)
	s.hub.BroadcastSessionUpdate(key, "stopped")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"scheduled": false})
}

func (s *Server) handlePositionOpened(w http.ResponseWriter, r *http.Request) {
	key, ok := s.decodeSessionKey(w, r)
	if !ok {
		return
	}
	s.positions.SetInPosition(key)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"inPosition": true})
}

func (s *Server) handlePositionClosed(w http.ResponseWriter, r *http.Request) {
	key, ok := s.decodeSessionKey(w, r)
	if !ok {
		return
	}
	s.positions.ClearPosition(key)
	s.sched.OnPositionClosed(key)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"inPosition": false})
}

func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Stats())
}

// handleWebSocket upgrades the connection and attaches it to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	s.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) decodeSessionKey(w http.ResponseWriter, r *http.Request) (types.SessionKey, bool) {
	var key types.SessionKey
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return key, false
	}
	if !key.Valid() {
		s.writeError(w, http.StatusBadRequest, "incomplete session key")
		return key, false
	}
	return key, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]interface{}{"error": msg})
}

func sessionKeyFromQuery(r *http.Request) (types.SessionKey, error) {
	q := r.URL.Query()
	accountID, err := strconv.ParseInt(q.Get("accountId"), 10, 64)
	if err != nil {
		return types.SessionKey{}, fmt.Errorf("invalid accountId")
	}
	key := types.SessionKey{
		AccountID: accountID,
		Strategy:  types.StrategyType(q.Get("strategyType")),
		Exchange:  q.Get("exchange"),
		Network:   types.NetworkType(q.Get("network")),
	}
	if !key.Valid() {
		return types.SessionKey{}, fmt.Errorf("incomplete session key")
	}
	return key, nil
}

func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return v
}
