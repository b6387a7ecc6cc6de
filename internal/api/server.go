// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/internal/engine"
	"github.com/quantdesk/decision-core/internal/metrics"
	"github.com/quantdesk/decision-core/internal/pipeline"
	"github.com/quantdesk/decision-core/internal/reconcile"
	"github.com/quantdesk/decision-core/internal/regime"
	"github.com/quantdesk/decision-core/internal/risk"
	"github.com/quantdesk/decision-core/internal/store"
	"github.com/quantdesk/decision-core/pkg/types"
)

// Deps bundles the components the server exposes.
type Deps struct {
	Store      store.Store
	Engine     *engine.Engine
	KillSwitch *engine.KillSwitch
	Classifier *regime.Classifier
	Ledger     *risk.SessionLedger
	Pipelines  *pipeline.Manager
	Reconciler *reconcile.Worker
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client
}

// Message is the WebSocket envelope.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // request, response, event
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewServer creates the API server.
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	server := &Server{
		logger:  logger.Named("api"),
		config:  config,
		deps:    deps,
		router:  mux.NewRouter(),
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	// Decision log
	s.router.HandleFunc("/api/v1/decisions", s.handleGetDecisions).Methods("GET")

	// Virtual trades
	s.router.HandleFunc("/api/v1/trades", s.handleGetTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/trades/open", s.handleGetOpenTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/trades/{id}", s.handleGetTrade).Methods("GET")

	// Regime
	s.router.HandleFunc("/api/v1/regime/{instrument}", s.handleGetRegime).Methods("GET")

	// Session and bot controls
	s.router.HandleFunc("/api/v1/session", s.handleGetSession).Methods("GET")
	s.router.HandleFunc("/api/v1/bot/arm", s.handleArm).Methods("POST")
	s.router.HandleFunc("/api/v1/bot/disarm", s.handleDisarm).Methods("POST")

	// Kill switch
	s.router.HandleFunc("/api/v1/killswitch", s.handleGetKillSwitch).Methods("GET")
	s.router.HandleFunc("/api/v1/killswitch/engage", s.handleEngage).Methods("POST")
	s.router.HandleFunc("/api/v1/killswitch/rearm", s.handleRearm).Methods("POST")

	// Reconciliation
	s.router.HandleFunc("/api/v1/reconcile/run", s.handleRunReconcile).Methods("POST")
	s.router.HandleFunc("/api/v1/reconcile/report", s.handleGetReport).Methods("GET")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start starts the HTTP server and the trade-update broadcaster.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
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

	go s.streamTradeUpdates()

	s.logger.Info("starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// streamTradeUpdates forwards engine transitions to subscribed clients.
func (s *Server) streamTradeUpdates() {
	for update := range s.deps.Engine.Updates() {
		switch update.Trade.State {
		case types.TradeStateClosed:
			s.deps.Metrics.TradesClosed.WithLabelValues(update.Trade.ExitReason).Inc()
		case types.TradeStateLiquidated:
			s.deps.Metrics.TradesLiquidated.Inc()
		}

		s.broadcastToSubscribers("trades", &Message{
			ID:     uuid.New().String(),
			Type:   "event",
			Method: "trade:update",
			Payload: map[string]interface{}{
				"trade":  update.Trade,
				"prev":   update.Prev,
				"reason": update.Reason,
			},
			Timestamp: time.Now().UnixMilli(),
		})

		if update.Trade.State == types.TradeStateLiquidated {
			s.broadcastToSubscribers("alerts", &Message{
				ID:        uuid.New().String(),
				Type:      "event",
				Method:    "risk:liquidation",
				Payload:   update.Trade,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status": "healthy",
		"armed":  s.deps.Pipelines.Armed(),
		"halted": s.deps.KillSwitch.Engaged(),
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleGetDecisions(w http.ResponseWriter, r *http.Request) {
	instrument := r.URL.Query().Get("instrument")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}

	var (
		decisions []types.DecisionRecord
		err       error
	)
	if instrument != "" {
		decisions, err = s.deps.Store.Decisions(r.Context(), instrument, limit)
	} else {
		decisions, err = s.deps.Store.AllDecisions(r.Context())
		if len(decisions) > limit {
			decisions = decisions[len(decisions)-limit:]
		}
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	trades := s.deps.Engine.AllTrades()
	s.writeJSON(w, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleGetOpenTrades(w http.ResponseWriter, r *http.Request) {
	trades := s.deps.Engine.OpenTrades()
	s.writeJSON(w, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	trade, ok := s.deps.Engine.GetTrade(id)
	if !ok {
		http.Error(w, "trade not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, trade)
}

func (s *Server) handleGetRegime(w http.ResponseWriter, r *http.Request) {
	instrument := mux.Vars(r)["instrument"]

	state, ok := s.deps.Classifier.Last(instrument)
	if !ok {
		http.Error(w, "no regime observed for instrument", http.StatusNotFound)
		return
	}

	s.writeJSON(w, state)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Ledger.Stats()
	s.writeJSON(w, map[string]interface{}{
		"session":    stats,
		"armed":      s.deps.Pipelines.Armed(),
		"halted":     s.deps.KillSwitch.Engaged(),
		"openTrades": len(s.deps.Engine.OpenTrades()),
	})
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	s.deps.Pipelines.Arm()
	s.logger.Info("bot armed via API")
	s.writeJSON(w, map[string]bool{"armed": true})
}

func (s *Server) handleDisarm(w http.ResponseWriter, r *http.Request) {
	s.deps.Pipelines.Disarm()
	s.logger.Info("bot disarmed via API")
	s.writeJSON(w, map[string]bool{"armed": false})
}

func (s *Server) handleGetKillSwitch(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"engaged": s.deps.KillSwitch.Engaged(),
		"reason":  s.deps.KillSwitch.Reason(),
	})
}

func (s *Server) handleEngage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}

	s.deps.KillSwitch.Engage(body.Reason)
	s.logger.Warn("kill switch engaged via API", zap.String("reason", body.Reason))

	s.writeJSON(w, map[string]interface{}{
		"engaged": true,
		"reason":  body.Reason,
	})
}

func (s *Server) handleRearm(w http.ResponseWriter, r *http.Request) {
	// Re-arming is never automatic; this endpoint is the explicit
	// operator action.
	s.deps.KillSwitch.Rearm()
	s.logger.Info("kill switch re-armed via API")
	s.writeJSON(w, map[string]bool{"engaged": false})
}

func (s *Server) handleRunReconcile(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Reconciler.Reconcile(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.deps.Store.SaveReport(r.Context(), records); err != nil {
		s.logger.Error("failed to persist reconciliation report", zap.Error(err))
	}

	discrepancies := 0
	for _, rec := range records {
		if rec.Mismatch != types.MismatchNone {
			discrepancies++
		}
	}

	s.writeJSON(w, map[string]interface{}{
		"records":       records,
		"count":         len(records),
		"discrepancies": discrepancies,
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Store.LatestReport(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		http.Error(w, "no reconciliation report yet", http.StatusNotFound)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// broadcastToSubscribers sends a message to clients subscribed to a channel.
func (s *Server) broadcastToSubscribers(channel string, msg *Message) {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, client := range s.clients {
		if client.Subs[channel] {
			select {
			case client.Send <- msgBytes:
			default:
			}
		}
	}
}
