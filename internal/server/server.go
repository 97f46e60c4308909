// Package server exposes the read-only HTTP surface operators poll:
// liveness, Prometheus scrape, a snapshot of recent trade state, and the
// websocket status stream the telemetry hub fans out.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/duskline/predator-core/internal/storage"
	"github.com/duskline/predator-core/internal/telemetry"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server wraps the router and its dependencies. It never mutates trading
// state; every handler is read-only.
type Server struct {
	router *mux.Router
	http   *http.Server
	log    *zap.SugaredLogger
}

// New builds the router and registers /healthz, /metrics, /status and the
// websocket upgrade endpoint the hub serves.
func New(addr string, store *storage.Store, hub *telemetry.Hub, log *zap.SugaredLogger) *Server {
	s := &Server{router: mux.NewRouter(), log: log}

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus(store)).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/status", hub.HandleWebSocket)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(s.router)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops or errors.
func (s *Server) ListenAndServe() error {
	s.log.Infow("http server starting", "component", "server", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// handleStatus returns the most recent trades and the current open-position
// count, the read-only snapshot operators use without a dashboard.
func (s *Server) handleStatus(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		openCount, err := store.OpenPositionCount()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		recent, err := store.RecentTrades(time.Now().Add(-24 * time.Hour))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"open_positions": openCount,
			"recent_trades":  recent,
		})
	}
}
