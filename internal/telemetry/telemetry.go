// Package telemetry registers Prometheus metrics and runs a websocket
// status hub that broadcasts manager/scheduler STATUS events to connected
// dashboards.
package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TradesOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "predator_trades_opened_total", Help: "Trades opened"},
		[]string{"engine", "side"},
	)
	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "predator_trades_closed_total", Help: "Trades closed by terminal status"},
		[]string{"status"},
	)
	SLMoves = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "predator_sl_moves_total", Help: "SL tighten events"},
		[]string{"reason"},
	)
	TPReplacements = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "predator_tp_replacements_total", Help: "TP ladder replacements"},
	)
	RegimeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "predator_regime", Help: "Current regime, 1 if active"},
		[]string{"regime"},
	)
	ScanLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "predator_scan_latency_seconds", Help: "Scheduler cycle latency"},
	)
)

// Register adds every metric to the default Prometheus registry. Call once
// at startup.
func Register() {
	prometheus.MustRegister(TradesOpened, TradesClosed, SLMoves, TPReplacements, RegimeGauge, ScanLatency)
}

// StatusEvent is the append-only broadcast payload the hub fans out.
type StatusEvent struct {
	Type      string         `json:"type"`
	TradeID   string         `json:"trade_id,omitempty"`
	Fields    map[string]any `json:"fields"`
	Timestamp int64          `json:"timestamp"`
}

// Hub maintains the set of active websocket clients and broadcasts status
// events to all of them.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	upgrader  websocket.Upgrader
}

// NewHub constructs an empty hub that accepts connections from any origin.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the connection and keeps it registered until the
// client disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.register(conn)
	defer func() {
		h.unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.clients[conn] = true
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	delete(h.clients, conn)
}

// Broadcast sends a status event to every connected client, dropping any
// connection that errors.
func (h *Hub) Broadcast(ev StatusEvent) {
	ev.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}
