package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/atmx/settlement-ledger/internal/ledger"
	"github.com/atmx/settlement-ledger/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

type hubMessage struct {
	symbol string
	data   []byte
}

// WSHub fans committed ledger events out to WebSocket clients. A client
// may subscribe to one symbol with ?symbol=; otherwise it receives every
// event. It implements ledger.Notifier.
type WSHub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan hubMessage
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

type subscription struct {
	conn   *websocket.Conn
	symbol string
}

// NewWSHub creates a hub. A nil logger selects slog.Default().
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan hubMessage, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.symbol
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "symbol", sub.symbol, "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, symbol := range h.clients {
				if symbol != "" && symbol != msg.symbol {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an event for broadcast. Events are dropped when the
// buffer is full so ledger transactions never wait on slow clients.
func (h *WSHub) Publish(ev ledger.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws encode failed", "type", ev.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- hubMessage{symbol: ev.Symbol, data: data}:
	default:
		h.logger.Warn("ws buffer full, event dropped", "type", ev.Type, "symbol", ev.Symbol)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))

	select {
	case h.register <- subscription{conn: conn, symbol: symbol}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: detects disconnects and keeps the read deadline fresh.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()
}
