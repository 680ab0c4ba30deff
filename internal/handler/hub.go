package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/m-lab/tsn-verify/internal/metrics"
	"github.com/m-lab/tsn-verify/pkg/tsn/model"
)

const (
	// writeTimeout bounds a single write to an event client.
	writeTimeout = time.Second
	// broadcastBuffer is the number of pending messages the hub accepts
	// before Broadcast drops.
	broadcastBuffer = 64
)

// hub fans events out to WebSocket clients. All client bookkeeping happens
// on the run goroutine.
type hub struct {
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	register  chan *websocket.Conn
	remove    chan *websocket.Conn
	broadcast chan []byte
}

func newHub() *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*websocket.Conn]bool),
		register:  make(chan *websocket.Conn),
		remove:    make(chan *websocket.Conn),
		broadcast: make(chan []byte, broadcastBuffer),
	}
}

func (h *hub) run(ctx context.Context) {
	defer func() {
		for conn := range h.clients {
			h.drop(conn)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-h.register:
			h.clients[conn] = true
			metrics.EventClients.Inc()
		case conn := <-h.remove:
			if h.clients[conn] {
				h.drop(conn)
			}
		case msg := <-h.broadcast:
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					log.Warn("Failed to send event to client", "remote", conn.RemoteAddr(), "error", err)
					h.drop(conn)
				}
			}
		}
	}
}

func (h *hub) drop(conn *websocket.Conn) {
	delete(h.clients, conn)
	metrics.EventClients.Dec()
	conn.Close()
}

// publish queues ev for every connected client. It never blocks: when the
// hub is behind, the event is dropped.
func (h *hub) publish(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error("Failed to marshal event", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		metrics.EventsDropped.Inc()
	}
}

// serve upgrades the connection and registers it. Clients are not expected
// to send anything; the read loop only detects disconnection.
func (h *hub) serve(ctx context.Context, rw http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		log.Info("Websocket upgrade failed", "source", req.RemoteAddr, "error", err)
		return
	}
	select {
	case h.register <- conn:
	case <-ctx.Done():
		conn.Close()
		return
	}
	go func() {
		defer func() {
			select {
			case h.remove <- conn:
			case <-ctx.Done():
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
					websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.Warn("Event client error", "remote", conn.RemoteAddr(), "error", err)
				}
				return
			}
		}
	}()
}
