package transport

import (
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketServer serves the JSON-RPC proxy over websocket connections.
// Each text message is a request or batch; requests on one connection are
// handled concurrently and may be answered out of order.
type WebSocketServer struct {
	server   *Server
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// Connected clients
	clients   map[*websocket.Conn]*sync.Mutex // per-connection write lock
	clientsMu sync.RWMutex
}

// NewWebSocketServer creates a new WebSocket server.
func NewWebSocketServer(s *Server, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	ws := &WebSocketServer{
		server:  s,
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
	ws.upgrader = websocket.Upgrader{CheckOrigin: ws.checkOrigin}
	return ws
}

// checkOrigin admits requests without an Origin header, same-host origins
// and the configured CORS origins.
func (ws *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if originURL.Host == r.Host {
		return true
	}
	return ws.server.originAllowed(origin)
}

// Handler returns the WebSocket HTTP handler.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		writeMu := &sync.Mutex{}
		ws.clientsMu.Lock()
		ws.clients[conn] = writeMu
		total := len(ws.clients)
		ws.clientsMu.Unlock()

		ws.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		var inflight sync.WaitGroup
		defer func() {
			inflight.Wait()
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			ws.clientsMu.Unlock()
			conn.Close()

			ws.logger.Debug("WebSocket client disconnected")
		}()

		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					ws.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}

			inflight.Add(1)
			go func() {
				defer inflight.Done()
				resp := ws.server.process(r.Context(), msg)
				if resp == nil {
					return
				}
				writeMu.Lock()
				defer writeMu.Unlock()
				if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
					ws.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// Stop closes all client connections.
func (ws *WebSocketServer) Stop() {
	ws.clientsMu.Lock()
	defer ws.clientsMu.Unlock()
	for conn := range ws.clients {
		conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}
