package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// maxMessageSize bounds client-to-server messages; clients only send
	// control frames.
	maxMessageSize = 4 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is meant for a local UI; origin is not restricted.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents upgrades GET /api/v1/events to a WebSocket. The client first
// receives the current status frame, then every event and status frame the
// hub broadcasts. Anything the client sends is discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Warn("api: websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	client := s.hub.Register(clientID)
	defer s.hub.Unregister(clientID)

	s.logger.Info("api: websocket client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", r.RemoteAddr))
	defer s.logger.Info("api: websocket client disconnected", slog.String("client_id", clientID))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readLoop(conn, clientID)
	}()

	text, at := s.status.Current()
	if first, err := json.Marshal(StatusFrame(text, at)); err == nil {
		if !s.write(conn, clientID, websocket.TextMessage, first) {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-client.Send():
			if !ok {
				s.write(conn, clientID, websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if !s.write(conn, clientID, websocket.TextMessage, msg) {
				return
			}
		case <-ticker.C:
			if !s.write(conn, clientID, websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, clientID string, messageType int, data []byte) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return false
	}
	if err := conn.WriteMessage(messageType, data); err != nil {
		s.logger.Debug("api: websocket write failed",
			slog.String("client_id", clientID),
			slog.Any("error", err))
		return false
	}
	return true
}

// readLoop discards client messages and returns when the connection closes
// or stops answering pings.
func (s *Server) readLoop(conn *websocket.Conn, clientID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("api: websocket read loop panic recovered",
				slog.String("client_id", clientID),
				slog.Any("recover", r))
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("api: websocket closed unexpectedly",
					slog.String("client_id", clientID),
					slog.Any("error", err))
			}
			return
		}
	}
}
