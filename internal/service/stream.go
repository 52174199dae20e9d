package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/internal/eventbus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The API binds to loopback by default; origin enforcement belongs
		// to a fronting proxy when exposed further.
		return true
	},
}

// handleEventStream upgrades to WebSocket and streams the session's events
// in order, replaying from ?from= first.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	fromSeq, err := parseFromSeq(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid from parameter"})
		return
	}

	sub, err := s.manager.Subscribe(id, fromSeq)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	logger := s.logger.With(zap.String("session_id", id))
	logger.Info("Event stream attached", zap.Uint64("from", fromSeq))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		// The read side only handles pongs and notices the peer leaving.
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("Event stream read error", zap.Error(err))
				}
				return
			}
		}
	}()

	s.writePump(ctx, conn, sub, logger)
}

// writePump forwards bus events until the stream closes or the client
// disconnects.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, sub *eventbus.Subscription, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		// A short wait lets the ping ticker interleave with event delivery.
		nextCtx, cancel := context.WithTimeout(ctx, pingPeriod)
		event, err := sub.Next(nextCtx)
		cancel()

		switch {
		case err == nil:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if werr := conn.WriteJSON(event); werr != nil {
				logger.Debug("Event stream write failed", zap.Error(werr))
				return
			}
		case errors.Is(err, eventbus.ErrStreamClosed):
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stream ended"))
			logger.Info("Event stream detached")
			return
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// No event within the ping window; keep the connection alive.
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if werr := conn.WriteMessage(websocket.PingMessage, nil); werr != nil {
				return
			}
		default:
			// Client gone or server shutting down.
			return
		}
	}
}
