package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from app origins; token validation gates access.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSink frames pipeline events as websocket text messages, "TAG:payload" per
// message, mirroring the SSE grammar.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(tag, payload string) error {
	payload = strings.ReplaceAll(payload, "\n", "\\n")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(tag+":"+payload))
}

// StreamWS mirrors the chat pipeline over a websocket. The client sends one
// ChatRequest JSON message per query and receives the same event frames as
// the SSE endpoints.
func (h *Handler) StreamWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.Auth.Validate(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	sink := &wsSink{conn: conn}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.Logger.Debug("Websocket read ended", zap.Error(err))
			}
			return
		}

		cfg := h.Cfg()

		var req ChatRequest
		if err := json.Unmarshal(msg, &req); err != nil || strings.TrimSpace(req.Question) == "" {
			_ = sink.Send(TagError, "invalid request")
			_ = sink.Send(TagDone, "")
			continue
		}
		if req.RerankTopN <= 0 {
			req.RerankTopN = cfg.RerankTopN
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = auth.MintSessionID(identity, uuid.New().String())
		} else if err := h.Auth.CheckSessionOwnership(sessionID, identity); err != nil {
			_ = sink.Send(TagError, "session does not belong to caller")
			_ = sink.Send(TagDone, "")
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), cfg.RequestDeadline)
		log := h.Logger.With(
			zap.String("request_id", uuid.New().String()),
			zap.String("session_id", sessionID),
			zap.String("endpoint", "/stream/ws"))
		if err := h.runPipeline(ctx, sink, &req, sessionID, identity, true, cfg, log); err != nil {
			if !errors.Is(err, context.Canceled) {
				_ = sink.Send(TagError, fmt.Sprintf("%v", err))
			}
		}
		_ = sink.Send(TagDone, "")
		cancel()
	}
}
