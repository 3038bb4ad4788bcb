package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server wraps the HTTP server with routing, rate limiting, and graceful
// shutdown.
type Server struct {
	srv     *http.Server
	handler *Handler
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewServer(host string, port int, h *Handler, rps float64, burst int, logger *zap.Logger) *Server {
	s := &Server{
		handler: h,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/knowledge_chat", s.withRateLimit(h.KnowledgeChat))
	mux.HandleFunc("/api/knowledge_chat_conversation", s.withRateLimit(h.KnowledgeChatConversation))
	mux.HandleFunc("/stream/ws", h.StreamWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: responses are long-lived SSE streams bounded by
		// the per-request deadline instead.
	}
	return s
}

func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
