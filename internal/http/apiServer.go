package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"huddle/internal/api"
	"huddle/internal/ws"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type APIServer struct {
	server *http.Server
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string, log *slog.Logger) *APIServer {
	if log == nil {
		log = slog.Default()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/conversations", apiHandlers.RequireAuth(apiHandlers.ConversationsHandler))
	mux.HandleFunc("POST /api/conversations", apiHandlers.RequireAuth(apiHandlers.CreateConversationHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/conversations/{id}/messages", apiHandlers.RequireAuth(apiHandlers.SendMessageHandler))
	mux.HandleFunc("POST /api/conversations/{id}/read", apiHandlers.RequireAuth(apiHandlers.AckReadHandler))
	mux.HandleFunc("GET /api/poll", apiHandlers.RequireAuth(apiHandlers.PollHandler))

	// Live stream endpoint
	mux.HandleFunc("/api/stream", wsServer.HandleConnections)

	mux.Handle("GET /metrics", promhttp.Handler())

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: log,
	}
}

func (s *APIServer) Start() error {
	s.log.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
