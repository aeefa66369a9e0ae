package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"huddle/internal/auth"
	"huddle/internal/session"

	"github.com/gorilla/websocket"
)

// nowFunc is swapped in connection tests.
var nowFunc = time.Now

type Server struct {
	auth     *auth.Service
	mgr      *session.Manager
	upgrader *websocket.Upgrader
	log      *slog.Logger
}

func NewServer(authService *auth.Service, mgr *session.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		auth: authService,
		mgr:  mgr,
		log:  log,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // same-origin is enforced by the API layer
			},
		},
	}
}

// HandleConnections upgrades the client to a websocket and binds it to a
// session. A `session` query parameter resumes an existing session (the
// Polling -> Live promotion path); otherwise a fresh session is created.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	userID, err := s.auth.GetUserID(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var sess *session.Session
	if resumeID := r.URL.Query().Get("session"); resumeID != "" {
		existing, ok := s.mgr.Lookup(resumeID)
		if !ok || existing.UserID != userID {
			http.Error(w, "Unknown session", http.StatusConflict)
			return
		}
		sess = existing
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	// Fresh sessions are registered only once the upgrade succeeded, so a
	// failed handshake leaves nothing behind.
	if sess == nil {
		sess = s.mgr.Connect(userID)
	}

	c := NewConnection(s.mgr, conn, sess)
	if err := c.Handle(context.Background(), isCleanClose); err != nil {
		s.log.Warn("connection ended",
			"session_id", sess.ID,
			"user_id", userID,
			"error", err)
	}
}

// isCleanClose distinguishes an explicit client disconnect (session should
// be torn down) from an abrupt transport failure (session should degrade).
func isCleanClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway)
}
