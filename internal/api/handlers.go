package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"huddle/internal/auth"
	"huddle/internal/content"
	"huddle/internal/models"
	"huddle/internal/session"
	"huddle/internal/store"
	"huddle/internal/unread"
)

type API struct {
	auth     *auth.Service
	mgr      *session.Manager
	store    store.Store
	unread   *unread.Counter
	resolver store.AttachmentResolver
	log      *slog.Logger
}

func New(authService *auth.Service, mgr *session.Manager, st store.Store, u *unread.Counter, resolver store.AttachmentResolver, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{
		auth:     authService,
		mgr:      mgr,
		store:    st,
		unread:   u,
		resolver: resolver,
		log:      log,
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth resolves the caller's identity before the handler runs. The
// engine treats this as an opaque pass/fail check.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(contextWithUser(r.Context(), userID)))
	}
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case models.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err == models.ErrNotFound:
		http.Error(w, "Not found", http.StatusNotFound)
	case models.IsTransient(err):
		http.Error(w, "Backend temporarily unavailable, please retry", http.StatusBadGateway)
	default:
		a.log.Error("request failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

// ConversationSummary is a conversation list entry for the requesting user.
type ConversationSummary struct {
	store.Summary
	UnreadCount int64 `json:"unreadCount"`
}

// ConversationsHandler lists the caller's conversations with previews and
// unread counts.
func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())

	summaries, err := a.store.Conversations(r.Context(), userID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	result := make([]ConversationSummary, 0, len(summaries))
	for _, s := range summaries {
		count, err := a.unread.Get(r.Context(), s.ID, userID)
		if err != nil {
			a.writeError(w, err)
			return
		}
		result = append(result, ConversationSummary{
			Summary:     s,
			UnreadCount: count,
		})
	}
	a.writeJSON(w, result)
}

type CreateConversationRequest struct {
	Kind         models.ConversationKind `json:"kind"`
	Participants []string                `json:"participants"`
}

// CreateConversationHandler creates a DM or team conversation. The caller
// is always included as a participant.
func (a *API) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	conv, err := a.store.CreateConversation(r.Context(), req.Kind, append(req.Participants, userID))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, conv)
}

// RenderedMessage decorates a message for HTTP consumers: optional
// rendered-HTML body and resolved attachment URLs.
type RenderedMessage struct {
	models.Message
	RenderedBody   string   `json:"renderedBody,omitempty"`
	AttachmentURLs []string `json:"attachmentUrls,omitempty"`
}

// MessagesHandler returns conversation history after the `since` sequence
// number.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	conversationID := r.PathValue("id")

	conv, err := a.store.Conversation(r.Context(), conversationID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !conv.HasParticipant(userID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	msgs, err := a.store.FetchSince(r.Context(), conversationID, since)
	if err != nil {
		a.writeError(w, err)
		return
	}

	renderHTML := r.URL.Query().Get("render") == "html"
	result := make([]RenderedMessage, 0, len(msgs))
	for _, msg := range msgs {
		rm := RenderedMessage{Message: msg}
		if renderHTML && msg.Body != "" {
			if html, err := content.Render(msg.Body); err == nil {
				rm.RenderedBody = html
			}
		}
		for _, key := range msg.Attachments {
			if url, err := a.resolver.ResolveURL(r.Context(), key); err == nil {
				rm.AttachmentURLs = append(rm.AttachmentURLs, url)
			}
		}
		result = append(result, rm)
	}
	a.writeJSON(w, result)
}

type SendMessageRequest struct {
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
}

// SendMessageHandler is the request/response send path, used by polling
// clients. Failures surface so the client can re-submit.
func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	conversationID := r.PathValue("id")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := a.mgr.SendMessage(r.Context(), userID, conversationID, req.Body, req.Attachments)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, msg)
}

type AckReadRequest struct {
	Seq int64 `json:"seq"`
}

type AckReadResponse struct {
	UnreadCount int64 `json:"unreadCount"`
}

func (a *API) AckReadHandler(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	conversationID := r.PathValue("id")

	var req AckReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	count, err := a.mgr.AckRead(r.Context(), userID, conversationID, req.Seq)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, AckReadResponse{UnreadCount: count})
}

// PollHandler is the polling fallback pull endpoint. Only sessions in
// Polling (or Degraded) state may use it; it is idempotent for a given
// sinceSequence.
func (a *API) PollHandler(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())

	sessionID := r.URL.Query().Get("session")
	conversationID := r.URL.Query().Get("conversation")
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	sess, ok := a.mgr.Lookup(sessionID)
	if !ok || sess.UserID != userID {
		http.Error(w, "Unknown session", http.StatusConflict)
		return
	}

	result, err := a.mgr.Poll(r.Context(), sessionID, conversationID, since)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, result)
}
