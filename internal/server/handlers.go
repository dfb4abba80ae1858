package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/collabhub/internal/realtime"
	"github.com/Tyrowin/collabhub/internal/store"
)

const (
	roleMaster      = "master"
	roleCoordinator = "coordenador"

	readyTimeout = 2 * time.Second
	maxBodyBytes = 64 << 10
)

type identityKey struct{}

// WebSocketHandler upgrades the request and runs a session until it ends. The
// token comes from the path, an Authorization bearer header or ?token=.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	token := requestToken(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	realtime.PrepareSocket(ws, s.cfg.MaxMessageSize, s.cfg.Realtime.PongWait, s.log)

	// The request context ends when the handler returns; the hub owns the
	// session lifetime from here.
	err = s.hub.ServeWS(context.WithoutCancel(r.Context()), ws, token)
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrAuthentication):
		s.log.Debug("websocket rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
	case errors.Is(err, realtime.ErrHubClosed):
		s.log.Debug("websocket refused during shutdown", zap.String("remote", r.RemoteAddr))
	default:
		s.log.Warn("websocket session ended with error", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}
}

func requestToken(r *http.Request) string {
	if token := r.PathValue("token"); token != "" {
		return token
	}
	if token := bearerToken(r); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// HealthHandler reports that the process is up.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("collabhub server is running"))
}

// ReadyHandler pings the store.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": s.hub.Online(r.Context())})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

type notificationRequest struct {
	UserID  int64          `json:"user_id"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Type    string         `json:"type"`
	Data    map[string]any `json:"data"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID <= 0 || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "user_id and title are required")
		return
	}
	delivered := s.hub.Notify(req.UserID, realtime.Notification{
		Title:   req.Title,
		Message: req.Message,
		Kind:    req.Type,
		Data:    req.Data,
	})
	writeJSON(w, http.StatusAccepted, map[string]bool{"delivered": delivered})
}

type updateMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	var req updateMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	caller := callerIdentity(r)
	msg, err := s.store.UpdateMessage(r.Context(), id, caller.UserID, content)
	if err != nil {
		s.writeStoreError(w, "update message", err)
		return
	}
	s.hub.MessageUpdated(msg)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	caller := callerIdentity(r)
	msg, err := s.store.DeleteMessage(r.Context(), id, caller.UserID, caller.Role == roleMaster)
	if err != nil {
		s.writeStoreError(w, "delete message", err)
		return
	}
	s.hub.MessageDeleted(msg)
	w.WriteHeader(http.StatusNoContent)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (s *Server) handleReaction(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	var req reactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	emoji := strings.TrimSpace(req.Emoji)
	if emoji == "" {
		writeError(w, http.StatusBadRequest, "emoji is required")
		return
	}

	caller := callerIdentity(r)
	res, err := s.store.ToggleReaction(r.Context(), id, caller.UserID, emoji)
	if err != nil {
		s.writeStoreError(w, "toggle reaction", err)
		return
	}
	s.hub.ReactionUpdated(res, caller.DisplayName(), emoji)
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": id,
		"action":     res.Action,
		"reactions":  res.Reactions,
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, store.ErrForbidden):
		writeError(w, http.StatusForbidden, "not allowed to modify this message")
	default:
		s.log.Error(op, zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// authenticated rejects requests without a valid bearer token and, when roles
// are given, callers whose role is not among them.
func (s *Server) authenticated(next http.HandlerFunc, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.log.Debug("api token rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if len(roles) > 0 && !hasRole(identity.Role, roles) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func hasRole(role string, allowed []string) bool {
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}

func callerIdentity(r *http.Request) realtime.Identity {
	identity, _ := r.Context().Value(identityKey{}).(realtime.Identity)
	return identity
}

func messageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newUpgrader(origins *originPolicy) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.checkOrigin,
	}
}
