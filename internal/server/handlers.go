// Package server exposes the HTTP surface: WebSocket upgrade endpoints,
// login, chat history, and the health check.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/hivedesk/hivechat/internal/auth"
)

// Server binds the chat core to its HTTP endpoints.
type Server struct {
	cfg       Config
	hub       *Hub
	router    *Router
	tokens    *auth.Tokens
	directory Directory
	messages  MessageStore
	upgrader  websocket.Upgrader
	validate  *validator.Validate
	log       *slog.Logger
}

// NewServer wires the handlers against the hub, router, stores, and token
// authority.
func NewServer(cfg Config, hub *Hub, router *Router, tokens *auth.Tokens, directory Directory, messages MessageStore, log *slog.Logger) *Server {
	origins := newOriginChecker(cfg.AllowedOrigins, log)
	return &Server{
		cfg:       cfg,
		hub:       hub,
		router:    router,
		tokens:    tokens,
		directory: directory,
		messages:  messages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		validate: validator.New(),
		log:      log,
	}
}

// HealthHandler reports that the service is up.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("HiveChat server is running!"))
}

// PersonalChatHandler upgrades a personal chat connection. The bearer token
// travels as a query parameter because the browser WebSocket API cannot set
// custom headers on the handshake. A bad token closes the socket with
// policy-violation before the connection is ever registered.
func (s *Server) PersonalChatHandler(w http.ResponseWriter, r *http.Request) {
	s.serveChat(w, r, PersonalScope())
}

// WorkspaceChatHandler upgrades a workspace chat connection. On top of the
// token check, the connecting user must already be a member of the workspace
// named in the path.
func (s *Server) WorkspaceChatHandler(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := strconv.ParseInt(r.PathValue("workspace"), 10, 64)
	if err != nil || workspaceID <= 0 {
		http.Error(w, "invalid workspace id", http.StatusBadRequest)
		return
	}
	s.serveChat(w, r, WorkspaceScope(workspaceID))
}

func (s *Server) serveChat(w http.ResponseWriter, r *http.Request, scope Scope) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	claims, err := s.tokens.Validate(r.URL.Query().Get("token"))
	if err != nil {
		s.closeBeforeRegister(conn, "invalid token")
		return
	}

	if !scope.Personal() {
		member, err := s.directory.IsMember(r.Context(), scope.WorkspaceID, claims.UserID)
		if err != nil {
			s.log.Error("membership check failed at connect", "workspace", scope.WorkspaceID, "error", err)
			s.closeBeforeRegister(conn, "membership check failed")
			return
		}
		if !member {
			s.closeBeforeRegister(conn, "not a workspace member")
			return
		}
	}

	client := NewClient(conn, s.hub, s.router, claims.UserID, scope, r.RemoteAddr, s.cfg, s.log)

	// Pumps start only after the hub has accepted the registration.
	s.hub.Register(client)
	client.start()
}

// closeBeforeRegister rejects a connection that never made it past the
// gate: a close frame with a distinct reason, then teardown. No frame
// exchange happens and nothing is registered.
func (s *Server) closeBeforeRegister(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		s.log.Warn("error writing rejection close message", "error", err)
	}
	_ = conn.Close()
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID int64  `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// LoginHandler verifies email/password against the directory and issues a
// bearer token for the chat endpoints.
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, "email and password are required", http.StatusBadRequest)
		return
	}

	user, err := s.directory.UserByEmail(r.Context(), req.Email)
	if err != nil {
		// Same response for unknown user and bad password.
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	match, err := auth.ComparePassword(req.Password, user.PasswordHash)
	if err != nil || !match {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		s.log.Error("issuing token failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, loginResponse{
		Token:  token,
		UserID: user.ID,
		Name:   user.Name,
		Email:  user.Email,
	})
}

// DirectHistoryHandler returns the direct-message history between the caller
// and the user in the path, newest first, cursor-paginated.
func (s *Server) DirectHistoryHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorizeRequest(w, r)
	if !ok {
		return
	}

	otherID, err := strconv.ParseInt(r.PathValue("user"), 10, 64)
	if err != nil || otherID <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	limit, cursor := s.pageParams(r)
	messages, next, err := s.messages.DirectHistory(claims.UserID, otherID, limit, cursor)
	if err != nil {
		s.log.Error("direct history query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"messages":   messages,
		"nextCursor": next,
	})
}

// WorkspaceHistoryHandler returns a workspace's message history. The caller
// must be a member.
func (s *Server) WorkspaceHistoryHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorizeRequest(w, r)
	if !ok {
		return
	}

	workspaceID, err := strconv.ParseInt(r.PathValue("workspace"), 10, 64)
	if err != nil || workspaceID <= 0 {
		http.Error(w, "invalid workspace id", http.StatusBadRequest)
		return
	}

	member, err := s.directory.IsMember(r.Context(), workspaceID, claims.UserID)
	if err != nil {
		s.log.Error("membership check failed", "workspace", workspaceID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "not a workspace member", http.StatusForbidden)
		return
	}

	limit, cursor := s.pageParams(r)
	messages, next, err := s.messages.WorkspaceHistory(workspaceID, limit, cursor)
	if err != nil {
		s.log.Error("workspace history query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"messages":   messages,
		"nextCursor": next,
	})
}

// authorizeRequest resolves the bearer token on a plain HTTP request.
func (s *Server) authorizeRequest(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	claims, err := s.tokens.Validate(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

func (s *Server) pageParams(r *http.Request) (int, *string) {
	limit := s.cfg.HistoryPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= s.cfg.HistoryPageSize {
			limit = parsed
		}
	}

	var cursor *string
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor = &raw
	}
	return limit, cursor
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && !errors.Is(err, http.ErrBodyNotAllowed) {
		s.log.Error("error writing JSON response", "error", err)
	}
}
