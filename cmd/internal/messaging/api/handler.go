// Package messagingapi exposes the conversation and messaging core over HTTP.
package messagingapi

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"workkap/cmd/internal/auth"
	"workkap/cmd/internal/messaging"
)

const defaultMaxBodyBytes = 64 << 10 // 64 KiB

// TokenVerifier validates an access token and returns its claims.
type TokenVerifier interface {
	Verify(token string, now time.Time) (auth.AccessClaims, error)
}

// Handler wires the messaging HTTP endpoints to the service layer.
type Handler struct {
	log      *slog.Logger
	svc      *messaging.Service
	query    *messaging.QueryService
	verifier TokenVerifier

	maxBodyBytes int64
}

// HandlerOption configures optional handler behavior.
type HandlerOption func(*Handler)

// WithMaxBodyBytes overrides the request body size limit.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if h == nil || n <= 0 {
			return
		}
		h.maxBodyBytes = n
	}
}

// NewHandler constructs the messaging Handler.
func NewHandler(log *slog.Logger, svc *messaging.Service, query *messaging.QueryService, verifier TokenVerifier, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:          log,
		svc:          svc,
		query:        query,
		verifier:     verifier,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h
}

// Register wires messaging routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /v1/messages/with/{otherUserID}", h.handleMessagesWith)
	mux.HandleFunc("GET /v1/conversations", h.handleListConversations)
	mux.HandleFunc("POST /v1/conversations", h.handleStartConversation)
	mux.HandleFunc("POST /v1/messages", h.handleSendMessage)
	mux.HandleFunc("POST /v1/conversations/read", h.handleMarkRead)
}

// ---- handlers ----

func (h *Handler) handleMessagesWith(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()

	// Omitting both page and limit fetches the full history; the service
	// rejects any other incomplete or out-of-range combination.
	page, ok := queryInt(w, q, "page")
	if !ok {
		return
	}
	limit, ok := queryInt(w, q, "limit")
	if !ok {
		return
	}

	markRead := true
	if v := strings.TrimSpace(q.Get("markRead")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			markRead = b
		}
	}

	pageOut, err := h.svc.GetConversationBetween(r.Context(), messaging.BetweenInput{
		SelfRef:       claims.UserID,
		OtherRef:      strings.TrimSpace(r.PathValue("otherUserID")),
		ContextKey:    strings.TrimSpace(q.Get("contextKey")),
		Page:          page,
		Limit:         limit,
		MarkRead:      markRead,
		CorrelationID: r.Header.Get("X-Request-Id"),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageOut)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	list, err := h.query.ListConversations(r.Context(), claims.UserID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req startConversationRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	conv, err := h.svc.StartConversation(r.Context(),
		claims.UserID,
		strings.TrimSpace(req.OtherUserID),
		req.ContextKey,
		strings.TrimSpace(req.Topic),
	)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversationId is required")
		return
	}

	msg, err := h.svc.Send(r.Context(), messaging.SendInput{
		ConversationID: strings.TrimSpace(req.ConversationID),
		SenderID:       claims.UserID,
		Content:        req.Content,
		Attachments:    req.Attachments,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req markReadRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversationId is required")
		return
	}

	unread, err := h.svc.MarkRead(r.Context(), strings.TrimSpace(req.ConversationID), claims.UserID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{UnreadCount: unread})
}

// ---- auth ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (auth.AccessClaims, bool) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return auth.AccessClaims{}, false
	}

	claims, err := h.verifier.Verify(token, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return auth.AccessClaims{}, false
	}
	return claims, true
}

func bearerToken(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(raw[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// ---- error mapping ----

// writeServiceError maps service error kinds onto HTTP statuses in one place.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch messaging.Kind(err) {
	case messaging.ErrInvalidInput:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case messaging.ErrForbidden:
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
	case messaging.ErrNotFound:
		writeError(w, http.StatusNotFound, "not_found", "no such conversation or user")
	case messaging.ErrConflict:
		writeError(w, http.StatusConflict, "conflict", "conflicting conversation state")
	case messaging.ErrUnavailable:
		writeError(w, http.StatusServiceUnavailable, "unavailable", "storage unavailable")
	default:
		h.log.Error("messaging.api.internal", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// queryInt parses an optional integer query parameter. An absent parameter
// is 0; a malformed one writes a 400 and reports !ok.
func queryInt(w http.ResponseWriter, q url.Values, name string) (int, bool) {
	s := strings.TrimSpace(q.Get(name))
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", name+" must be an integer")
		return 0, false
	}
	return n, true
}
