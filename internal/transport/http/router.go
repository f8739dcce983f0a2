package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"e2ee-chat/internal/authz"
	"e2ee-chat/internal/domain"
	"e2ee-chat/internal/dto"
	"e2ee-chat/internal/observability/metrics"
	"e2ee-chat/internal/registry"
	"e2ee-chat/internal/service"
	"e2ee-chat/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	store          *store.Store
	authn          authz.Authenticator
	fanout         *service.Fanout
	router         *service.Router
	presence       *service.Presence
	historyMax     int
	wsWriteTimeout time.Duration
}

type Options struct {
	Store          *store.Store
	Authenticator  authz.Authenticator
	Fanout         *service.Fanout
	Router         *service.Router
	Presence       *service.Presence
	CORSOrigins    []string
	RateLimitRPM   int
	HistoryPageMax int
	WSWriteTimeout time.Duration
}

func NewRouter(opts Options) http.Handler {
	if opts.HistoryPageMax <= 0 {
		opts.HistoryPageMax = 50
	}
	if opts.WSWriteTimeout <= 0 {
		opts.WSWriteTimeout = 10 * time.Second
	}
	if opts.RateLimitRPM <= 0 {
		opts.RateLimitRPM = 300
	}
	h := &Handler{
		store:          opts.Store,
		authn:          opts.Authenticator,
		fanout:         opts.Fanout,
		router:         opts.Router,
		presence:       opts.Presence,
		historyMax:     opts.HistoryPageMax,
		wsWriteTimeout: opts.WSWriteTimeout,
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(httprate.LimitByIP(opts.RateLimitRPM, 1*time.Minute))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// The websocket path authenticates itself and hijacks the connection,
	// so it stays outside the request-timeout group.
	r.Get("/ws", h.handleWS)

	r.Group(func(pr chi.Router) {
		pr.Use(chimw.Timeout(30 * time.Second))
		pr.Use(h.requireAuth)
		pr.Get("/conversations", h.handleConversations)
		pr.Get("/conversations/{peerID}", h.handleConversation)
		pr.Get("/conversations/{peerID}/unread", h.handleUnread)
		pr.Post("/messages", h.handleSend)
	})

	return r
}

type principalKey struct{}

func principalFrom(ctx context.Context) (authz.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(authz.Principal)
	return p, ok
}

// bearerToken pulls the session credential from the Authorization header,
// falling back to the `token` query parameter for browser websocket clients
// that cannot set headers during the upgrade.
func bearerToken(r *http.Request) string {
	raw := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		return strings.TrimSpace(raw[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := h.authenticate(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

// authenticate validates the credential and fills in the username from the
// user store when the issuer did not embed it.
func (h *Handler) authenticate(r *http.Request) (authz.Principal, error) {
	principal, err := h.authn.Authenticate(bearerToken(r))
	if err != nil {
		return authz.Principal{}, err
	}
	if principal.Username == "" {
		user, err := h.store.Users().GetByID(r.Context(), principal.ID)
		if err == nil {
			principal.Username = user.Username
		} else if !errors.Is(err, domain.ErrUserNotFound) {
			return authz.Principal{}, err
		}
	}
	return principal, nil
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrMissingToken):
		http.Error(w, "missing token", http.StatusUnauthorized)
	case errors.Is(err, authz.ErrTokenExpired):
		http.Error(w, "token expired", http.StatusUnauthorized)
	case errors.Is(err, authz.ErrInvalidToken):
		http.Error(w, "invalid token", http.StatusUnauthorized)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// ---- websocket session ----

type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type sendMessageRequest struct {
	RecipientID string `json:"recipientId"`
	Ciphertext  string `json:"ciphertext"`
}

type typingRequest struct {
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

type markAsReadRequest struct {
	MessageID string `json:"messageId"`
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	principal, err := h.authenticate(r)
	if err != nil {
		metrics.WSConnectionsTotal.WithLabelValues("refused").Inc()
		writeAuthError(w, err)
		return
	}

	ws, err := acceptWebSocket(w, r, h.wsWriteTimeout)
	if err != nil {
		metrics.WSConnectionsTotal.WithLabelValues("refused").Inc()
		slog.Warn("ws handshake failed", "error", err)
		return
	}
	defer ws.close()

	metrics.WSConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.WSConnectionsActive.WithLabelValues().Inc()
	defer metrics.WSConnectionsActive.WithLabelValues().Dec()

	slog.Info("connection opened", "identity_id", principal.ID, "username", principal.Username, "conn_id", ws.ID())

	h.presence.ConnectionOpened(principal, ws)
	defer func() {
		h.presence.ConnectionClosed(principal.ID, ws.ID())
		slog.Info("connection closed", "identity_id", principal.ID, "conn_id", ws.ID())
	}()

	// Persistence must outlive the connection: a client that disconnects
	// mid-send still gets its message stored.
	ctx := context.WithoutCancel(r.Context())

	for {
		payload, err := ws.ReadText()
		if err != nil {
			return
		}
		h.dispatch(ctx, principal, ws, payload)
	}
}

func (h *Handler) dispatch(ctx context.Context, principal authz.Principal, conn registry.Conn, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Debug("invalid client frame", "identity_id", principal.ID, "error", err)
		return
	}

	switch env.Type {
	case dto.EventSendMessage:
		var req sendMessageRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return
		}
		recipientID, err := uuid.Parse(req.RecipientID)
		if err != nil {
			_ = conn.Send(dto.Event{Type: dto.EventError, Payload: dto.ErrorPayload{Message: "invalid recipient"}})
			return
		}
		if _, err := h.fanout.Send(ctx, principal, recipientID, req.Ciphertext, conn); err != nil {
			slog.Error("send failed", "identity_id", principal.ID, "recipient_id", recipientID, "error", err)
			_ = conn.Send(dto.Event{Type: dto.EventError, Payload: dto.ErrorPayload{Message: "failed to send message"}})
		}

	case dto.EventTyping:
		var req typingRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return
		}
		recipientID, err := uuid.Parse(req.RecipientID)
		if err != nil {
			return
		}
		h.router.RouteTyping(principal, recipientID, req.IsTyping)

	case dto.EventMarkAsRead:
		var req markAsReadRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return
		}
		messageID, err := uuid.Parse(req.MessageID)
		if err != nil {
			return
		}
		if err := h.fanout.MarkAsRead(ctx, messageID, principal); err != nil {
			slog.Error("mark as read failed", "message_id", messageID, "error", err)
		}

	default:
		slog.Debug("unknown client event", "type", env.Type, "identity_id", principal.ID)
	}
}

// ---- REST read paths ----

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		http.Error(w, "invalid recipientId", http.StatusBadRequest)
		return
	}
	msg, err := h.fanout.Send(r.Context(), principal, recipientID, req.Ciphertext, nil)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleConversation(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	peerID, err := uuid.Parse(chi.URLParam(r, "peerID"))
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}

	limit := h.historyMax
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	msgs, err := h.store.Messages().Conversation(r.Context(), principal.ID, peerID, limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	usernames, err := h.store.Users().UsernamesByID(r.Context(), []uuid.UUID{principal.ID, peerID})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]dto.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, dto.Message{
			ID:             m.ID.String(),
			SenderID:       m.SenderID.String(),
			SenderUsername: usernames[m.SenderID],
			RecipientID:    m.RecipientID.String(),
			Ciphertext:     string(m.Ciphertext),
			CreatedAt:      m.CreatedAt,
			IsRead:         m.IsRead,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	peerID, err := uuid.Parse(chi.URLParam(r, "peerID"))
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}
	count, err := h.store.Messages().UnreadCount(r.Context(), principal.ID, peerID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	last, unread, err := h.store.Messages().Overview(r.Context(), principal.ID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	peers := make([]uuid.UUID, 0, len(last))
	for _, m := range last {
		peer := m.SenderID
		if peer == principal.ID {
			peer = m.RecipientID
		}
		peers = append(peers, peer)
	}
	usernames, err := h.store.Users().UsernamesByID(r.Context(), peers)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]dto.Conversation, 0, len(last))
	for i, m := range last {
		out = append(out, dto.Conversation{
			UserID:          peers[i].String(),
			Username:        usernames[peers[i]],
			LastMessage:     string(m.Ciphertext),
			LastMessageTime: m.CreatedAt,
			UnreadCount:     unread[peers[i]],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
