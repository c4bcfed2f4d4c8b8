package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	myMiddleware "dmchat/internal/middleware"
	"dmchat/internal/respond"
)

const commandTimeout = 5 * time.Second

type Handler struct {
	svc      *Service
	hub      *Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandler(svc *Service, hub *Hub, allowedOrigins []string, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		hub:      hub,
		upgrader: newUpgrader(allowedOrigins),
		logger:   logger.With().Str("component", "chat_http").Logger(),
	}
}

// newUpgrader only accepts upgrades from the configured origins. Requests without an
// Origin header come from non-browser clients and are allowed.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		},
	}
}

// Routes mounts the authenticated REST API on r. The websocket endpoint is mounted
// separately so it stays outside request timeouts.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", h.ListConversations)
		r.Post("/", h.StartConversation)
		r.Get("/{conversationID}/messages", h.GetChatHistory)
	})

	r.Route("/api/messages", func(r chi.Router) {
		r.Post("/", h.SendMessage)
		r.Get("/poll", h.PollNew)
		r.Put("/{messageID}/delivered", h.MarkDelivered)
		r.Put("/{messageID}/read", h.MarkRead)
		r.Delete("/{messageID}", h.DeleteMessage)
	})
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	req.SenderID = myMiddleware.UserID(r.Context())

	msg, err := h.svc.SendMessage(r.Context(), req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusCreated, msg)
}

type startConversationRequest struct {
	UserID  string `json:"user_id"`
	IsGroup bool   `json:"is_group"`
}

// StartConversation finds or creates the caller's conversation with another user.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}

	conv, err := h.svc.ResolveConversation(r.Context(), myMiddleware.UserID(r.Context()), req.UserID, req.IsGroup)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, conv)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.svc.ListConversations(r.Context(), myMiddleware.UserID(r.Context()))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, convs)
}

func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.History(r.Context(), chi.URLParam(r, "conversationID"), myMiddleware.UserID(r.Context()))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, msgs)
}

func (h *Handler) PollNew(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.PollNew(r.Context(), myMiddleware.UserID(r.Context()))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, msgs)
}

func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.MarkDelivered(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, msg)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.MarkRead(r.Context(), chi.URLParam(r, "messageID"), myMiddleware.UserID(r.Context()))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, msg)
}

// DeleteMessage handles DELETE /api/messages/{id}?scope=me|everyone (default me).
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	userID := myMiddleware.UserID(r.Context())

	var err error
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", "me":
		err = h.svc.DeleteForMe(r.Context(), messageID, userID)
	case "everyone":
		err = h.svc.DeleteForEveryone(r.Context(), messageID, userID)
	default:
		respond.JSON(w, http.StatusBadRequest, map[string]string{
			"code":  "INVALID_ARGUMENT",
			"error": "scope must be me or everyone",
		})
		return
	}
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeWs upgrades the connection and streams the caller's events. Clients may
// acknowledge delivery and reads over the same socket.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID := myMiddleware.UserID(r.Context())
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		Hub:    h.hub,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		UserID: userID,
	}
	client.OnCommand = func(cmd WSCommand) { h.handleCommand(userID, cmd) }

	if !h.hub.register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) handleCommand(userID string, cmd WSCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch cmd.Type {
	case "delivered":
		_, err = h.svc.MarkDelivered(ctx, cmd.MessageID)
	case "read":
		_, err = h.svc.MarkRead(ctx, cmd.MessageID, userID)
	default:
		h.logger.Debug().Str("type", cmd.Type).Str("user_id", userID).Msg("unknown websocket command")
		return
	}
	if err != nil {
		h.logger.Debug().Err(err).Str("type", cmd.Type).Str("message_id", cmd.MessageID).Msg("websocket command failed")
	}
}
