package user

import (
	"net/http"

	"github.com/rs/zerolog"

	"dmchat/internal/respond"
)

type Handler struct {
	Service *Service
	logger  zerolog.Logger
}

func NewHandler(s *Service, logger zerolog.Logger) *Handler {
	return &Handler{Service: s, logger: logger}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}

	u, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}

	respond.JSON(w, http.StatusCreated, u)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}

	respond.JSON(w, http.StatusOK, res)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Service.SearchUsers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, users)
}
