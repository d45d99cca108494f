package handler

import (
	"net/http"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/service"
)

// UserHandler handles login.
type UserHandler struct {
	users *service.UserService
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(users *service.UserService) *UserHandler {
	return &UserHandler{users: users}
}

// Login provisions the user on first sight and returns the session.
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}

	resp, err := h.users.Login(r.Context(), &req)
	if err != nil {
		handleError(w, err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, resp)
}
