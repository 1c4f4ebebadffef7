package handler

import (
	"errors"
	"net/http"

	"agenda/internal/auth"
	"agenda/internal/logger"
)

type AuthHandler struct {
	Operators auth.Operators
	JWT       *auth.JWT
	Log       *logger.Logger
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if !decode(w, r, &req) {
		return
	}
	if auth.NormalizeEmail(req.Email) == "" || req.Password == "" {
		http.Error(w, "invalid input", http.StatusBadRequest)
		return
	}

	token, err := auth.Login(r.Context(), h.Operators, h.JWT, req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
	})
}
