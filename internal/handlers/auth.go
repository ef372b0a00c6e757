package handlers

import (
	"net/http"
	"time"

	"github.com/pliu/chatty-rooms/internal/apperr"
	"github.com/pliu/chatty-rooms/internal/auth"
	"github.com/pliu/chatty-rooms/internal/identity"
	"github.com/pliu/chatty-rooms/internal/middleware"
	"go.uber.org/zap"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthHandler struct {
	Identity *identity.Service
	Log      *zap.Logger
	// SessionTTL bounds the session cookie; it matches the token lifetime.
	SessionTTL time.Duration
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	type SignupRequest struct {
		Credentials
		Email string `json:"email"`
	}

	var req SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, r, err)
		return
	}

	session, err := h.Identity.Register(r.Context(), req.Username, req.Password, req.Email)
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	h.setSessionCookie(w, session.Token)
	writeJSON(w, http.StatusCreated, session)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decodeJSON(r, &creds); err != nil {
		writeError(w, h.Log, r, err)
		return
	}

	session, err := h.Identity.Authenticate(r.Context(), creds.Username, creds.Password)
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	h.setSessionCookie(w, session.Token)
	writeJSON(w, http.StatusOK, session)
}

// Me returns the caller's identity. The route requires authentication.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		writeError(w, h.Log, r, apperr.Unauthorized("Login required"))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// The cookie lets browser websocket clients authenticate without a header.
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
