package api

import (
	"errors"
	"net/http"

	"github.com/harun/agentrt/pkg/auth"
)

type loginRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := a.auth.Login(w, r, req.User, req.Password)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user":       sess.User,
		"csrf_token": sess.CSRFToken,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.auth.Logout(w, r)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleCSRFToken returns the session's CSRF token, issuing an anonymous
// session when no credentials are configured.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	sess, err := a.auth.EnsureSession(w, r)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":  sess.CSRFToken,
		"header": auth.CSRFHeader,
	})
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	token := a.auth.APIToken()
	if token == "" {
		writeError(w, http.StatusNotFound, errors.New("no API token configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
