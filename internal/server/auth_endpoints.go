package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/treefix50/playsync/internal/auth"
)

const authCookieName = "auth_token"

type authResponse struct {
	User    *auth.User `json:"user"`
	Token   string     `json:"token"`
	Message string     `json:"message"`
}

// setAuthCookie sets the session cookie. A negative maxAge deletes it.
func (s *Server) setAuthCookie(w http.ResponseWriter, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// handleAuthRegister creates an account and logs it in
func (s *Server) handleAuthRegister(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, "bad request", http.StatusBadRequest)
		return
	}

	user, token, err := s.auth.Register(r.Context(), payload.Name, payload.Email, payload.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, auth.ErrUserExists):
			writeError(w, "email already registered", http.StatusConflict)
		default:
			s.log.Error(err, "register failed")
			writeError(w, errInternal, http.StatusInternalServerError)
		}
		return
	}

	s.log.Info("user registered", "user_id", user.ID)
	s.setAuthCookie(w, token, int(s.auth.TokenTTL()/time.Second))
	writeJSON(w, authResponse{User: user, Token: token, Message: "Registration successful"})
}

// handleAuthLogin handles user login
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if ok, wait := s.limiter.Allow(clientAddr(r)); !ok {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(wait.Seconds()))))
		writeError(w, "too many login attempts", http.StatusTooManyRequests)
		return
	}

	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, "bad request", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(payload.Email) == "" || payload.Password == "" {
		writeError(w, "email and password are required", http.StatusBadRequest)
		return
	}

	user, token, err := s.auth.Login(r.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		s.log.Error(err, "login failed")
		writeError(w, errInternal, http.StatusInternalServerError)
		return
	}

	s.setAuthCookie(w, token, int(s.auth.TokenTTL()/time.Second))
	writeJSON(w, authResponse{User: user, Token: token, Message: "Login successful"})
}

// handleAuthLogout clears the auth cookie. Tokens stay valid until they
// expire.
func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	s.setAuthCookie(w, "", -1)
	writeJSON(w, map[string]string{"message": "Logout successful"})
}

// handleAuthMe returns the authenticated user
func (s *Server) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	user, err := s.auth.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, "user not found", http.StatusUnauthorized)
			return
		}
		writeError(w, errInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, user)
}

// authenticate writes a 401 and reports false when the request carries no
// valid token.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, err := s.requireAuth(r)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			writeError(w, "token expired", http.StatusUnauthorized)
		} else {
			writeError(w, "authentication required", http.StatusUnauthorized)
		}
		return "", false
	}
	return claims.UserID(), true
}

// requireAuth validates the token and returns its claims
func (s *Server) requireAuth(r *http.Request) (*auth.Claims, error) {
	if s.auth == nil {
		return nil, auth.ErrInvalidToken
	}

	token := extractToken(r)
	if token == "" {
		return nil, auth.ErrInvalidToken
	}

	return s.auth.Verify(token)
}

// extractToken reads the token from the auth cookie, the Authorization
// header, or the access_token query parameter. Browsers cannot set headers
// on a websocket upgrade, hence the last one.
func extractToken(r *http.Request) string {
	if c, err := r.Cookie(authCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return strings.TrimSpace(parts[1])
		}
	}

	return r.URL.Query().Get("access_token")
}
