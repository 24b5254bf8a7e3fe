package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// adminAuthorized checks the x-api-key header. With no admin key
// configured the admin surface is open (local/dev setups).
func (srv *Server) adminAuthorized(r *http.Request) bool {
	if srv.cfg.AdminAPIKey == "" {
		return true
	}
	return r.Header.Get("x-api-key") == srv.cfg.AdminAPIKey
}

// requireAdmin wraps a handler behind the admin API key.
func (srv *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !srv.adminAuthorized(r) {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		next(w, r)
	}
}

// checkCreateAuth enforces the HS256 bearer requirement on tunnel
// creation. With no jwt_secret configured, creation is open.
func (srv *Server) checkCreateAuth(r *http.Request) error {
	if srv.cfg.JWTSecret == "" {
		return nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return errors.New("Authorization header required")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return errors.New("Invalid authorization header")
	}

	_, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		return []byte(srv.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return errors.New("Invalid or expired token")
	}
	return nil
}
