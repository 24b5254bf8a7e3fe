package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/burrowhq/burrow/internal/store"
)

// domainPattern is the allowed shape of a tunnel domain: a DNS label,
// 1-63 chars, no leading hyphen.
var domainPattern = regexp.MustCompile(`^[a-zA-Z0-9][-a-zA-Z0-9]{0,62}$`)

// Bodies shown by the logs endpoint are clipped to keep responses small.
const logDisplayLimit = 500

func (srv *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(srv.cfg.WSPath, srv.handleTunnelSocket)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/info", srv.handleInfo).Methods(http.MethodGet)
	api.HandleFunc("/tunnels", srv.handleCreateTunnel).Methods(http.MethodPost)
	api.HandleFunc("/tunnels", srv.requireAdmin(srv.handleListTunnels)).Methods(http.MethodGet)
	api.HandleFunc("/tunnels/check-availability", srv.handleCheckAvailability).Methods(http.MethodGet)
	api.HandleFunc("/tunnels/{domain}", srv.requireAdmin(srv.handleGetTunnel)).Methods(http.MethodGet)
	api.HandleFunc("/tunnels/{domain}", srv.requireAdmin(srv.handleUpdateTunnel)).Methods(http.MethodPut)
	api.HandleFunc("/tunnels/{domain}", srv.handleDeleteTunnel).Methods(http.MethodDelete)
	api.HandleFunc("/tunnels/{domain}/regenerate-token", srv.requireAdmin(srv.handleRegenerateToken)).Methods(http.MethodPost)
	api.HandleFunc("/tunnels/{domain}/forward", srv.handleAPIForward).Methods(http.MethodPost)
	api.HandleFunc("/tunnels/{domain}/logs", srv.requireAdmin(srv.handleLogs)).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func apiContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 10*time.Second)
}

type tunnelInfo struct {
	Domain          string  `json:"domain"`
	Name            string  `json:"name,omitempty"`
	Description     string  `json:"description,omitempty"`
	Mode            string  `json:"mode"`
	Enabled         bool    `json:"enabled"`
	Connected       bool    `json:"connected"`
	CreatedAt       string  `json:"created_at"`
	LastConnectedAt *string `json:"last_connected_at"`
	TotalRequests   int64   `json:"total_requests"`
}

func (srv *Server) tunnelInfo(t *store.Tunnel) tunnelInfo {
	info := tunnelInfo{
		Domain:        t.Domain,
		Name:          t.Name,
		Description:   t.Description,
		Mode:          t.Mode,
		Enabled:       t.Enabled,
		Connected:     srv.registry.IsConnected(t.Domain),
		CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339),
		TotalRequests: t.TotalRequests,
	}
	if t.LastConnectedAt != nil {
		ts := t.LastConnectedAt.UTC().Format(time.RFC3339)
		info.LastConnectedAt = &ts
	}
	return info
}

func (srv *Server) handleCreateTunnel(w http.ResponseWriter, r *http.Request) {
	if err := srv.checkCreateAuth(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req struct {
		Domain      string `json:"domain"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Mode        string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !domainPattern.MatchString(req.Domain) {
		writeError(w, http.StatusBadRequest, "Invalid domain name")
		return
	}
	if req.Mode != "" && req.Mode != store.ModeHTTP && req.Mode != store.ModeTCP {
		writeError(w, http.StatusBadRequest, "Invalid mode")
		return
	}

	ctx, cancel := apiContext(r)
	defer cancel()
	tun, err := srv.store.CreateTunnel(ctx, req.Domain, "", req.Mode, req.Name, req.Description)
	if errors.Is(err, store.ErrDomainTaken) {
		writeError(w, http.StatusConflict, "Domain already registered")
		return
	}
	if err != nil {
		srv.logger.Error("tunnel create failed", "domain", req.Domain, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"domain": tun.Domain,
		"token":  tun.Token,
		"name":   tun.Name,
	})
}

func (srv *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := apiContext(r)
	defer cancel()
	tunnels, err := srv.store.ListTunnels(ctx, false, 0, 0)
	if err != nil {
		srv.logger.Error("tunnel list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	infos := make([]tunnelInfo, 0, len(tunnels))
	for _, t := range tunnels {
		infos = append(infos, srv.tunnelInfo(t))
	}
	writeJSON(w, http.StatusOK, infos)
}

func (srv *Server) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if !domainPattern.MatchString(name) {
		writeJSON(w, http.StatusOK, map[string]any{
			"available": false, "name": name, "reason": "invalid domain name",
		})
		return
	}

	ctx, cancel := apiContext(r)
	defer cancel()
	_, err := srv.store.TunnelByDomain(ctx, name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"available": false, "name": name, "reason": "exists",
		})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusOK, map[string]any{"available": true, "name": name})
	default:
		srv.logger.Error("availability check failed", "name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

func (srv *Server) handleGetTunnel(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	ctx, cancel := apiContext(r)
	defer cancel()

	tun, err := srv.store.TunnelByDomain(ctx, domain)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	info := srv.tunnelInfo(tun)
	writeJSON(w, http.StatusOK, struct {
		tunnelInfo
		Token string `json:"token"`
	}{info, tun.Token})
}

func (srv *Server) handleUpdateTunnel(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]

	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Enabled     *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := apiContext(r)
	defer cancel()
	tun, err := srv.store.UpdateTunnel(ctx, domain, store.UpdateParams{
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled,
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	// Disabling a tunnel also disconnects its live session.
	if req.Enabled != nil && !*req.Enabled {
		if sess, ok := srv.registry.ByDomain(domain); ok {
			sess.Close(1000, "tunnel disabled")
		}
	}

	writeJSON(w, http.StatusOK, srv.tunnelInfo(tun))
}

// handleDeleteTunnel allows either the admin key or the tunnel's own
// token (x-tunnel-token) to authorize deletion.
func (srv *Server) handleDeleteTunnel(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	ctx, cancel := apiContext(r)
	defer cancel()

	tun, err := srv.store.TunnelByDomain(ctx, domain)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	ownToken := r.Header.Get("x-tunnel-token")
	if !srv.adminAuthorized(r) && (ownToken == "" || ownToken != tun.Token) {
		writeError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}

	if err := srv.store.DeleteTunnel(ctx, domain); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Tunnel not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if sess, ok := srv.registry.ByDomain(domain); ok {
		sess.Close(1000, "tunnel deleted")
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "domain": domain})
}

func (srv *Server) handleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	ctx, cancel := apiContext(r)
	defer cancel()

	token, err := srv.store.RegenerateToken(ctx, domain)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	// The old token no longer authenticates; drop any live session.
	if sess, ok := srv.registry.ByDomain(domain); ok {
		sess.Close(1000, "token regenerated")
	}

	writeJSON(w, http.StatusOK, map[string]string{"domain": domain, "token": token})
}

// handleAPIForward injects a request through the tunnel on behalf of an
// API caller. TCP-mode tunnels run the one-shot TCP dialog.
func (srv *Server) handleAPIForward(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]

	var req struct {
		Method  string            `json:"method"`
		Path    string            `json:"path"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
		Timeout float64           `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Path == "" {
		req.Path = "/"
	}
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	timeout := time.Duration(req.Timeout * float64(time.Second))

	ctx, cancel := apiContext(r)
	tun, err := srv.store.TunnelByDomain(ctx, domain)
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	var result *ForwardResult
	if tun.Mode == store.ModeTCP {
		result = srv.ForwardTCP(r.Context(), domain, []byte(req.Body), timeout)
	} else {
		result = srv.Forward(r.Context(), domain, req.Method, req.Path, req.Headers, req.Body, timeout)
	}
	writeJSON(w, http.StatusOK, result)
}

func (srv *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	ctx, cancel := apiContext(r)
	defer cancel()

	total, err := srv.store.CountLogs(ctx, domain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	logs, err := srv.store.RecentLogs(ctx, domain, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	type logEntry struct {
		ID             int64  `json:"id"`
		Method         string `json:"method"`
		Path           string `json:"path"`
		RequestBody    string `json:"request_body,omitempty"`
		ResponseStatus int    `json:"response_status"`
		ResponseBody   string `json:"response_body,omitempty"`
		Error          string `json:"error,omitempty"`
		DurationMS     int64  `json:"duration_ms"`
		CreatedAt      string `json:"created_at"`
	}
	entries := make([]logEntry, 0, len(logs))
	for _, l := range logs {
		entries = append(entries, logEntry{
			ID:             l.ID,
			Method:         l.Method,
			Path:           l.Path,
			RequestBody:    clip(l.RequestBody, logDisplayLimit),
			ResponseStatus: l.ResponseStatus,
			ResponseBody:   clip(l.ResponseBody, logDisplayLimit),
			Error:          l.Error,
			DurationMS:     l.DurationMS,
			CreatedAt:      l.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "logs": entries})
}

func (srv *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	creation := "open"
	if srv.cfg.JWTSecret != "" {
		creation = "jwt"
	}
	info := map[string]any{
		"name":    Name,
		"version": Version,
		"domain":  "{subdomain}." + srv.cfg.Domain,
		"ws_url":  srv.cfg.wsURL(),
		"auth": map[string]any{
			"tunnel_creation": creation,
			"admin_api":       srv.cfg.AdminAPIKey != "",
		},
	}
	if srv.cfg.Instruction != "" {
		info["instruction"] = srv.cfg.Instruction
	}
	writeJSON(w, http.StatusOK, info)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
