package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/screenlive/relay/pkg/relay/config"
	"github.com/screenlive/relay/pkg/relay/core"
	"github.com/screenlive/relay/pkg/relay/lifecycle"
	"github.com/screenlive/relay/pkg/relay/sessions"
)

// IndexHandler serves the service card on "/" and forwards upgrade requests
// to the live endpoint, so clients may connect on either / or /ws.
type IndexHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.State
	Sessions  *sessions.Tracker
	Live      LiveHandler
}

func (h IndexHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		reqID := requestIDFromContext(r.Context())
		writeErrorJSON(w, reqID, core.NewNotFoundError(fmt.Sprintf("no route for %s", r.URL.Path)), http.StatusNotFound)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		h.Live.ServeHTTP(w, r)
		return
	}

	type statusResp struct {
		Service        string  `json:"service"`
		Model          string  `json:"model"`
		Endpoint       string  `json:"endpoint"`
		ActiveSessions int     `json:"active_sessions"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Draining       bool    `json:"draining"`
	}
	resp := statusResp{
		Service:  "screen-relay",
		Model:    h.Config.Model,
		Endpoint: "/ws",
	}
	if h.Lifecycle != nil {
		resp.UptimeSeconds = h.Lifecycle.Uptime().Seconds()
		resp.Draining = h.Lifecycle.IsDraining()
	}
	if h.Sessions != nil {
		resp.ActiveSessions = h.Sessions.Count()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
