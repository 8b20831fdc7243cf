package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/screenlive/relay/pkg/relay/config"
	"github.com/screenlive/relay/pkg/relay/pagecontext"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config  config.Config
	Library *pagecontext.Library
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK           bool     `json:"ok"`
		Model        string   `json:"model"`
		Degraded     bool     `json:"degraded"`
		ContextPages int      `json:"context_pages"`
		Issues       []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if strings.TrimSpace(h.Config.Model) == "" {
		issues = append(issues, "model is not configured")
	}
	if strings.TrimSpace(h.Config.UpstreamHost) == "" {
		issues = append(issues, "upstream host is not configured")
	}
	if h.Config.MaxMessageBytes <= 0 {
		issues = append(issues, "max message bytes must be > 0")
	}
	if h.Config.HandshakeTimeout <= 0 || h.Config.WriteTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}
	if h.Config.MaxSessions <= 0 || h.Config.MaxSessionsPerClient <= 0 {
		issues = append(issues, "session caps must be > 0")
	}

	pages := 0
	if h.Library != nil {
		pages = h.Library.Len()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:           ok,
		Model:        h.Config.Model,
		Degraded:     strings.TrimSpace(h.Config.APIKey) == "",
		ContextPages: pages,
		Issues:       issues,
	})
}
