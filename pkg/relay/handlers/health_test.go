package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/screenlive/relay/pkg/relay/config"
	"github.com/screenlive/relay/pkg/relay/lifecycle"
	"github.com/screenlive/relay/pkg/relay/pagecontext"
	"github.com/screenlive/relay/pkg/relay/sessions"
)

func validTestConfig() config.Config {
	return config.Config{
		Host:                 "localhost",
		Port:                 9083,
		APIKey:               "test-key",
		Model:                "gemini-2.0-flash-exp",
		UpstreamHost:         "example.invalid",
		MaxMessageBytes:      1 << 20,
		MaxSessions:          4,
		MaxSessionsPerClient: 2,
		HandshakeTimeout:     time.Second,
		WriteTimeout:         time.Second,
	}
}

func TestHealthHandler_OK(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestReadyHandler_ReportsOK(t *testing.T) {
	library := pagecontext.New(map[string]string{"a": "x", "b": "y"}, "")
	rec := httptest.NewRecorder()
	ReadyHandler{Config: validTestConfig(), Library: library}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK           bool `json:"ok"`
		Degraded     bool `json:"degraded"`
		ContextPages int  `json:"context_pages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Degraded {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.ContextPages != 2 {
		t.Fatalf("context_pages = %d", resp.ContextPages)
	}
}

func TestReadyHandler_FlagsMissingAPIKeyAsDegraded(t *testing.T) {
	cfg := validTestConfig()
	cfg.APIKey = ""
	rec := httptest.NewRecorder()
	ReadyHandler{Config: cfg}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		OK       bool `json:"ok"`
		Degraded bool `json:"degraded"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || !resp.Degraded {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestReadyHandler_ReportsConfigIssues(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadyHandler{Config: config.Config{}}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		OK     bool     `json:"ok"`
		Issues []string `json:"issues"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || len(resp.Issues) == 0 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestIndexHandler_ServesStatusCard(t *testing.T) {
	state := lifecycle.NewState()
	tracker := sessions.NewTracker(sessions.Limits{})
	rec := httptest.NewRecorder()
	IndexHandler{
		Config:    validTestConfig(),
		Lifecycle: state,
		Sessions:  tracker,
	}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Service  string `json:"service"`
		Model    string `json:"model"`
		Endpoint string `json:"endpoint"`
		Draining bool   `json:"draining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Service != "screen-relay" || resp.Endpoint != "/ws" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Model != "gemini-2.0-flash-exp" {
		t.Fatalf("model = %q", resp.Model)
	}
}

func TestIndexHandler_UnknownPathIs404(t *testing.T) {
	rec := httptest.NewRecorder()
	IndexHandler{Config: validTestConfig()}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Type != "not_found_error" {
		t.Fatalf("error type = %q", envelope.Error.Type)
	}
}
