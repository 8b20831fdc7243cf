package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/screenlive/relay/pkg/relay/core"
	"github.com/screenlive/relay/pkg/relay/mw"
)

// errorEnvelope is the JSON error body served on the HTTP side, before a
// connection is upgraded.
type errorEnvelope struct {
	Error *core.Error `json:"error"`
}

func writeErrorJSON(w http.ResponseWriter, reqID string, relayErr *core.Error, status int) {
	if relayErr != nil && relayErr.RequestID == "" {
		relayErr.RequestID = reqID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: relayErr})
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
