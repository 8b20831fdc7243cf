package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/screenlive/relay/pkg/relay/config"
	"github.com/screenlive/relay/pkg/relay/gemini"
	"github.com/screenlive/relay/pkg/relay/lifecycle"
	"github.com/screenlive/relay/pkg/relay/metrics"
	"github.com/screenlive/relay/pkg/relay/pagecontext"
	"github.com/screenlive/relay/pkg/relay/session"
	"github.com/screenlive/relay/pkg/relay/sessions"
)

type mediaRecord struct {
	mimeType string
	data     string
}

type fakeRelayUpstream struct {
	mu    sync.Mutex
	media []mediaRecord
	texts []string

	recv      chan *gemini.ServerMessage
	closeOnce sync.Once
}

func newFakeRelayUpstream() *fakeRelayUpstream {
	return &fakeRelayUpstream{recv: make(chan *gemini.ServerMessage, 16)}
}

func (f *fakeRelayUpstream) SendMediaChunk(mimeType, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, mediaRecord{mimeType: mimeType, data: data})
	return nil
}

func (f *fakeRelayUpstream) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeRelayUpstream) Receive() (*gemini.ServerMessage, error) {
	msg, ok := <-f.recv
	if !ok {
		return nil, gemini.ErrSessionClosed
	}
	return msg, nil
}

func (f *fakeRelayUpstream) Close() error {
	f.closeOnce.Do(func() { close(f.recv) })
	return nil
}

func (f *fakeRelayUpstream) mediaSnapshot() []mediaRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mediaRecord, len(f.media))
	copy(out, f.media)
	return out
}

type liveHarness struct {
	server    *httptest.Server
	tracker   *sessions.Tracker
	metrics   *metrics.Metrics
	lifecycle *lifecycle.State
	upstream  *fakeRelayUpstream
	dialOpts  chan gemini.Options
}

type liveTestOptions struct {
	dialErr        error
	library        *pagecontext.Library
	maxSessions    int
	maxPerClient   int
	allowedOrigins []string
	draining       bool
}

func newLiveTestServer(t *testing.T, opts liveTestOptions) (*liveHarness, string) {
	t.Helper()

	cfg := config.Config{
		Host:                   "localhost",
		Port:                   9083,
		APIKey:                 "test-key",
		Model:                  "gemini-2.0-flash-exp",
		UpstreamHost:           "example.invalid",
		AllowedOrigins:         map[string]struct{}{},
		MaxMessageBytes:        1 << 20,
		HandshakeTimeout:       2 * time.Second,
		UpstreamConnectTimeout: 2 * time.Second,
		WriteTimeout:           time.Second,
		PingInterval:           time.Hour,
		MaxSessionDuration:     30 * time.Second,
		OutboundQueueSize:      16,
	}
	for _, origin := range opts.allowedOrigins {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	tracker := sessions.NewTracker(sessions.Limits{
		MaxSessions:          opts.maxSessions,
		MaxSessionsPerClient: opts.maxPerClient,
	})
	state := lifecycle.NewState()
	if opts.draining {
		state.SetDraining(true)
	}
	m := metrics.New()
	upstream := newFakeRelayUpstream()
	dialOpts := make(chan gemini.Options, 4)

	handler := IndexHandler{
		Config:    cfg,
		Lifecycle: state,
		Sessions:  tracker,
		Live: LiveHandler{
			Config:    cfg,
			Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
			Metrics:   m,
			Library:   opts.library,
			Lifecycle: state,
			Sessions:  tracker,
			Dial: func(ctx context.Context, o gemini.Options) (session.Upstream, error) {
				select {
				case dialOpts <- o:
				default:
				}
				if opts.dialErr != nil {
					return nil, opts.dialErr
				}
				return upstream, nil
			},
		},
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	h := &liveHarness{
		server:    srv,
		tracker:   tracker,
		metrics:   m,
		lifecycle: state,
		upstream:  upstream,
		dialOpts:  dialOpts,
	}
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (h *liveHarness) awaitDialOpts(t *testing.T) gemini.Options {
	t.Helper()
	select {
	case o := <-h.dialOpts:
		return o
	case <-time.After(3 * time.Second):
		t.Fatalf("upstream dial never happened")
		return gemini.Options{}
	}
}

func mustDialWS(t *testing.T, wsURL string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn
}

func mustWriteRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func mustReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("frame is not JSON: %v (%s)", err, data)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLiveHandler_RelaysMediaAndModelOutput(t *testing.T) {
	h, wsURL := newLiveTestServer(t, liveTestOptions{})

	conn := mustDialWS(t, wsURL, nil)
	defer conn.Close()

	mustWriteRaw(t, conn, `{"setup":{}}`)
	mustWriteRaw(t, conn, `{"realtime_input":{"media_chunks":[{"mime_type":"image/jpeg","data":"anBlZw=="}]}}`)

	waitFor(t, "forwarded media", func() bool { return len(h.upstream.mediaSnapshot()) == 1 })
	media := h.upstream.mediaSnapshot()
	if media[0].mimeType != "image/jpeg" || media[0].data != "anBlZw==" {
		t.Fatalf("forwarded chunk = %+v", media[0])
	}

	h.upstream.recv <- &gemini.ServerMessage{
		ServerContent: &gemini.ServerContent{
			ModelTurn: &gemini.Content{Parts: []gemini.Part{{Text: "A JPEG of a login page."}}},
		},
	}
	frame := mustReadJSON(t, conn, 3*time.Second)
	if frame["text"] != "A JPEG of a login page." {
		t.Fatalf("frame = %v", frame)
	}
}

func TestLiveHandler_SetupContextShapesSystemInstruction(t *testing.T) {
	library := pagecontext.New(map[string]string{
		"dashboard": "The dashboard shows revenue charts.",
	}, "")
	h, wsURL := newLiveTestServer(t, liveTestOptions{library: library})

	conn := mustDialWS(t, wsURL, nil)
	defer conn.Close()

	mustWriteRaw(t, conn, `{"setup":{"context":"dashboard"}}`)

	opts := h.awaitDialOpts(t)
	if !strings.HasPrefix(opts.SystemInstruction, "You are a helpful assistant for screen sharing sessions.") {
		t.Fatalf("system instruction missing base prompt: %q", opts.SystemInstruction)
	}
	if !strings.Contains(opts.SystemInstruction, "Page context: The dashboard shows revenue charts.") {
		t.Fatalf("system instruction missing page context: %q", opts.SystemInstruction)
	}
	if opts.Model != "gemini-2.0-flash-exp" {
		t.Fatalf("model = %q", opts.Model)
	}
}

func TestLiveHandler_SetupWithoutContextUsesBasePromptOnly(t *testing.T) {
	h, wsURL := newLiveTestServer(t, liveTestOptions{})

	conn := mustDialWS(t, wsURL, nil)
	defer conn.Close()

	mustWriteRaw(t, conn, `{"setup":{}}`)

	opts := h.awaitDialOpts(t)
	if strings.Contains(opts.SystemInstruction, "Page context:") {
		t.Fatalf("unexpected page context without setup context: %q", opts.SystemInstruction)
	}
}

func TestLiveHandler_UnknownSetupContextFallsBack(t *testing.T) {
	library := pagecontext.New(map[string]string{"known": "Known page."}, "")
	h, wsURL := newLiveTestServer(t, liveTestOptions{library: library})

	conn := mustDialWS(t, wsURL, nil)
	defer conn.Close()

	mustWriteRaw(t, conn, `{"setup":{"context":"mystery"}}`)

	opts := h.awaitDialOpts(t)
	if !strings.Contains(opts.SystemInstruction, pagecontext.DefaultFallback) {
		t.Fatalf("system instruction missing fallback: %q", opts.SystemInstruction)
	}
}

func TestLiveHandler_DialFailurePutsSessionInDegradedMode(t *testing.T) {
	_, wsURL := newLiveTestServer(t, liveTestOptions{dialErr: errors.New("connect timeout")})

	conn := mustDialWS(t, wsURL, nil)
	defer conn.Close()

	mustWriteRaw(t, conn, `{"setup":{}}`)

	frame := mustReadJSON(t, conn, 3*time.Second)
	errText, _ := frame["error"].(string)
	if !strings.HasPrefix(errText, "Gemini API unavailable:") {
		t.Fatalf("frame = %v", frame)
	}

	mustWriteRaw(t, conn, `{"realtime_input":{"media_chunks":[{"mime_type":"audio/pcm","data":"cGNt"}]}}`)
	reply := mustReadJSON(t, conn, 3*time.Second)
	if reply["text"] != "Screen sharing server running, but Gemini API is unavailable." {
		t.Fatalf("reply = %v", reply)
	}
}

func TestLiveHandler_InvalidSetupCloses(t *testing.T) {
	_, wsURL := newLiveTestServer(t, liveTestOptions{})

	conn := mustDialWS(t, wsURL, nil)
	defer conn.Close()

	mustWriteRaw(t, conn, `{invalid`)

	frame := mustReadJSON(t, conn, 3*time.Second)
	errText, _ := frame["error"].(string)
	if !strings.HasPrefix(errText, "Invalid setup:") {
		t.Fatalf("frame = %v", frame)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection still open after invalid setup")
	}
}

func TestLiveHandler_DrainingRejectsUpgrade(t *testing.T) {
	_, wsURL := newLiveTestServer(t, liveTestOptions{draining: true})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial succeeded while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %+v, want 503", resp)
	}
	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr != nil {
		t.Fatalf("decode error body: %v", decodeErr)
	}
	resp.Body.Close()
	if envelope.Error.Type != "overloaded_error" {
		t.Fatalf("error type = %q", envelope.Error.Type)
	}
}

func TestLiveHandler_OriginAllowlistEnforced(t *testing.T) {
	_, wsURL := newLiveTestServer(t, liveTestOptions{
		allowedOrigins: []string{"https://app.example.com"},
	})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
		"Origin": {"https://evil.example.com"},
	})
	if err == nil {
		t.Fatalf("dial succeeded from a disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %+v, want 403", resp)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}

	conn := mustDialWS(t, wsURL, http.Header{"Origin": {"https://app.example.com"}})
	conn.Close()
}

func TestLiveHandler_ServerCapacityRejects(t *testing.T) {
	h, wsURL := newLiveTestServer(t, liveTestOptions{maxSessions: 1})

	conn1 := mustDialWS(t, wsURL, nil)
	defer conn1.Close()
	mustWriteRaw(t, conn1, `{"setup":{}}`)
	waitFor(t, "first registration", func() bool { return h.tracker.Count() == 1 })

	conn2 := mustDialWS(t, wsURL, nil)
	defer conn2.Close()
	mustWriteRaw(t, conn2, `{"setup":{}}`)

	frame := mustReadJSON(t, conn2, 3*time.Second)
	if frame["error"] != "Server is at capacity, try again later" {
		t.Fatalf("frame = %v", frame)
	}
}

func TestLiveHandler_PerClientCapRejects(t *testing.T) {
	h, wsURL := newLiveTestServer(t, liveTestOptions{maxPerClient: 1})

	conn1 := mustDialWS(t, wsURL, nil)
	defer conn1.Close()
	mustWriteRaw(t, conn1, `{"setup":{}}`)
	waitFor(t, "first registration", func() bool { return h.tracker.Count() == 1 })

	conn2 := mustDialWS(t, wsURL, nil)
	defer conn2.Close()
	mustWriteRaw(t, conn2, `{"setup":{}}`)

	frame := mustReadJSON(t, conn2, 3*time.Second)
	if frame["error"] != "Too many active sessions from this client" {
		t.Fatalf("frame = %v", frame)
	}
}

func TestLiveHandler_TrackerCancelAllClosesAndDrains(t *testing.T) {
	h, wsURL := newLiveTestServer(t, liveTestOptions{})

	conn := mustDialWS(t, wsURL, nil)
	defer conn.Close()
	mustWriteRaw(t, conn, `{"setup":{}}`)

	waitFor(t, "tracker registration", func() bool { return h.tracker.Count() == 1 })

	h.tracker.CancelAll()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !h.tracker.Wait(ctx) {
		t.Fatalf("tracker did not drain")
	}
	if h.tracker.Count() != 0 {
		t.Fatalf("tracker count = %d, want 0", h.tracker.Count())
	}
}
