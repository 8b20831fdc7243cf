package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/screenlive/relay/pkg/relay/config"
	"github.com/screenlive/relay/pkg/relay/core"
	"github.com/screenlive/relay/pkg/relay/gemini"
	"github.com/screenlive/relay/pkg/relay/lifecycle"
	"github.com/screenlive/relay/pkg/relay/metrics"
	"github.com/screenlive/relay/pkg/relay/pagecontext"
	"github.com/screenlive/relay/pkg/relay/protocol"
	"github.com/screenlive/relay/pkg/relay/session"
	"github.com/screenlive/relay/pkg/relay/sessions"
)

// baseSystemPrompt anchors every session. A page instruction from the context
// library is appended when the client selects one at setup.
const baseSystemPrompt = "You are a helpful assistant for screen sharing sessions. Your role is to: " +
	"1) Analyze and describe the content being shared on screen " +
	"2) Answer questions about the shared content " +
	"3) Provide relevant information and context about what's being shown " +
	"4) Assist with technical issues related to screen sharing " +
	"5) Maintain a professional and helpful tone. " +
	"Focus on being concise and clear in your responses."

// DialFunc opens the upstream live connection. Tests swap in a fake.
type DialFunc func(ctx context.Context, opts gemini.Options) (session.Upstream, error)

// LiveHandler upgrades websocket requests and bridges them to the model.
type LiveHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Library   *pagecontext.Library
	Lifecycle *lifecycle.State
	Sessions  *sessions.Tracker

	Dial DialFunc
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		writeErrorJSON(w, reqID, core.NewInvalidRequestError("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		h.Metrics.RecordSessionRejected("draining")
		writeErrorJSON(w, reqID, core.NewOverloadedError("server is draining"), http.StatusServiceUnavailable)
		return
	}
	if !h.Config.OriginAllowed(r.Header.Get("Origin")) {
		h.Metrics.RecordSessionRejected("origin")
		writeErrorJSON(w, reqID, core.NewInvalidRequestError("origin is not allowed"), http.StatusForbidden)
		return
	}

	// Origin was already checked against the configured allowlist.
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := h.logger()
	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	setup, ok := h.readSetup(conn)
	if !ok {
		return
	}

	sessionID := "s_" + randHex(8)
	key := clientKey(r)
	logger.Debug("live setup received",
		"session_id", sessionID, "request_id", reqID, "setup", setup.RedactedForLog())

	handle := &sessionHandle{}
	unregister, err := h.register(sessionID, key, handle)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrServerFull):
			h.Metrics.RecordSessionRejected("server_full")
			h.writeWSError(conn, "Server is at capacity, try again later")
		case errors.Is(err, sessions.ErrClientLimit):
			h.Metrics.RecordSessionRejected("client_limit")
			h.writeWSError(conn, "Too many active sessions from this client")
		default:
			h.Metrics.RecordSessionRejected("register")
			h.writeWSError(conn, "Server error: failed to register session")
		}
		logger.Info("session rejected", "session_id", sessionID, "request_id", reqID, "client", key, "error", err)
		return
	}
	defer unregister()

	start := time.Now()
	upstream, upstreamErr := h.connectUpstream(setup)
	if upstreamErr != nil {
		logger.Warn("upstream connect failed", "session_id", sessionID, "request_id", reqID, "error", upstreamErr)
	}

	s, err := session.New(session.Dependencies{
		Conn:        conn,
		Upstream:    upstream,
		UpstreamErr: upstreamErr,
		Logger:      logger,
		Metrics:     h.Metrics,
		Library:     h.Library,
		SessionID:   sessionID,
		RequestID:   reqID,
		ClientAddr:  r.RemoteAddr,
		StartTime:   start,
		Config: session.Config{
			MaxMessageBytes:        h.Config.MaxMessageBytes,
			ReadIdleTimeout:        h.Config.ReadIdleTimeout,
			WriteTimeout:           h.Config.WriteTimeout,
			PingInterval:           h.Config.PingInterval,
			MaxSessionDuration:     h.Config.MaxSessionDuration,
			OutboundQueueSize:      h.Config.OutboundQueueSize,
			InboundFramesPerSecond: h.Config.InboundFramesPerSecond,
			InboundBytesPerSecond:  h.Config.InboundBytesPerSecond,
			InboundBurstSeconds:    h.Config.InboundBurstSeconds,
		},
	})
	if err != nil {
		if upstream != nil {
			_ = upstream.Close()
		}
		h.writeWSError(conn, "Server error: failed to initialize session")
		return
	}
	handle.bind(s)

	logger.Info("session started",
		"session_id", sessionID, "request_id", reqID, "client", key,
		"page", setup.Setup.Context, "degraded", upstream == nil)
	if err := s.Run(); err != nil {
		logger.Warn("session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
	}
}

// readSetup blocks for the first client frame. A frame without a setup key is
// accepted as an empty setup; only unreadable or malformed frames close the
// connection.
func (h LiveHandler) readSetup(conn *websocket.Conn) (*protocol.SetupMessage, bool) {
	handshakeTimeout := h.Config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, frame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "failed to read setup message")
		return nil, false
	}
	_ = conn.SetReadDeadline(time.Time{})

	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "setup message must be a text frame")
		return nil, false
	}
	setup, err := protocol.DecodeSetup(frame)
	if err != nil {
		h.writeWSError(conn, fmt.Sprintf("Invalid setup: %v", err))
		return nil, false
	}
	return setup, true
}

func (h LiveHandler) register(sessionID, clientKey string, handle *sessionHandle) (func(), error) {
	if h.Sessions == nil {
		return func() {}, nil
	}
	return h.Sessions.Register(sessionID, clientKey, sessions.Handle{
		Cancel: handle.Cancel,
		Notify: handle.Notify,
	})
}

// connectUpstream dials the live API. A nil upstream with a non-nil error
// puts the session into degraded mode rather than failing the request.
func (h LiveHandler) connectUpstream(setup *protocol.SetupMessage) (session.Upstream, error) {
	dial := h.Dial
	if dial == nil {
		if strings.TrimSpace(h.Config.APIKey) == "" {
			return nil, core.NewUpstreamError("GOOGLE_API_KEY is not set", nil)
		}
		dial = dialGemini
	}

	var page string
	var generationConfig json.RawMessage
	if setup != nil {
		page = setup.Setup.Context
		generationConfig = setup.Setup.GenerationConfig
	}

	ctx := context.Background()
	if h.Config.UpstreamConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.UpstreamConnectTimeout)
		defer cancel()
	}

	start := time.Now()
	upstream, err := dial(ctx, gemini.Options{
		URL:               h.Config.UpstreamURL(),
		Model:             h.Config.Model,
		SystemInstruction: h.systemInstruction(page),
		GenerationConfig:  generationConfig,
		MaxMessageBytes:   h.Config.MaxMessageBytes,
		WriteTimeout:      h.Config.WriteTimeout,
	})
	h.Metrics.RecordUpstreamConnect(time.Since(start).Seconds(), err != nil)
	if err != nil {
		return nil, err
	}
	return upstream, nil
}

func (h LiveHandler) systemInstruction(page string) string {
	if strings.TrimSpace(page) == "" {
		return baseSystemPrompt
	}
	library := h.Library
	if library == nil {
		library = pagecontext.New(nil, h.Config.ContextFallback)
	}
	text, known := library.Instruction(page)
	h.Metrics.RecordContextSwitch(known)
	if !known {
		h.logger().Info("unknown page context at setup", "page", page)
	}
	return baseSystemPrompt + "\n\nPage context: " + text
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, message string) {
	_ = conn.WriteJSON(protocol.ErrorMessage{Error: message})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
		time.Now().Add(2*time.Second))
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func dialGemini(ctx context.Context, opts gemini.Options) (session.Upstream, error) {
	s, err := gemini.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// sessionHandle lets the tracker reach a session that is registered before it
// finishes construction. Until bind, Cancel and Notify are no-ops.
type sessionHandle struct {
	mu   sync.Mutex
	sess *session.Session
}

func (p *sessionHandle) bind(s *session.Session) {
	p.mu.Lock()
	p.sess = s
	p.mu.Unlock()
}

func (p *sessionHandle) Cancel() {
	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	s.Cancel()
}

func (p *sessionHandle) Notify(message string) error {
	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	return s.Notify(message)
}

// clientKey identifies the remote end for per-client admission, by IP.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
