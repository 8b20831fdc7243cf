package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultConnectTimeout = 15 * time.Second

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("live session is closed")

// Options configure Connect.
type Options struct {
	// URL is the full wss endpoint including the key query parameter.
	URL string

	// Model is the model to open the session against. Bare names are
	// qualified with the "models/" prefix automatically.
	Model string

	// SystemInstruction, when non-empty, is sent as the session's system
	// instruction in the setup frame.
	SystemInstruction string

	// GenerationConfig is an optional raw generationConfig object passed
	// through to the setup frame unmodified.
	GenerationConfig json.RawMessage

	// HandshakeTimeout bounds the dial plus the wait for the setup ack.
	// Defaults to 15s.
	HandshakeTimeout time.Duration

	// MaxMessageBytes caps inbound frame size. Zero means no limit.
	MaxMessageBytes int64

	// WriteTimeout bounds each outbound write. Zero means no deadline.
	WriteTimeout time.Duration
}

// Session is an open BidiGenerateContent session. Send methods are safe for
// concurrent use; Receive must be called from a single goroutine.
type Session struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// Connect dials the live endpoint, sends the setup frame, and waits for the
// setupComplete ack. The returned session is ready for media and turns.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("upstream url must not be empty")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("model must not be empty")
	}

	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultConnectTimeout
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, handshake)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, opts.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial live endpoint (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial live endpoint: %w", err)
	}
	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}

	setup := setupMessage{Setup: Setup{
		Model:            qualifyModel(opts.Model),
		GenerationConfig: opts.GenerationConfig,
	}}
	if inst := strings.TrimSpace(opts.SystemInstruction); inst != "" {
		setup.Setup.SystemInstruction = &Content{Parts: []Part{{Text: inst}}}
	}
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send live setup: %w", err)
	}

	// The first frame must acknowledge the setup before any media flows.
	_ = conn.SetReadDeadline(time.Now().Add(handshake))
	first, err := readServerMessage(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read setup ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if first.SetupComplete == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first live frame, want setupComplete")
	}

	return &Session{conn: conn, writeTimeout: opts.WriteTimeout}, nil
}

func qualifyModel(model string) string {
	if strings.Contains(model, "/") {
		return model
	}
	return "models/" + model
}

// SendMediaChunk forwards one base64 media chunk as realtime input.
func (s *Session) SendMediaChunk(mimeType, data string) error {
	return s.SendMediaChunks([]Blob{{MimeType: mimeType, Data: data}})
}

// SendMediaChunks forwards a batch of chunks in a single frame.
func (s *Session) SendMediaChunks(chunks []Blob) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.sendJSON(realtimeInputMessage{RealtimeInput: RealtimeInput{MediaChunks: chunks}})
}

// SendText submits text as a completed user turn.
func (s *Session) SendText(text string) error {
	return s.sendJSON(clientContentMessage{ClientContent: ClientContent{
		Turns:        []Content{{Role: "user", Parts: []Part{{Text: text}}}},
		TurnComplete: true,
	}})
}

// Receive blocks until the next upstream frame arrives. After Close it
// returns ErrSessionClosed.
func (s *Session) Receive() (*ServerMessage, error) {
	if s == nil {
		return nil, ErrSessionClosed
	}
	msg, err := readServerMessage(s.conn)
	if err != nil {
		if s.closed.Load() {
			return nil, ErrSessionClosed
		}
		return nil, err
	}
	return msg, nil
}

// readServerMessage decodes one frame. The live endpoint frames its JSON in
// binary messages; text frames are accepted identically.
func readServerMessage(conn *websocket.Conn) (*ServerMessage, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode live frame: %w", err)
	}
	return &msg, nil
}

func (s *Session) sendJSON(v any) error {
	if s == nil || s.closed.Load() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteJSON(v)
}

// Close sends a normal close frame and tears down the connection. Safe to
// call multiple times and from any goroutine.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		deadline := time.Now().Add(2 * time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}
