package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/screenlive/relay/pkg/relay/gemini"
	"github.com/screenlive/relay/pkg/relay/metrics"
	"github.com/screenlive/relay/pkg/relay/pagecontext"
	"github.com/screenlive/relay/pkg/relay/protocol"
)

const (
	outboundPriorityQueueSize = 8

	// Kept verbatim: existing clients match on this string.
	degradedReply = "Screen sharing server running, but Gemini API is unavailable."
)

// Upstream is the live model connection the bridge pumps. *gemini.Session
// implements it.
type Upstream interface {
	SendMediaChunk(mimeType, data string) error
	SendText(text string) error
	Receive() (*gemini.ServerMessage, error)
	Close() error
}

type Config struct {
	MaxMessageBytes        int64
	ReadIdleTimeout        time.Duration
	WriteTimeout           time.Duration
	PingInterval           time.Duration
	MaxSessionDuration     time.Duration
	OutboundQueueSize      int
	InboundFramesPerSecond int
	InboundBytesPerSecond  int64
	InboundBurstSeconds    int
}

type Dependencies struct {
	Conn *websocket.Conn

	// Upstream may be nil; the session then runs in degraded mode and
	// answers every client message with a canned offline reply.
	Upstream    Upstream
	UpstreamErr error

	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Library    *pagecontext.Library
	SessionID  string
	RequestID  string
	ClientAddr string
	Config     Config
	StartTime  time.Time
	Now        func() time.Time
}

// Session bridges one client WebSocket and one upstream live connection.
type Session struct {
	conn        *websocket.Conn
	upstream    Upstream
	upstreamErr error
	logger      *slog.Logger
	metrics     *metrics.Metrics
	library     *pagecontext.Library
	sessionID   string
	requestID   string
	clientAddr  string
	cfg         Config
	startTime   time.Time
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type upstreamEvent struct {
	msg *gemini.ServerMessage
	err error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Library == nil {
		deps.Library = pagecontext.New(nil, "")
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 64
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:             deps.Conn,
		upstream:         deps.Upstream,
		upstreamErr:      deps.UpstreamErr,
		logger:           deps.Logger,
		metrics:          deps.Metrics,
		library:          deps.Library,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		clientAddr:       deps.ClientAddr,
		cfg:              deps.Config,
		startTime:        deps.StartTime,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, max(1, min(deps.Config.OutboundQueueSize, outboundPriorityQueueSize))),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}, nil
}

// Run pumps frames in both directions until either side closes, the session
// is canceled, or the max-duration timer fires. It always returns with the
// client socket torn down.
func (s *Session) Run() error {
	defer s.cancel()

	s.metrics.RecordSessionStarted()
	defer func() {
		s.metrics.RecordSessionEnded(s.now().Sub(s.startTime).Seconds())
	}()

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadIdleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout))
		})
	}

	if s.upstream != nil {
		defer s.upstream.Close()
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:           s.conn,
			ctx:          s.ctx,
			priority:     s.outboundPriority,
			normal:       s.outboundNormal,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() error {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}

	var upstreamCh chan upstreamEvent
	if s.upstream != nil {
		upstreamCh = make(chan upstreamEvent, 64)
		go s.upstreamLoop(upstreamCh)
	} else {
		s.metrics.RecordSessionDegraded()
		s.logger.Warn("session running without upstream",
			"session_id", s.sessionID, "error", s.upstreamErr)
		if s.upstreamErr != nil {
			_ = s.sendError(fmt.Sprintf("Gemini API unavailable: %v", s.upstreamErr))
		}
	}

	limiter := newInboundMediaLimiter(s.now, s.cfg.InboundFramesPerSecond, s.cfg.InboundBytesPerSecond, s.cfg.InboundBurstSeconds)

	var sessionTimer *time.Timer
	if s.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(s.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-writerErrCh:
			if err == nil {
				return nil
			}
			return err
		case <-sessionTimerCh():
			s.logger.Info("max session duration reached", "session_id", s.sessionID)
			_ = s.sendNotice("maximum session duration reached, closing")
			return flushAndClose()
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				s.logClientClose(frame.err)
				return nil
			}
			if frame.messageType != websocket.TextMessage {
				s.logger.Debug("ignoring non-text client frame",
					"session_id", s.sessionID, "message_type", frame.messageType)
				continue
			}
			if s.upstream == nil {
				_ = s.sendText(degradedReply)
				continue
			}
			if err := s.handleClientFrame(frame.data, limiter); err != nil {
				s.logger.Error("forwarding failed", "session_id", s.sessionID, "error", err)
				_ = s.sendError(fmt.Sprintf("Server error: %v", err))
				return flushAndClose()
			}
		case evt, ok := <-upstreamCh:
			if !ok {
				return nil
			}
			if evt.err != nil {
				if errors.Is(evt.err, gemini.ErrSessionClosed) {
					return nil
				}
				if websocket.IsCloseError(evt.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Info("upstream closed", "session_id", s.sessionID)
					_ = s.sendNotice("upstream session ended")
					return flushAndClose()
				}
				s.logger.Error("upstream receive failed", "session_id", s.sessionID, "error", evt.err)
				_ = s.sendError(fmt.Sprintf("Server error: %v", evt.err))
				return flushAndClose()
			}
			s.forwardServerMessage(evt.msg)
		}
	}
}

// handleClientFrame dispatches one decoded client message. Decode failures
// are answered but not fatal; only a lost upstream ends the session.
func (s *Session) handleClientFrame(data []byte, limiter *inboundMediaLimiter) error {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.logger.Warn("bad client message", "session_id", s.sessionID, "error", err)
		_ = s.sendError(fmt.Sprintf("Invalid message: %v", err))
		return nil
	}

	switch m := msg.(type) {
	case *protocol.RealtimeInputMessage:
		return s.forwardMediaChunks(m.RealtimeInput.MediaChunks, limiter)
	case *protocol.ContextMessage:
		return s.switchContext(m.Context)
	case *protocol.SetupMessage:
		s.logger.Debug("ignoring mid-session setup", "session_id", s.sessionID)
		return nil
	default:
		return nil
	}
}

func (s *Session) forwardMediaChunks(chunks []protocol.MediaChunk, limiter *inboundMediaLimiter) error {
	for _, chunk := range chunks {
		var kind string
		switch chunk.MimeType {
		case protocol.MimeAudioPCM:
			kind = "audio"
		case protocol.MimeImageJPEG:
			kind = "image"
		default:
			// Only PCM audio and JPEG frames are relayed.
			s.logger.Debug("dropping unsupported media chunk",
				"session_id", s.sessionID, "mime_type", chunk.MimeType)
			continue
		}
		if !limiter.Allow(len(chunk.Data)) {
			s.metrics.RecordMediaThrottled()
			s.logger.Debug("media chunk throttled", "session_id", s.sessionID, "kind", kind)
			continue
		}
		if err := s.upstream.SendMediaChunk(chunk.MimeType, chunk.Data); err != nil {
			return fmt.Errorf("forward %s chunk: %w", kind, err)
		}
		s.metrics.RecordMediaChunk(kind, len(chunk.Data))
	}
	return nil
}

// switchContext resolves the page key and tells the model about the new
// page as a completed user turn.
func (s *Session) switchContext(page string) error {
	description, known := s.library.Instruction(page)
	s.metrics.RecordContextSwitch(known)
	s.logger.Info("context switch", "session_id", s.sessionID, "page", page, "known", known)

	turn := fmt.Sprintf("The user is now viewing a different page. Page context: %s", description)
	if err := s.upstream.SendText(turn); err != nil {
		return fmt.Errorf("forward context switch: %w", err)
	}
	return nil
}

func (s *Session) forwardServerMessage(msg *gemini.ServerMessage) {
	if msg == nil {
		return
	}
	switch {
	case msg.ServerContent != nil:
		sc := msg.ServerContent
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.Text != "" {
					s.metrics.RecordUpstreamFrame("text")
					_ = s.sendText(part.Text)
				}
				if part.InlineData != nil && part.InlineData.Data != "" {
					s.metrics.RecordUpstreamFrame("audio")
					_ = s.sendJSON(protocol.AudioMessage{Audio: part.InlineData.Data})
				}
			}
		}
		if sc.Interrupted {
			s.metrics.RecordUpstreamFrame("interrupted")
			_ = s.sendJSON(protocol.InterruptedMessage{Interrupted: true})
		}
		if sc.TurnComplete {
			s.metrics.RecordUpstreamFrame("turn_complete")
			_ = s.sendJSON(protocol.TurnCompleteMessage{TurnComplete: true})
		}
	case msg.SetupComplete != nil:
		// Late ack, nothing to forward.
	case msg.GoAway != nil:
		s.metrics.RecordUpstreamFrame("go_away")
		s.logger.Warn("upstream go away", "session_id", s.sessionID, "time_left", msg.GoAway.TimeLeft)
		notice := "upstream session ending soon"
		if msg.GoAway.TimeLeft != "" {
			notice = fmt.Sprintf("upstream session ending in %s", msg.GoAway.TimeLeft)
		}
		_ = s.sendNotice(notice)
	case msg.ToolCall != nil:
		// The relay runs no tools; surfaced in metrics only.
		s.metrics.RecordUpstreamFrame("tool_call")
		s.logger.Debug("ignoring upstream tool call", "session_id", s.sessionID)
	case msg.UsageMetadata != nil:
		s.metrics.RecordUpstreamFrame("usage")
	default:
		s.metrics.RecordUpstreamFrame("other")
	}
}

func (s *Session) sendText(text string) error {
	return s.sendJSON(protocol.TextMessage{Text: text})
}

func (s *Session) sendError(message string) error {
	return s.sendJSONPriority(protocol.ErrorMessage{Error: message})
}

func (s *Session) sendNotice(message string) error {
	return s.sendJSONPriority(protocol.NoticeMessage{Notice: message})
}

func (s *Session) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.enqueueNormal(outboundFrame{payload: payload})
	return nil
}

func (s *Session) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.enqueuePriority(outboundFrame{payload: payload})
	return nil
}

// enqueueNormal drops the frame when the client cannot keep up; model output
// is best effort and a stalled queue must not block the pumps.
func (s *Session) enqueueNormal(frame outboundFrame) {
	select {
	case s.outboundNormal <- frame:
	default:
		s.metrics.RecordOutboundDropped()
		s.logger.Debug("dropping outbound frame on full queue", "session_id", s.sessionID)
	}
}

// enqueuePriority evicts older priority frames to make room; the newest
// error or notice wins.
func (s *Session) enqueuePriority(frame outboundFrame) {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return
		default:
		}
		select {
		case <-s.outboundPriority:
			s.metrics.RecordOutboundDropped()
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
	default:
		s.metrics.RecordOutboundDropped()
	}
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		if s.cfg.ReadIdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout))
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) upstreamLoop(out chan<- upstreamEvent) {
	defer close(out)
	for {
		msg, err := s.upstream.Receive()
		if err != nil {
			select {
			case out <- upstreamEvent{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- upstreamEvent{msg: msg}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) logClientClose(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		s.logger.Info("client disconnected", "session_id", s.sessionID)
		return
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.logger.Info("client idle timeout", "session_id", s.sessionID)
		return
	}
	s.logger.Warn("client read failed", "session_id", s.sessionID, "error", err)
}

// Cancel stops the session from outside, for graceful drain.
func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Notify queues an informational notice to the client.
func (s *Session) Notify(message string) error {
	if s == nil {
		return nil
	}
	return s.sendNotice(message)
}
