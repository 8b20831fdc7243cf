// Package protocol defines the JSON messages exchanged with browser clients.
// Every message is a small single-key envelope: clients send setup,
// realtime_input and context frames; the relay answers with text, audio,
// turn_complete, interrupted, notice and error frames.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	MimeAudioPCM  = "audio/pcm"
	MimeImageJPEG = "image/jpeg"
)

// ErrUnrecognized marks a valid JSON object that carries no known envelope
// key. Such frames are ignored, not fatal.
var ErrUnrecognized = errors.New("unrecognized client message")

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// SetupPayload is the optional body of the first client message.
type SetupPayload struct {
	// GenerationConfig is forwarded to the upstream setup untouched.
	GenerationConfig json.RawMessage `json:"generation_config,omitempty"`
	// Context selects a page key from the context library.
	Context string `json:"context,omitempty"`
}

type SetupMessage struct {
	Setup SetupPayload `json:"setup"`
}

func (m SetupMessage) RedactedForLog() map[string]any {
	return map[string]any{
		"has_generation_config": len(m.Setup.GenerationConfig) > 0,
		"context":               m.Setup.Context,
	}
}

type MediaChunk struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type RealtimeInputPayload struct {
	MediaChunks []MediaChunk `json:"media_chunks"`
}

type RealtimeInputMessage struct {
	RealtimeInput RealtimeInputPayload `json:"realtime_input"`
}

// ContextMessage is a mid-session page context selection.
type ContextMessage struct {
	Context string `json:"context"`
}

// Server messages.

type TextMessage struct {
	Text string `json:"text"`
}

type AudioMessage struct {
	Audio string `json:"audio"`
}

type ErrorMessage struct {
	Error string `json:"error"`
}

type TurnCompleteMessage struct {
	TurnComplete bool `json:"turn_complete"`
}

type InterruptedMessage struct {
	Interrupted bool `json:"interrupted"`
}

// NoticeMessage carries an informational server notice, such as an imminent
// shutdown or an upstream go-away warning.
type NoticeMessage struct {
	Notice string `json:"notice"`
}

// DecodeSetup parses the first client message. A missing setup key yields an
// empty payload rather than an error; only malformed JSON is rejected.
func DecodeSetup(data []byte) (*SetupMessage, error) {
	var envelope struct {
		Setup *SetupPayload `json:"setup"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("setup message must be valid JSON", "")
	}
	if envelope.Setup == nil {
		return &SetupMessage{}, nil
	}
	return &SetupMessage{Setup: *envelope.Setup}, nil
}

// DecodeClientMessage dispatches a mid-session client frame on its envelope
// key. Media chunks are shape-checked here; their payloads stay opaque.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Setup         *SetupPayload         `json:"setup"`
		RealtimeInput *RealtimeInputPayload `json:"realtime_input"`
		Context       *string               `json:"context"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}

	switch {
	case envelope.RealtimeInput != nil:
		msg := &RealtimeInputMessage{RealtimeInput: *envelope.RealtimeInput}
		if len(msg.RealtimeInput.MediaChunks) == 0 {
			return nil, badRequest("realtime_input.media_chunks is required", "media_chunks")
		}
		for i, chunk := range msg.RealtimeInput.MediaChunks {
			if strings.TrimSpace(chunk.MimeType) == "" {
				return nil, badRequest("media chunk mime_type is required", fmt.Sprintf("media_chunks[%d].mime_type", i))
			}
			if chunk.Data == "" {
				return nil, badRequest("media chunk data is required", fmt.Sprintf("media_chunks[%d].data", i))
			}
		}
		return msg, nil
	case envelope.Context != nil:
		key := strings.TrimSpace(*envelope.Context)
		if key == "" {
			return nil, badRequest("context must not be empty", "context")
		}
		return &ContextMessage{Context: key}, nil
	case envelope.Setup != nil:
		return &SetupMessage{Setup: *envelope.Setup}, nil
	default:
		return nil, ErrUnrecognized
	}
}
