package gemini

import "encoding/json"

// Wire structs for the v1alpha BidiGenerateContent WebSocket protocol.
// Field names follow protojson camelCase: the endpoint accepts both casings
// on ingest but always emits camelCase.

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob carries base64 media with its MIME type.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Setup is the first client frame of a live session.
type Setup struct {
	Model             string          `json:"model"`
	GenerationConfig  json.RawMessage `json:"generationConfig,omitempty"`
	SystemInstruction *Content        `json:"systemInstruction,omitempty"`
}

type setupMessage struct {
	Setup Setup `json:"setup"`
}

type RealtimeInput struct {
	MediaChunks []Blob `json:"mediaChunks"`
}

type realtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

type ClientContent struct {
	Turns        []Content `json:"turns,omitempty"`
	TurnComplete bool      `json:"turnComplete"`
}

type clientContentMessage struct {
	ClientContent ClientContent `json:"clientContent"`
}

// ServerMessage is one frame from the live endpoint. At most one field is
// populated per frame; unrecognized frames decode to the zero value.
type ServerMessage struct {
	SetupComplete *SetupComplete  `json:"setupComplete,omitempty"`
	ServerContent *ServerContent  `json:"serverContent,omitempty"`
	ToolCall      json.RawMessage `json:"toolCall,omitempty"`
	GoAway        *GoAway         `json:"goAway,omitempty"`
	UsageMetadata json.RawMessage `json:"usageMetadata,omitempty"`
}

type SetupComplete struct{}

type ServerContent struct {
	ModelTurn    *Content `json:"modelTurn,omitempty"`
	TurnComplete bool     `json:"turnComplete,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
}

// GoAway warns that the server will drop the connection shortly.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}
