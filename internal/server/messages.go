package server

import "github.com/lexiqai/narrator/internal/script"

// Client message types
const (
	msgGenerate    = "generate"
	msgPlay        = "play"
	msgPause       = "pause"
	msgStop        = "stop"
	msgListenStart = "listen_start"
	msgListenStop  = "listen_stop"
	msgMicFrame    = "mic_frame"
)

// Server message types
const (
	msgScript   = "script"
	msgPosition = "position"
	msgEnded    = "ended"
	msgAudio    = "audio"
	msgInterim  = "interim"
	msgSpeech   = "speech"
	msgTurn     = "turn"
	msgStatus   = "status"
	msgError    = "error"
)

// Audio streams
const (
	streamNarration = "narration"
	streamReply     = "reply"
)

// ClientMessage is a frame sent by the browser
type ClientMessage struct {
	Type string `json:"type"`

	// generate
	Text  string        `json:"text,omitempty"`
	Image *ImagePayload `json:"image,omitempty"`

	// listen_start
	MicAvailable *bool `json:"micAvailable,omitempty"`

	// mic_frame carries base64 float32 LE samples; listen_start may carry the rate too
	Data       string `json:"data,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// ImagePayload is an inline image, either a data URL or plain base64 with a mime type.
type ImagePayload struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType,omitempty"`
}

// ServerMessage is a frame sent to the browser. Only the fields relevant to
// Type are set.
type ServerMessage struct {
	Type string `json:"type"`

	// script
	Summary  string           `json:"summary,omitempty"`
	Sections []script.Section `json:"sections,omitempty"`

	// position
	Index *int `json:"index,omitempty"`

	// ended
	Error string `json:"error,omitempty"`

	// audio
	Stream     string `json:"stream,omitempty"`
	Data       string `json:"data,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`

	// interim and turn
	Text string `json:"text,omitempty"`
	ID   int64  `json:"id,omitempty"`
	Role string `json:"role,omitempty"`

	// speech; interim also reports it
	Speaking *bool `json:"speaking,omitempty"`

	// status
	Status string `json:"status,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}
