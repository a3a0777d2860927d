package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// WebMessageType identifies browser-client payload variants.
type WebMessageType string

const (
	WebAudio      WebMessageType = "audio"
	WebPing       WebMessageType = "ping"
	WebEndSession WebMessageType = "end_session"
)

var ErrUnsupportedWebMessage = errors.New("unsupported web message type")

type webEnvelope struct {
	Type WebMessageType `json:"type"`
}

// WebAudioIn is one inbound PCM16 chunk from a browser client.
type WebAudioIn struct {
	Type  WebMessageType `json:"type"`
	Audio string         `json:"audio"`
}

// WebPingIn is a keepalive probe; the relay answers with a pong.
type WebPingIn struct {
	Type WebMessageType `json:"type"`
}

// WebEndSessionIn asks the relay to close the backend side of the session.
type WebEndSessionIn struct {
	Type WebMessageType `json:"type"`
}

// ParseWebMessage decodes one browser frame into its typed variant.
func ParseWebMessage(raw []byte) (any, error) {
	var env webEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid web envelope: %w", err)
	}

	switch env.Type {
	case WebAudio:
		var msg WebAudioIn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Audio == "" {
			return nil, errors.New("invalid audio: empty payload")
		}
		return msg, nil
	case WebPing:
		return WebPingIn{Type: WebPing}, nil
	case WebEndSession:
		return WebEndSessionIn{Type: WebEndSession}, nil
	default:
		return nil, ErrUnsupportedWebMessage
	}
}

// WebAudioOut carries one playback chunk to a browser client.
type WebAudioOut struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// WebSignal is a content-free browser notification (audio_done, clear_audio,
// speech_started, speech_stopped, pong).
type WebSignal struct {
	Type string `json:"type"`
}

// WebStatus reports connection state transitions to the browser.
type WebStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// WebTranscript carries one finalized transcript line to the browser.
type WebTranscript struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Text string `json:"text"`
}

// WebTextDelta streams incremental assistant text to the browser.
type WebTextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// WebToolCall reports tool execution progress to the browser.
type WebToolCall struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// WebError reports a non-fatal relay error to the browser.
type WebError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
