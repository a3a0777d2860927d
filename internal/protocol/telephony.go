// Package protocol defines the closed message sets exchanged on the two
// duplex connections the relay owns: the provider media stream on one side
// and the realtime speech backend on the other. Each side parses into typed
// variants so handlers can switch exhaustively instead of inspecting raw maps.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TelephonyEvent identifies provider media-stream payload variants.
type TelephonyEvent string

const (
	TelephonyConnected TelephonyEvent = "connected"
	TelephonyStart     TelephonyEvent = "start"
	TelephonyMedia     TelephonyEvent = "media"
	TelephonyStop      TelephonyEvent = "stop"
	TelephonyMark      TelephonyEvent = "mark"
)

var ErrUnsupportedTelephonyEvent = errors.New("unsupported telephony event")

type telephonyEnvelope struct {
	Event TelephonyEvent `json:"event"`
}

// StreamConnected is the first message on a new media stream.
type StreamConnected struct {
	Event    TelephonyEvent `json:"event"`
	Protocol string         `json:"protocol"`
	Version  string         `json:"version"`
}

// StreamStart carries the stream and call identifiers plus any custom
// parameters set by the call-control markup (caller number among them).
type StreamStart struct {
	Event TelephonyEvent `json:"event"`
	Start struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
}

// MediaFrame is one inbound audio chunk, base64 encoded per the telephony codec.
type MediaFrame struct {
	Event TelephonyEvent `json:"event"`
	Media struct {
		Payload   string `json:"payload"`
		Timestamp string `json:"timestamp"`
		Chunk     string `json:"chunk"`
	} `json:"media"`
}

// StreamStop signals the provider ended the media stream.
type StreamStop struct {
	Event TelephonyEvent `json:"event"`
}

// MarkReceived acknowledges a previously sent playback mark.
type MarkReceived struct {
	Event TelephonyEvent `json:"event"`
	Mark  struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// ParseTelephonyMessage decodes one provider frame into its typed variant.
func ParseTelephonyMessage(raw []byte) (any, error) {
	var env telephonyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid telephony envelope: %w", err)
	}

	switch env.Event {
	case TelephonyConnected:
		var msg StreamConnected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TelephonyStart:
		var msg StreamStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Start.StreamSID == "" {
			return nil, errors.New("invalid start: missing streamSid")
		}
		return msg, nil
	case TelephonyMedia:
		var msg MediaFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Media.Payload == "" {
			return nil, errors.New("invalid media: empty payload")
		}
		return msg, nil
	case TelephonyStop:
		var msg StreamStop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TelephonyMark:
		var msg MarkReceived
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedTelephonyEvent
	}
}

// OutboundMedia addresses one audio chunk to a specific stream for playback.
type OutboundMedia struct {
	Event     TelephonyEvent `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// NewOutboundMedia builds a playback frame tagged with the stream id.
func NewOutboundMedia(streamSID, payload string) OutboundMedia {
	m := OutboundMedia{Event: TelephonyMedia, StreamSID: streamSID}
	m.Media.Payload = payload
	return m
}

// ClearPlayback instructs the provider to discard audio queued but not yet played.
type ClearPlayback struct {
	Event     TelephonyEvent `json:"event"`
	StreamSID string         `json:"streamSid"`
}

// NewClearPlayback builds a clear instruction for the stream.
func NewClearPlayback(streamSID string) ClearPlayback {
	return ClearPlayback{Event: "clear", StreamSID: streamSID}
}

// PlaybackMark asks the provider to echo the mark back once preceding audio
// has been played, sequencing turn completion.
type PlaybackMark struct {
	Event     TelephonyEvent `json:"event"`
	StreamSID string         `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// NewPlaybackMark builds a named playback mark for the stream.
func NewPlaybackMark(streamSID, name string) PlaybackMark {
	m := PlaybackMark{Event: TelephonyMark, StreamSID: streamSID}
	m.Mark.Name = name
	return m
}
