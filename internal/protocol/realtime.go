package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RealtimeEvent identifies speech-backend payload variants.
type RealtimeEvent string

const (
	RealtimeSessionCreated    RealtimeEvent = "session.created"
	RealtimeSessionUpdated    RealtimeEvent = "session.updated"
	RealtimeAudioDelta        RealtimeEvent = "response.audio.delta"
	RealtimeAudioDone         RealtimeEvent = "response.audio.done"
	RealtimeTextDelta         RealtimeEvent = "response.text.delta"
	RealtimeResponseDone      RealtimeEvent = "response.done"
	RealtimeSpeechStarted     RealtimeEvent = "input_audio_buffer.speech_started"
	RealtimeSpeechStopped     RealtimeEvent = "input_audio_buffer.speech_stopped"
	RealtimeTranscriptionDone RealtimeEvent = "conversation.item.input_audio_transcription.completed"
	RealtimeFunctionCallDone  RealtimeEvent = "response.function_call_arguments.done"
	RealtimeError             RealtimeEvent = "error"
)

// SessionReady reports the backend session handshake completing, either on
// creation or after a configuration update was applied.
type SessionReady struct {
	Event      RealtimeEvent
	Configured bool // true once the session config round-trip has been acknowledged
}

// AudioChunk is one outbound audio delta from the backend, base64 encoded.
type AudioChunk struct {
	Delta string
}

// AudioComplete marks the end of the backend's audio for the active response.
type AudioComplete struct{}

// TextChunk is an incremental piece of assistant text.
type TextChunk struct {
	Delta string
}

// ResponseComplete carries the final spoken texts of the finished response.
// A response may hold text content, audio content with a transcript, or both.
type ResponseComplete struct {
	Texts []string
}

// UserSpeechStarted is the barge-in signal: the caller began talking.
type UserSpeechStarted struct{}

// UserSpeechStopped reports end of caller speech.
type UserSpeechStopped struct{}

// UserTranscript is the final recognized text for one caller utterance.
type UserTranscript struct {
	Text string
}

// ToolCallRequested asks the relay to execute a named tool and report back
// under the given invocation id.
type ToolCallRequested struct {
	Name         string
	InvocationID string
	Arguments    string // raw JSON object
}

// BackendError is a non-transport error notification from the backend.
type BackendError struct {
	Code    string
	Kind    string
	Message string
	EventID string
}

type realtimeEnvelope struct {
	Type RealtimeEvent `json:"type"`
}

type responseDonePayload struct {
	Response struct {
		Output []struct {
			Type    string `json:"type"`
			Content []struct {
				Type       string `json:"type"`
				Text       string `json:"text"`
				Transcript string `json:"transcript"`
			} `json:"content"`
		} `json:"output"`
	} `json:"response"`
}

// ErrIgnorableRealtimeEvent marks backend chatter the relay does not act on.
var ErrIgnorableRealtimeEvent = errors.New("ignorable realtime event")

// ParseRealtimeEvent decodes one backend frame into its typed variant.
// Unknown event types return ErrIgnorableRealtimeEvent: the realtime protocol
// emits many informational events the relay deliberately does not handle.
func ParseRealtimeEvent(raw []byte) (any, error) {
	var env realtimeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid realtime envelope: %w", err)
	}

	switch env.Type {
	case RealtimeSessionCreated:
		return SessionReady{Event: env.Type, Configured: false}, nil
	case RealtimeSessionUpdated:
		return SessionReady{Event: env.Type, Configured: true}, nil
	case RealtimeAudioDelta:
		var msg struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return AudioChunk{Delta: msg.Delta}, nil
	case RealtimeAudioDone:
		return AudioComplete{}, nil
	case RealtimeTextDelta:
		var msg struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return TextChunk{Delta: msg.Delta}, nil
	case RealtimeResponseDone:
		var msg responseDonePayload
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		var texts []string
		for _, out := range msg.Response.Output {
			if out.Type != "message" {
				continue
			}
			for _, content := range out.Content {
				switch content.Type {
				case "text":
					if strings.TrimSpace(content.Text) != "" {
						texts = append(texts, content.Text)
					}
				case "audio":
					if strings.TrimSpace(content.Transcript) != "" {
						texts = append(texts, content.Transcript)
					}
				}
			}
		}
		return ResponseComplete{Texts: texts}, nil
	case RealtimeSpeechStarted:
		return UserSpeechStarted{}, nil
	case RealtimeSpeechStopped:
		return UserSpeechStopped{}, nil
	case RealtimeTranscriptionDone:
		var msg struct {
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return UserTranscript{Text: msg.Transcript}, nil
	case RealtimeFunctionCallDone:
		var msg struct {
			Name      string `json:"name"`
			CallID    string `json:"call_id"`
			Arguments string `json:"arguments"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Name == "" || msg.CallID == "" {
			return nil, errors.New("invalid function call: missing name or call_id")
		}
		return ToolCallRequested{Name: msg.Name, InvocationID: msg.CallID, Arguments: msg.Arguments}, nil
	case RealtimeError:
		var msg struct {
			Error struct {
				Type    string `json:"type"`
				Code    string `json:"code"`
				Message string `json:"message"`
				EventID string `json:"event_id"`
			} `json:"error"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return BackendError{
			Code:    msg.Error.Code,
			Kind:    msg.Error.Type,
			Message: msg.Error.Message,
			EventID: msg.Error.EventID,
		}, nil
	default:
		return nil, ErrIgnorableRealtimeEvent
	}
}
