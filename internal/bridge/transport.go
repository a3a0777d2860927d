package bridge

import (
	"github.com/wattzhub/voicerelay/internal/protocol"
)

// Transport is the caller-facing half of a session: how backend output and
// relay signals reach the phone provider or the browser. Implementations are
// driven from the session loop goroutine only.
type Transport interface {
	SendAudio(payloadBase64 string) error
	PlaybackDone() error
	ClearPlayback() error
	SpeechStarted() error
	SpeechStopped() error
	SendStatus(status string) error
	SendTranscript(role, text string) error
	SendTextDelta(delta string) error
	SendToolStatus(name, status, errMsg string) error
	SendError(message string) error
	Pong() error
}

// enqueue hands a frame to the connection writer without ever blocking the
// session loop. Realtime audio is useless late, so a saturated writer queue
// drops the frame instead of stalling the call.
func enqueue(out chan<- any, msg any) error {
	select {
	case out <- msg:
	default:
	}
	return nil
}

// PhoneTransport speaks the provider media-stream protocol. Signals the
// protocol has no frame for are no-ops.
type PhoneTransport struct {
	streamSID string
	out       chan<- any
}

func NewPhoneTransport(out chan<- any) *PhoneTransport {
	return &PhoneTransport{out: out}
}

// BindStream records the stream id from the start frame. Nothing can be sent
// before it.
func (t *PhoneTransport) BindStream(streamSID string) {
	t.streamSID = streamSID
}

func (t *PhoneTransport) SendAudio(payloadBase64 string) error {
	if t.streamSID == "" {
		return nil
	}
	return enqueue(t.out, protocol.NewOutboundMedia(t.streamSID, payloadBase64))
}

func (t *PhoneTransport) PlaybackDone() error {
	if t.streamSID == "" {
		return nil
	}
	return enqueue(t.out, protocol.NewPlaybackMark(t.streamSID, "playback-complete"))
}

func (t *PhoneTransport) ClearPlayback() error {
	if t.streamSID == "" {
		return nil
	}
	return enqueue(t.out, protocol.NewClearPlayback(t.streamSID))
}

func (t *PhoneTransport) SpeechStarted() error { return nil }
func (t *PhoneTransport) SpeechStopped() error { return nil }
func (t *PhoneTransport) SendStatus(string) error { return nil }
func (t *PhoneTransport) SendTranscript(string, string) error { return nil }
func (t *PhoneTransport) SendTextDelta(string) error { return nil }
func (t *PhoneTransport) SendToolStatus(_, _, _ string) error { return nil }
func (t *PhoneTransport) SendError(string) error { return nil }
func (t *PhoneTransport) Pong() error { return nil }

// WebTransport speaks the JSON protocol of the browser client and mirrors
// everything the phone side has no channel for: transcripts, text deltas and
// tool progress.
type WebTransport struct {
	out chan<- any
}

func NewWebTransport(out chan<- any) *WebTransport {
	return &WebTransport{out: out}
}

func (t *WebTransport) SendAudio(payloadBase64 string) error {
	return enqueue(t.out, protocol.WebAudioOut{Type: "audio", Audio: payloadBase64})
}

func (t *WebTransport) PlaybackDone() error {
	return enqueue(t.out, protocol.WebSignal{Type: "audio_done"})
}

// ClearPlayback tells the browser to drop buffered playback immediately.
func (t *WebTransport) ClearPlayback() error {
	return enqueue(t.out, protocol.WebSignal{Type: "clear_audio"})
}

func (t *WebTransport) SpeechStarted() error {
	return enqueue(t.out, protocol.WebSignal{Type: "speech_started"})
}

func (t *WebTransport) SpeechStopped() error {
	return enqueue(t.out, protocol.WebSignal{Type: "speech_stopped"})
}

func (t *WebTransport) SendStatus(status string) error {
	return enqueue(t.out, protocol.WebStatus{Type: "status", Status: status})
}

func (t *WebTransport) SendTranscript(role, text string) error {
	return enqueue(t.out, protocol.WebTranscript{Type: "transcript", Role: role, Text: text})
}

func (t *WebTransport) SendTextDelta(delta string) error {
	return enqueue(t.out, protocol.WebTextDelta{Type: "text_delta", Text: delta})
}

func (t *WebTransport) SendToolStatus(name, status, errMsg string) error {
	return enqueue(t.out, protocol.WebToolCall{Type: "tool_call", Name: name, Status: status, Error: errMsg})
}

func (t *WebTransport) SendError(message string) error {
	return enqueue(t.out, protocol.WebError{Type: "error", Message: message})
}

func (t *WebTransport) Pong() error {
	return enqueue(t.out, protocol.WebSignal{Type: "pong"})
}
