package protocol

import (
	"errors"
	"testing"
)

func TestParseTelephonyStart(t *testing.T) {
	raw := []byte(`{"event":"start","start":{"streamSid":"MZ456","callSid":"CA123","customParameters":{"callerNumber":"+33600000000"}}}`)
	parsed, err := ParseTelephonyMessage(raw)
	if err != nil {
		t.Fatalf("ParseTelephonyMessage() error = %v", err)
	}
	msg, ok := parsed.(StreamStart)
	if !ok {
		t.Fatalf("parsed type = %T, want StreamStart", parsed)
	}
	if msg.Start.StreamSID != "MZ456" || msg.Start.CallSID != "CA123" {
		t.Fatalf("unexpected identifiers: %+v", msg.Start)
	}
	if msg.Start.CustomParameters["callerNumber"] != "+33600000000" {
		t.Fatalf("callerNumber = %q", msg.Start.CustomParameters["callerNumber"])
	}
}

func TestParseTelephonyMediaRequiresPayload(t *testing.T) {
	if _, err := ParseTelephonyMessage([]byte(`{"event":"media","media":{"payload":""}}`)); err == nil {
		t.Fatalf("empty media payload should be rejected")
	}
	parsed, err := ParseTelephonyMessage([]byte(`{"event":"media","media":{"payload":"AAAA"}}`))
	if err != nil {
		t.Fatalf("ParseTelephonyMessage() error = %v", err)
	}
	if frame, ok := parsed.(MediaFrame); !ok || frame.Media.Payload != "AAAA" {
		t.Fatalf("parsed = %#v, want MediaFrame with payload AAAA", parsed)
	}
}

func TestParseTelephonyUnknownEvent(t *testing.T) {
	_, err := ParseTelephonyMessage([]byte(`{"event":"dtmf"}`))
	if !errors.Is(err, ErrUnsupportedTelephonyEvent) {
		t.Fatalf("error = %v, want ErrUnsupportedTelephonyEvent", err)
	}
}

func TestParseRealtimeSessionLifecycle(t *testing.T) {
	parsed, err := ParseRealtimeEvent([]byte(`{"type":"session.created"}`))
	if err != nil {
		t.Fatalf("ParseRealtimeEvent() error = %v", err)
	}
	if ready, ok := parsed.(SessionReady); !ok || ready.Configured {
		t.Fatalf("parsed = %#v, want unconfigured SessionReady", parsed)
	}

	parsed, err = ParseRealtimeEvent([]byte(`{"type":"session.updated"}`))
	if err != nil {
		t.Fatalf("ParseRealtimeEvent() error = %v", err)
	}
	if ready, ok := parsed.(SessionReady); !ok || !ready.Configured {
		t.Fatalf("parsed = %#v, want configured SessionReady", parsed)
	}
}

func TestParseRealtimeResponseDoneExtractsTranscripts(t *testing.T) {
	raw := []byte(`{"type":"response.done","response":{"output":[
		{"type":"message","content":[{"type":"audio","transcript":"Bonjour, comment puis-je vous aider?"}]},
		{"type":"message","content":[{"type":"text","text":"fallback text"}]},
		{"type":"function_call"}
	]}}`)
	parsed, err := ParseRealtimeEvent(raw)
	if err != nil {
		t.Fatalf("ParseRealtimeEvent() error = %v", err)
	}
	done, ok := parsed.(ResponseComplete)
	if !ok {
		t.Fatalf("parsed type = %T, want ResponseComplete", parsed)
	}
	if len(done.Texts) != 2 {
		t.Fatalf("len(Texts) = %d, want 2", len(done.Texts))
	}
	if done.Texts[0] != "Bonjour, comment puis-je vous aider?" {
		t.Fatalf("Texts[0] = %q", done.Texts[0])
	}
}

func TestParseRealtimeFunctionCall(t *testing.T) {
	raw := []byte(`{"type":"response.function_call_arguments.done","name":"station_verification","call_id":"call_1","arguments":"{\"station_name\":\"Carrefour Montreuil\"}"}`)
	parsed, err := ParseRealtimeEvent(raw)
	if err != nil {
		t.Fatalf("ParseRealtimeEvent() error = %v", err)
	}
	call, ok := parsed.(ToolCallRequested)
	if !ok {
		t.Fatalf("parsed type = %T, want ToolCallRequested", parsed)
	}
	if call.Name != "station_verification" || call.InvocationID != "call_1" {
		t.Fatalf("unexpected call: %+v", call)
	}

	if _, err := ParseRealtimeEvent([]byte(`{"type":"response.function_call_arguments.done","name":"","call_id":""}`)); err == nil {
		t.Fatalf("missing name/call_id should be rejected")
	}
}

func TestParseRealtimeIgnoresChatter(t *testing.T) {
	_, err := ParseRealtimeEvent([]byte(`{"type":"rate_limits.updated"}`))
	if !errors.Is(err, ErrIgnorableRealtimeEvent) {
		t.Fatalf("error = %v, want ErrIgnorableRealtimeEvent", err)
	}
}

func TestParseWebMessage(t *testing.T) {
	parsed, err := ParseWebMessage([]byte(`{"type":"audio","audio":"UklGR=="}`))
	if err != nil {
		t.Fatalf("ParseWebMessage() error = %v", err)
	}
	if in, ok := parsed.(WebAudioIn); !ok || in.Audio != "UklGR==" {
		t.Fatalf("parsed = %#v", parsed)
	}
	if _, err := ParseWebMessage([]byte(`{"type":"audio","audio":""}`)); err == nil {
		t.Fatalf("empty web audio should be rejected")
	}
	if _, err := ParseWebMessage([]byte(`{"type":"bogus"}`)); !errors.Is(err, ErrUnsupportedWebMessage) {
		t.Fatalf("error = %v, want ErrUnsupportedWebMessage", err)
	}
}

func TestOutboundTelephonyShapes(t *testing.T) {
	media := NewOutboundMedia("MZ456", "AAAA")
	if media.Event != TelephonyMedia || media.StreamSID != "MZ456" || media.Media.Payload != "AAAA" {
		t.Fatalf("unexpected outbound media: %+v", media)
	}
	clear := NewClearPlayback("MZ456")
	if clear.Event != "clear" || clear.StreamSID != "MZ456" {
		t.Fatalf("unexpected clear: %+v", clear)
	}
	mark := NewPlaybackMark("MZ456", "turn-end")
	if mark.Mark.Name != "turn-end" {
		t.Fatalf("unexpected mark: %+v", mark)
	}
}
