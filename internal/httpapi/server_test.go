package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wattzhub/voicerelay/internal/config"
	"github.com/wattzhub/voicerelay/internal/observability"
	"github.com/wattzhub/voicerelay/internal/protocol"
	"github.com/wattzhub/voicerelay/internal/realtime"
	"github.com/wattzhub/voicerelay/internal/session"
	"github.com/wattzhub/voicerelay/internal/tools"
	"github.com/wattzhub/voicerelay/internal/transcript"
)

// The default Prometheus registry forbids duplicate registration, so the
// whole test binary shares one Metrics instance.
var testMetrics = observability.NewMetrics("httpapi_test")

// fakeConn simulates the realtime backend: session configuration is
// acknowledged with created+updated events, audio and responses are recorded.
type fakeConn struct {
	events    chan any
	closeOnce sync.Once

	mu        sync.Mutex
	audio     []string
	responses int
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan any, 64)}
}

func (f *fakeConn) UpdateSession(context.Context, realtime.SessionConfig) error {
	f.events <- protocol.SessionReady{Event: protocol.RealtimeSessionCreated}
	f.events <- protocol.SessionReady{Event: protocol.RealtimeSessionUpdated, Configured: true}
	return nil
}

func (f *fakeConn) AppendAudio(_ context.Context, audio string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, audio)
	return nil
}

func (f *fakeConn) CreateResponse(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses++
	return nil
}

func (f *fakeConn) CancelResponse(context.Context) error { return nil }

func (f *fakeConn) SubmitToolResult(context.Context, string, string) error { return nil }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context) (realtime.Conn, <-chan any, error) {
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, c.events, nil
}

type stubTracker struct {
	mu       sync.Mutex
	messages []string
}

func (s *stubTracker) Configured() bool { return true }

func (s *stubTracker) EnsureContact(context.Context, string, string) (int, error) { return 1, nil }

func (s *stubTracker) CreateConversation(context.Context, string, int, bool) (int, error) {
	return 42, nil
}

func (s *stubTracker) AppendMessage(_ context.Context, _ int, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, role+":"+text)
	return nil
}

func (s *stubTracker) MarkUrgent(context.Context, int) error { return nil }

func (s *stubTracker) AttachSummary(context.Context, int, string) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *Server, *fakeDialer) {
	t.Helper()
	cfg := config.Config{
		PhoneAudioFormat:   "g711_ulaw",
		WebAudioFormat:     "pcm16",
		PendingAudioCap:    512,
		RealtimeEndpoint:   "https://backend.example.com",
		RealtimeAPIKey:     "key",
		RealtimeVoice:      "alloy",
		RealtimeTemp:       0.8,
		ConversationLogDir: t.TempDir(),
	}
	dialer := &fakeDialer{}
	srv := New(
		cfg,
		session.NewManager(time.Minute),
		dialer,
		tools.NewInvoker("", "", nil, zerolog.Nop()),
		transcript.NewInMemoryStore(),
		&stubTracker{},
		nil,
		testMetrics,
		zerolog.Nop(),
	)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, srv, dialer
}

func TestIncomingCallReturnsStreamMarkup(t *testing.T) {
	ts, _, _ := newTestServer(t)

	res, err := http.PostForm(ts.URL+"/incoming-call", url.Values{"From": {"+33600000000"}})
	if err != nil {
		t.Fatalf("post incoming call: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("content type = %q", ct)
	}

	buf := make([]byte, 4096)
	n, _ := res.Body.Read(buf)
	body := string(buf[:n])
	if !strings.Contains(body, "/media-stream") {
		t.Fatalf("markup missing media-stream url:\n%s", body)
	}
	if !strings.Contains(body, `value="+33600000000"`) {
		t.Fatalf("markup missing caller parameter:\n%s", body)
	}
}

func TestIncomingCallWithoutBackendFallsBack(t *testing.T) {
	readBody := func(t *testing.T, ts *httptest.Server) string {
		t.Helper()
		res, err := http.PostForm(ts.URL+"/incoming-call", url.Values{"From": {"+33600000000"}})
		if err != nil {
			t.Fatalf("post incoming call: %v", err)
		}
		defer res.Body.Close()
		buf := make([]byte, 4096)
		n, _ := res.Body.Read(buf)
		return string(buf[:n])
	}

	newServer := func(escalation string) *httptest.Server {
		cfg := config.Config{
			PhoneAudioFormat: "g711_ulaw",
			WebAudioFormat:   "pcm16",
			PendingAudioCap:  512,
			EscalationNumber: escalation,
		}
		srv := New(cfg, session.NewManager(time.Minute), &fakeDialer{},
			tools.NewInvoker("", "", nil, zerolog.Nop()), transcript.NewInMemoryStore(),
			&stubTracker{}, nil, testMetrics, zerolog.Nop())
		ts := httptest.NewServer(srv.Router())
		t.Cleanup(ts.Close)
		return ts
	}

	t.Run("transfer when escalation number configured", func(t *testing.T) {
		body := readBody(t, newServer("+33123456789"))
		if !strings.Contains(body, "<Dial>+33123456789</Dial>") {
			t.Fatalf("expected transfer markup:\n%s", body)
		}
	})

	t.Run("voicemail otherwise", func(t *testing.T) {
		body := readBody(t, newServer(""))
		if !strings.Contains(body, "<Record") {
			t.Fatalf("expected voicemail markup:\n%s", body)
		}
	})
}

func TestStreamEndedAcknowledged(t *testing.T) {
	ts, _, _ := newTestServer(t)

	res, err := http.PostForm(ts.URL+"/stream-ended", url.Values{"CallSid": {"CA123"}, "CallStatus": {"completed"}})
	if err != nil {
		t.Fatalf("post stream ended: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestStreamEndedTransfersEscalatedCall(t *testing.T) {
	cfg := config.Config{
		PhoneAudioFormat: "g711_ulaw",
		WebAudioFormat:   "pcm16",
		PendingAudioCap:  512,
		RealtimeEndpoint: "https://backend.example.com",
		RealtimeAPIKey:   "key",
		EscalationNumber: "+33123456789",
	}
	sessions := session.NewManager(time.Minute)
	srv := New(cfg, sessions, &fakeDialer{},
		tools.NewInvoker("", "", nil, zerolog.Nop()), transcript.NewInMemoryStore(),
		&stubTracker{}, nil, testMetrics, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	call := sessions.Create(session.KindPhone, "+33600000000")
	if err := sessions.BindStream(call.ID, "MZ456", "CA123", ""); err != nil {
		t.Fatalf("BindStream: %v", err)
	}
	if err := sessions.MarkEscalated(call.ID); err != nil {
		t.Fatalf("MarkEscalated: %v", err)
	}

	res, err := http.PostForm(ts.URL+"/stream-ended", url.Values{
		"CallSid":   {"CA123"},
		"StreamSid": {"MZ456"},
	})
	if err != nil {
		t.Fatalf("post stream ended: %v", err)
	}
	defer res.Body.Close()

	buf := make([]byte, 4096)
	n, _ := res.Body.Read(buf)
	body := string(buf[:n])
	if !strings.Contains(body, "<Dial>+33123456789</Dial>") {
		t.Fatalf("expected transfer markup for escalated call:\n%s", body)
	}
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/sessions/missing")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestMediaStreamSessionLifecycle(t *testing.T) {
	ts, srv, dialer := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer conn.Close()

	frames := []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"start","start":{"streamSid":"MZ456","callSid":"CA123","customParameters":{"callerNumber":"+33600000000"}}}`,
		`{"event":"media","media":{"payload":"dGVzdA=="}}`,
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dialer.mu.Lock()
		ready := len(dialer.conns) == 1
		dialer.mu.Unlock()
		if ready {
			dialer.mu.Lock()
			c := dialer.conns[0]
			dialer.mu.Unlock()
			c.mu.Lock()
			got := len(c.audio)
			c.mu.Unlock()
			if got == 1 {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	dialer.mu.Lock()
	if len(dialer.conns) != 1 {
		dialer.mu.Unlock()
		t.Fatal("backend was never dialed")
	}
	c := dialer.conns[0]
	dialer.mu.Unlock()

	c.mu.Lock()
	audio := append([]string(nil), c.audio...)
	c.mu.Unlock()
	if len(audio) != 1 || audio[0] != "dGVzdA==" {
		t.Fatalf("backend audio = %v", audio)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.sessions.ActiveCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never ended after stop frame")
}

func TestWebStreamAnswersPing(t *testing.T) {
	ts, _, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/web-stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial web stream: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read pong: %v", err)
		}
		if msg["type"] == "pong" {
			return
		}
		// Skip status and greeting traffic preceding the pong.
	}
}
