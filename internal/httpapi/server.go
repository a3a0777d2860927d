// Package httpapi exposes the relay's HTTP surface: the call-entry webhook,
// the two websocket endpoints (provider media stream and browser client),
// health probes and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wattzhub/voicerelay/internal/bridge"
	"github.com/wattzhub/voicerelay/internal/config"
	"github.com/wattzhub/voicerelay/internal/logging"
	"github.com/wattzhub/voicerelay/internal/observability"
	"github.com/wattzhub/voicerelay/internal/protocol"
	"github.com/wattzhub/voicerelay/internal/realtime"
	"github.com/wattzhub/voicerelay/internal/session"
	"github.com/wattzhub/voicerelay/internal/tools"
	"github.com/wattzhub/voicerelay/internal/transcript"
	"github.com/wattzhub/voicerelay/internal/twiml"
)

// BackendDialer opens a realtime backend session per call. The concrete
// implementation is realtime.Dialer; tests substitute a fake.
type BackendDialer interface {
	Dial(ctx context.Context) (realtime.Conn, <-chan any, error)
}

type Server struct {
	cfg        config.Config
	sessions   *session.Manager
	dialer     BackendDialer
	invoker    *tools.Invoker
	store      transcript.Store
	tracker    transcript.Tracker
	summarizer transcript.Summarizer
	metrics    *observability.Metrics
	log        zerolog.Logger
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, dialer BackendDialer, invoker *tools.Invoker, store transcript.Store, tracker transcript.Tracker, summarizer transcript.Summarizer, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		dialer:     dialer,
		invoker:    invoker,
		store:      store,
		tracker:    tracker,
		summarizer: summarizer,
		metrics:    metrics,
		log:        log.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Provider media streams carry no Origin header; browsers must
				// match the serving host unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/incoming-call", s.handleIncomingCall)
	r.Post("/incoming-call", s.handleIncomingCall)
	r.Post("/stream-ended", s.handleStreamEnded)

	r.Get("/media-stream", s.handleMediaStream)
	r.Get("/web-stream", s.handleWebStream)

	r.Get("/sessions/{id}", s.handleGetSession)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"service": "voicerelay", "status": "running"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.RealtimeEndpoint == "" || s.cfg.RealtimeAPIKey == "" {
		respondError(w, http.StatusServiceUnavailable, "backend_unconfigured", "realtime backend credentials missing")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleIncomingCall answers the provider's call webhook with markup that
// bridges the call onto the media-stream websocket.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	caller := strings.TrimSpace(r.FormValue("From"))
	if caller == "" {
		caller = "Unknown"
	}

	host := s.cfg.PublicHost
	if host == "" {
		host = r.Host
	}

	var markup string
	switch {
	case s.cfg.RealtimeEndpoint != "" && s.cfg.RealtimeAPIKey != "":
		markup = twiml.ConnectStream("wss://"+host+"/media-stream", caller)
		s.metrics.SessionEvents.WithLabelValues("incoming_call").Inc()
	case s.cfg.EscalationNumber != "":
		// No speech backend available, hand the call to a human.
		markup = twiml.Transfer(s.cfg.EscalationNumber)
		s.metrics.SessionEvents.WithLabelValues("incoming_call_transferred").Inc()
	default:
		markup = twiml.Voicemail("https://" + host + "/stream-ended")
		s.metrics.SessionEvents.WithLabelValues("incoming_call_voicemail").Inc()
	}

	s.log.Info().Str("caller", caller).Str("call_sid", r.FormValue("CallSid")).Msg("incoming call")

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(markup))
}

// handleStreamEnded receives the provider's notification that the media
// stream finished; transcript flushing already happened on the websocket.
func (s *Server) handleStreamEnded(w http.ResponseWriter, r *http.Request) {
	var call *session.Call
	if sid := r.FormValue("StreamSid"); sid != "" {
		if c, err := s.sessions.ByStream(sid); err == nil {
			call = c
		}
	}

	ev := s.log.Info().
		Str("call_sid", r.FormValue("CallSid")).
		Str("call_status", r.FormValue("CallStatus"))
	if call != nil {
		ev = ev.Str("session_id", call.ID).
			Int("interruptions", call.InterruptionCount).
			Int("tool_calls", call.ToolCalls).
			Bool("escalated", call.Escalated)
	}
	ev.Msg("stream ended")

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)

	// When the caller asked for a human mid-session, continue the call on the
	// escalation line instead of hanging up.
	if call != nil && call.Escalated && s.cfg.EscalationNumber != "" {
		_, _ = w.Write([]byte(twiml.Transfer(s.cfg.EscalationNumber)))
		return
	}
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	call, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, call)
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	s.serveSession(w, r, session.KindPhone)
}

func (s *Server) handleWebStream(w http.ResponseWriter, r *http.Request) {
	s.serveSession(w, r, session.KindWeb)
}

// serveSession owns one websocket connection end to end: upgrade, backend
// dial, bridge loop, writer pump and read pump.
func (s *Server) serveSession(w http.ResponseWriter, r *http.Request, kind session.Kind) {
	station := strings.TrimSpace(r.URL.Query().Get("station"))
	connector := strings.TrimSpace(r.URL.Query().Get("connector"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Unblock the read pump when the bridge ends from the backend side.
		<-ctx.Done()
		_ = conn.Close()
	}()

	caller := ""
	if kind == session.KindWeb {
		caller = "web-client"
	}
	call := s.sessions.Create(kind, caller)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	log := logging.ForSession(s.log, call.ID).With().Str("kind", string(kind)).Logger()

	backend, backendEvents, err := s.dialer.Dial(ctx)
	if err != nil {
		log.Error().Err(err).Msg("dial realtime backend")
		_ = conn.WriteJSON(protocol.WebError{Type: "error", Message: "speech backend unavailable"})
		s.endSession(call.ID)
		return
	}

	inbound := make(chan any, 256)
	outbound := make(chan any, 512)

	var transport bridge.Transport
	audioFormat := s.cfg.PhoneAudioFormat
	if kind == session.KindWeb {
		transport = bridge.NewWebTransport(outbound)
		audioFormat = s.cfg.WebAudioFormat
	} else {
		transport = bridge.NewPhoneTransport(outbound)
	}

	instructions := s.cfg.Instructions
	if instructions == "" {
		instructions = bridge.DefaultInstructions
	}
	instructions = bridge.WithCallContext(instructions, station, connector)

	recorder := transcript.NewRecorder(call.ID, caller, s.store, s.tracker, s.summarizer, s.cfg.ConversationLogDir, s.metrics, s.log)

	b := bridge.New(bridge.Options{
		SessionID:      call.ID,
		CallerIdentity: caller,
		Backend:        backend,
		BackendEvents:  backendEvents,
		Transport:      transport,
		Inbound:        inbound,
		Invoker:        s.invoker,
		Recorder:       recorder,
		Sessions:       s.sessions,
		Metrics:        s.metrics,
		Log:            s.log,
		Session: realtime.SessionConfig{
			InputAudioFormat:  audioFormat,
			OutputAudioFormat: audioFormat,
			Voice:             s.cfg.RealtimeVoice,
			Instructions:      instructions,
			Temperature:       s.cfg.RealtimeTemp,
			Tools:             tools.Definitions(),
			Transcription:     true,
		},
		PendingAudioCap: s.cfg.PendingAudioCap,
	})

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		b.Run(ctx)
		cancel()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				s.metrics.WSMessages.WithLabelValues(string(kind), "outbound", messageTypeOf(msg)).Inc()
			}
		}
	}()

	conn.SetReadLimit(2 << 20)

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var parsed any
		if kind == session.KindPhone {
			parsed, err = protocol.ParseTelephonyMessage(data)
		} else {
			parsed, err = protocol.ParseWebMessage(data)
		}
		if err != nil {
			log.Debug().Err(err).Msg("drop unparseable frame")
			continue
		}
		s.metrics.WSMessages.WithLabelValues(string(kind), "inbound", messageTypeOf(parsed)).Inc()

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone

	s.endSession(call.ID)
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	log.Info().Msg("websocket closed")
}

func (s *Server) endSession(id string) {
	if _, err := s.sessions.End(id); err != nil && err != session.ErrNotFound {
		s.log.Warn().Err(err).Str("session_id", id).Msg("end session")
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
}

func messageTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.StreamConnected:
		return string(m.Event)
	case protocol.StreamStart:
		return string(m.Event)
	case protocol.MediaFrame:
		return string(m.Event)
	case protocol.StreamStop:
		return string(m.Event)
	case protocol.MarkReceived:
		return string(m.Event)
	case protocol.OutboundMedia:
		return string(m.Event)
	case protocol.ClearPlayback:
		return string(m.Event)
	case protocol.PlaybackMark:
		return string(m.Event)
	case protocol.WebAudioIn:
		return string(m.Type)
	case protocol.WebPingIn:
		return string(m.Type)
	case protocol.WebEndSessionIn:
		return string(m.Type)
	case protocol.WebAudioOut:
		return m.Type
	case protocol.WebSignal:
		return m.Type
	case protocol.WebStatus:
		return m.Type
	case protocol.WebTranscript:
		return m.Type
	case protocol.WebTextDelta:
		return m.Type
	case protocol.WebToolCall:
		return m.Type
	case protocol.WebError:
		return m.Type
	default:
		return "unknown"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
