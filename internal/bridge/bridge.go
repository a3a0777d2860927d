// Package bridge runs one live session: it relays audio between the caller's
// transport and the speech backend, executes tool calls, handles barge-in and
// flushes the transcript when the call ends. One goroutine owns all session
// state; tool executions run aside and report back through a channel.
package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/wattzhub/voicerelay/internal/logging"
	"github.com/wattzhub/voicerelay/internal/observability"
	"github.com/wattzhub/voicerelay/internal/protocol"
	"github.com/wattzhub/voicerelay/internal/realtime"
	"github.com/wattzhub/voicerelay/internal/session"
	"github.com/wattzhub/voicerelay/internal/tools"
	"github.com/wattzhub/voicerelay/internal/transcript"
)

const defaultPendingAudioCap = 512

// EscalationToolName marks the tool whose successful run flags the transcript
// urgent for human follow-up.
const EscalationToolName = "priority"

type toolOutcome struct {
	name         string
	invocationID string
	result       tools.Result
}

type Options struct {
	SessionID       string
	CallerIdentity  string
	Backend         realtime.Conn
	BackendEvents   <-chan any
	Transport       Transport
	Inbound         <-chan any
	Invoker         *tools.Invoker
	Recorder        *transcript.Recorder
	Sessions        *session.Manager
	Metrics         *observability.Metrics
	Log             zerolog.Logger
	Session         realtime.SessionConfig
	Greeting        string
	PendingAudioCap int
}

// Bridge is the per-session relay state machine.
type Bridge struct {
	opts Options
	log  zerolog.Logger

	streamSID      string
	callSID        string
	callerIdentity string

	aiReady        bool
	responseActive bool
	greeted        bool
	closing        bool

	pendingAudio       []string
	pendingAudioCap    int
	processedToolCalls map[string]struct{}
	toolDone           chan toolOutcome
}

func New(opts Options) *Bridge {
	capacity := opts.PendingAudioCap
	if capacity <= 0 {
		capacity = defaultPendingAudioCap
	}
	if opts.Greeting == "" {
		opts.Greeting = GreetingPrompt
	}
	return &Bridge{
		opts:               opts,
		log:                opts.Log.With().Str("component", "bridge").Str("session_id", opts.SessionID).Logger(),
		callerIdentity:     opts.CallerIdentity,
		pendingAudioCap:    capacity,
		processedToolCalls: make(map[string]struct{}),
		toolDone:           make(chan toolOutcome, 16),
	}
}

// Run drives the session until the caller hangs up, the backend drops, or the
// context ends. It always flushes the transcript exactly once and returns the
// flush result.
func (b *Bridge) Run(ctx context.Context) transcript.FlushResult {
	if err := b.opts.Backend.UpdateSession(ctx, b.opts.Session); err != nil {
		b.log.Error().Err(err).Msg("configure backend session")
		return b.teardown("configure_failed")
	}
	_ = b.opts.Transport.SendStatus("connected")

	for {
		select {
		case <-ctx.Done():
			return b.teardown("context_done")
		case msg, ok := <-b.opts.Inbound:
			if !ok {
				return b.teardown("caller_disconnected")
			}
			b.handleInbound(ctx, msg)
		case ev, ok := <-b.opts.BackendEvents:
			if !ok {
				return b.teardown("backend_disconnected")
			}
			b.handleBackend(ctx, ev)
		case outcome := <-b.toolDone:
			b.handleToolOutcome(ctx, outcome)
		}
		if b.closing {
			return b.teardown("call_ended")
		}
	}
}

func (b *Bridge) handleInbound(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case protocol.StreamConnected:
		b.log.Info().Str("protocol", m.Protocol).Msg("media stream connected")

	case protocol.StreamStart:
		b.streamSID = m.Start.StreamSID
		b.callSID = m.Start.CallSID
		if caller := m.Start.CustomParameters["callerNumber"]; caller != "" {
			b.callerIdentity = caller
		}
		if phone, ok := b.opts.Transport.(*PhoneTransport); ok {
			phone.BindStream(b.streamSID)
		}
		if b.opts.Recorder != nil {
			b.opts.Recorder.SetCallerIdentity(b.callerIdentity)
		}
		if b.opts.Sessions != nil {
			if err := b.opts.Sessions.BindStream(b.opts.SessionID, b.streamSID, b.callSID, b.callerIdentity); err != nil {
				b.log.Warn().Err(err).Msg("bind stream")
			}
		}
		b.countSessionEvent("stream_start")
		b.log = logging.ForCall(b.log, b.callSID, b.streamSID)
		b.log.Info().Str("caller", b.callerIdentity).Msg("stream started")

	case protocol.MediaFrame:
		b.forwardAudio(ctx, m.Media.Payload)

	case protocol.MarkReceived:
		b.log.Debug().Str("mark", m.Mark.Name).Msg("playback mark acknowledged")

	case protocol.StreamStop:
		b.log.Info().Msg("stream stopped by provider")
		b.closing = true

	case protocol.WebAudioIn:
		b.forwardAudio(ctx, m.Audio)

	case protocol.WebPingIn:
		_ = b.opts.Transport.Pong()

	case protocol.WebEndSessionIn:
		b.log.Info().Msg("session ended by client")
		b.closing = true

	default:
		b.log.Debug().Msg("unhandled inbound message")
	}
	if b.opts.Sessions != nil {
		_ = b.opts.Sessions.Touch(b.opts.SessionID)
	}
}

// forwardAudio relays one caller audio chunk, buffering until the backend
// session is configured. The buffer is bounded; overflow drops the oldest
// frame so the freshest audio survives.
func (b *Bridge) forwardAudio(ctx context.Context, payload string) {
	if !b.aiReady {
		if len(b.pendingAudio) >= b.pendingAudioCap {
			b.pendingAudio = b.pendingAudio[1:]
			if b.opts.Metrics != nil {
				b.opts.Metrics.PendingAudioDrops.Inc()
			}
		}
		b.pendingAudio = append(b.pendingAudio, payload)
		return
	}
	if err := b.opts.Backend.AppendAudio(ctx, payload); err != nil {
		b.log.Warn().Err(err).Msg("append audio")
	}
}

func (b *Bridge) handleBackend(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case protocol.SessionReady:
		b.aiReady = true
		b.flushPendingAudio(ctx)
		if e.Configured && !b.greeted {
			b.greeted = true
			if err := b.opts.Backend.CreateResponse(ctx, b.opts.Greeting); err != nil {
				b.log.Warn().Err(err).Msg("trigger greeting")
			} else {
				b.log.Info().Msg("initial greeting triggered")
			}
		}
		b.countSessionEvent(string(e.Event))

	case protocol.AudioChunk:
		b.responseActive = true
		if err := b.opts.Transport.SendAudio(e.Delta); err != nil {
			b.log.Warn().Err(err).Msg("send audio to caller")
		}

	case protocol.AudioComplete:
		b.responseActive = false
		_ = b.opts.Transport.PlaybackDone()

	case protocol.TextChunk:
		_ = b.opts.Transport.SendTextDelta(e.Delta)

	case protocol.ResponseComplete:
		b.responseActive = false
		for _, text := range e.Texts {
			if b.opts.Recorder != nil {
				b.opts.Recorder.AppendAssistant(ctx, text)
			}
			_ = b.opts.Transport.SendTranscript("assistant", text)
		}
		_ = b.opts.Transport.SendStatus("response_done")

	case protocol.UserSpeechStarted:
		b.handleBargeIn(ctx)

	case protocol.UserSpeechStopped:
		_ = b.opts.Transport.SpeechStopped()

	case protocol.UserTranscript:
		if b.opts.Recorder != nil {
			b.opts.Recorder.AppendUser(ctx, e.Text)
		}
		_ = b.opts.Transport.SendTranscript("user", e.Text)

	case protocol.ToolCallRequested:
		b.dispatchToolCall(ctx, e)

	case protocol.BackendError:
		if b.opts.Metrics != nil {
			b.opts.Metrics.ProviderErrors.WithLabelValues("realtime", e.Code).Inc()
		}
		b.log.Error().
			Str("code", e.Code).
			Str("kind", e.Kind).
			Str("event_id", e.EventID).
			Msg(e.Message)
		_ = b.opts.Transport.SendError(e.Message)
	}
}

// handleBargeIn reacts to the caller talking over the assistant: queued
// playback is cleared before the backend response is cancelled, so stale
// audio can never play after the cancel.
func (b *Bridge) handleBargeIn(ctx context.Context) {
	_ = b.opts.Transport.SpeechStarted()
	if err := b.opts.Transport.ClearPlayback(); err != nil {
		b.log.Warn().Err(err).Msg("clear playback")
	}
	if !b.responseActive {
		return
	}
	b.responseActive = false
	if err := b.opts.Backend.CancelResponse(ctx); err != nil {
		b.log.Warn().Err(err).Msg("cancel response")
	}
	if b.opts.Metrics != nil {
		b.opts.Metrics.Interruptions.Inc()
	}
	if b.opts.Sessions != nil {
		_ = b.opts.Sessions.Interrupt(b.opts.SessionID)
	}
	b.log.Info().Msg("caller interruption, response cancelled")
}

func (b *Bridge) flushPendingAudio(ctx context.Context) {
	if len(b.pendingAudio) == 0 {
		return
	}
	b.log.Info().Int("frames", len(b.pendingAudio)).Msg("flushing buffered audio")
	for _, payload := range b.pendingAudio {
		if err := b.opts.Backend.AppendAudio(ctx, payload); err != nil {
			b.log.Warn().Err(err).Msg("flush buffered audio")
			break
		}
	}
	b.pendingAudio = nil
}

// dispatchToolCall runs one tool request off the loop goroutine. Replays of
// an invocation id already seen are dropped without side effects.
func (b *Bridge) dispatchToolCall(ctx context.Context, req protocol.ToolCallRequested) {
	if _, seen := b.processedToolCalls[req.InvocationID]; seen {
		b.log.Warn().
			Str("tool", req.Name).
			Str("invocation_id", req.InvocationID).
			Msg("duplicate tool call ignored")
		return
	}
	b.processedToolCalls[req.InvocationID] = struct{}{}
	if b.opts.Sessions != nil {
		_ = b.opts.Sessions.CountToolCall(b.opts.SessionID)
	}
	_ = b.opts.Transport.SendToolStatus(req.Name, "started", "")

	args := map[string]any{}
	if req.Arguments != "" {
		if err := json.Unmarshal([]byte(req.Arguments), &args); err != nil {
			b.log.Warn().Err(err).Str("tool", req.Name).Msg("unparseable tool arguments")
		}
	}
	call := tools.CallContext{
		CallSID:      b.callSID,
		StreamSID:    b.streamSID,
		CallerNumber: b.callerIdentity,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}

	go func() {
		result := b.opts.Invoker.Invoke(ctx, req.Name, args, call)
		select {
		case b.toolDone <- toolOutcome{name: req.Name, invocationID: req.InvocationID, result: result}:
		case <-ctx.Done():
		}
	}()
}

func (b *Bridge) handleToolOutcome(ctx context.Context, outcome toolOutcome) {
	if outcome.name == EscalationToolName && outcome.result.Success {
		if b.opts.Recorder != nil {
			b.opts.Recorder.MarkEscalationRequested()
		}
		if b.opts.Sessions != nil {
			_ = b.opts.Sessions.MarkEscalated(b.opts.SessionID)
		}
	}

	output, err := json.Marshal(outcome.result)
	if err != nil {
		b.log.Error().Err(err).Str("tool", outcome.name).Msg("marshal tool result")
		return
	}
	if err := b.opts.Backend.SubmitToolResult(ctx, outcome.invocationID, string(output)); err != nil {
		b.log.Warn().Err(err).Str("tool", outcome.name).Msg("submit tool result")
		return
	}
	// Nudge the backend to speak the result.
	if err := b.opts.Backend.CreateResponse(ctx, ""); err != nil {
		b.log.Warn().Err(err).Str("tool", outcome.name).Msg("continue after tool result")
	}

	if outcome.result.Success {
		_ = b.opts.Transport.SendToolStatus(outcome.name, "completed", "")
	} else {
		_ = b.opts.Transport.SendToolStatus(outcome.name, "error", outcome.result.Error)
	}
}

func (b *Bridge) teardown(reason string) transcript.FlushResult {
	b.closing = true
	_ = b.opts.Backend.Close()
	_ = b.opts.Transport.SendStatus("disconnected")
	b.countSessionEvent("teardown_" + reason)

	if b.opts.Sessions != nil {
		if _, err := b.opts.Sessions.End(b.opts.SessionID); err != nil && err != session.ErrNotFound {
			b.log.Warn().Err(err).Msg("end session")
		}
	}

	var result transcript.FlushResult
	if b.opts.Recorder != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result = b.opts.Recorder.Flush(flushCtx)
	}

	b.log.Info().
		Str("reason", reason).
		Bool("flush_success", result.Success).
		Int("messages", result.MessageCount).
		Msg("session closed")
	return result
}

func (b *Bridge) countSessionEvent(event string) {
	if b.opts.Metrics != nil {
		b.opts.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}
