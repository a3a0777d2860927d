// Package realtime maintains the websocket session with the speech backend:
// dialing, session configuration, audio append, response control and tool
// result submission.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wattzhub/voicerelay/internal/protocol"
	"github.com/wattzhub/voicerelay/internal/tools"
)

// Conn is the slice of the backend session the relay drives. The concrete
// implementation is a websocket; tests substitute a fake.
type Conn interface {
	UpdateSession(ctx context.Context, cfg SessionConfig) error
	AppendAudio(ctx context.Context, audioBase64 string) error
	CreateResponse(ctx context.Context, instructions string) error
	CancelResponse(ctx context.Context) error
	SubmitToolResult(ctx context.Context, invocationID, output string) error
	Close() error
}

// SessionConfig is the session.update payload: formats, voice, behaviour and
// the advertised tool set.
type SessionConfig struct {
	InputAudioFormat  string
	OutputAudioFormat string
	Voice             string
	Instructions      string
	Temperature       float64
	Tools             []tools.Definition
	Transcription     bool
}

// TranscriptionHint biases speech recognition toward the charging-network
// vocabulary callers actually use.
const TranscriptionHint = "Vocabulaire: relais, borne de recharge, station, connecteur, RFID, véhicule électrique, recharge, câble, prise. Noms de lieux et stations de recharge en France."

// Dialer opens backend sessions.
type Dialer struct {
	wsURL  string
	apiKey string
	log    zerolog.Logger
}

func NewDialer(wsURL, apiKey string, log zerolog.Logger) *Dialer {
	return &Dialer{wsURL: wsURL, apiKey: apiKey, log: log.With().Str("component", "realtime").Logger()}
}

// Dial connects to the backend and starts the read loop. Events arrive on the
// returned channel until the connection drops or Close is called; the channel
// is closed afterwards.
func (d *Dialer) Dial(ctx context.Context) (Conn, <-chan any, error) {
	headers := http.Header{}
	headers.Set("api-key", d.apiKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.wsURL, headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial realtime websocket: %w", err)
	}

	events := make(chan any, 256)
	c := &wsConn{conn: conn, events: events, done: make(chan struct{}), log: d.log}
	go c.readLoop()
	return c, events, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan any
	done      chan struct{}
	log       zerolog.Logger
}

func (c *wsConn) UpdateSession(_ context.Context, cfg SessionConfig) error {
	session := map[string]any{
		"turn_detection":      map[string]any{"type": "server_vad"},
		"input_audio_format":  cfg.InputAudioFormat,
		"output_audio_format": cfg.OutputAudioFormat,
		"voice":               cfg.Voice,
		"instructions":        cfg.Instructions,
		"modalities":          []string{"text", "audio"},
		"temperature":         cfg.Temperature,
	}
	if len(cfg.Tools) > 0 {
		session["tools"] = cfg.Tools
		session["tool_choice"] = "auto"
	}
	if cfg.Transcription {
		session["input_audio_transcription"] = map[string]any{
			"model":    "whisper-1",
			"language": "fr",
			"prompt":   TranscriptionHint,
		}
	}
	return c.writeJSON(map[string]any{"type": "session.update", "session": session})
}

func (c *wsConn) AppendAudio(_ context.Context, audioBase64 string) error {
	return c.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": audioBase64,
	})
}

func (c *wsConn) CreateResponse(_ context.Context, instructions string) error {
	response := map[string]any{"modalities": []string{"text", "audio"}}
	if instructions != "" {
		response["instructions"] = instructions
	}
	return c.writeJSON(map[string]any{"type": "response.create", "response": response})
}

func (c *wsConn) CancelResponse(context.Context) error {
	return c.writeJSON(map[string]any{"type": "response.cancel"})
}

func (c *wsConn) SubmitToolResult(_ context.Context, invocationID, output string) error {
	return c.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": invocationID,
			"output":  output,
		},
	})
}

// readLoop is the only closer of the events channel, so closing it is safe
// even when Close races an in-flight event delivery.
func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		event, err := protocol.ParseRealtimeEvent(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrIgnorableRealtimeEvent) {
				c.log.Debug().Err(err).Msg("drop malformed realtime frame")
			}
			continue
		}
		select {
		case c.events <- event:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writeJSON(payload map[string]any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(payload)
}

func (c *wsConn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.done)
		retErr = c.conn.Close()
	})
	return retErr
}
