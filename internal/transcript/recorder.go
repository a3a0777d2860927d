package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wattzhub/voicerelay/internal/observability"
)

// Recorder collects one call's transcript and pushes the whole thing to the
// tracker exactly once, when the call ends.
type Recorder struct {
	sessionID    string
	callerNumber string
	store        Store
	tracker      Tracker
	summarizer   Summarizer
	logDir       string
	metrics      *observability.Metrics
	log          zerolog.Logger

	mu        sync.Mutex
	entries   []Entry
	escalated bool
	flushed   bool
}

func NewRecorder(sessionID, callerNumber string, store Store, tracker Tracker, summarizer Summarizer, logDir string, metrics *observability.Metrics, log zerolog.Logger) *Recorder {
	return &Recorder{
		sessionID:    sessionID,
		callerNumber: callerNumber,
		store:        store,
		tracker:      tracker,
		summarizer:   summarizer,
		logDir:       logDir,
		metrics:      metrics,
		log:          log.With().Str("component", "transcript").Str("session_id", sessionID).Logger(),
	}
}

// AppendUser records a finalized caller utterance.
func (r *Recorder) AppendUser(ctx context.Context, text string) {
	r.append(ctx, "user", text)
}

// AppendAssistant records a finalized assistant utterance.
func (r *Recorder) AppendAssistant(ctx context.Context, text string) {
	r.append(ctx, "assistant", text)
}

func (r *Recorder) append(ctx context.Context, role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	entry := Entry{
		SessionID: r.sessionID,
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}

	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Append(ctx, entry); err != nil {
			r.log.Warn().Err(err).Msg("persist transcript entry")
		}
	}
}

// SetCallerIdentity fills the caller number in once the start frame reveals
// it. Phone sessions learn it mid-handshake.
func (r *Recorder) SetCallerIdentity(identity string) {
	if strings.TrimSpace(identity) == "" {
		return
	}
	r.mu.Lock()
	r.callerNumber = identity
	r.mu.Unlock()
}

// MarkEscalationRequested flags the call for urgent human follow-up.
func (r *Recorder) MarkEscalationRequested() {
	r.mu.Lock()
	r.escalated = true
	r.mu.Unlock()
}

// Len reports how many entries are recorded so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Flush pushes the transcript to the tracker. Only the first call does any
// work; later calls report already_flushed.
func (r *Recorder) Flush(ctx context.Context) FlushResult {
	r.mu.Lock()
	if r.flushed {
		r.mu.Unlock()
		return FlushResult{Success: false, Reason: "already_flushed"}
	}
	r.flushed = true
	entries := make([]Entry, len(r.entries))
	copy(entries, r.entries)
	escalated := r.escalated
	caller := r.callerNumber
	r.mu.Unlock()

	if len(entries) == 0 {
		return FlushResult{Success: false, Reason: "no_messages"}
	}

	r.mirrorToFile(caller, entries, escalated)

	if r.tracker == nil || !r.tracker.Configured() {
		r.log.Info().Int("messages", len(entries)).Msg("tracker not configured, transcript kept locally")
		return FlushResult{Success: false, MessageCount: len(entries), Reason: "tracker_not_configured"}
	}

	result := r.push(ctx, caller, entries, escalated)
	if r.metrics != nil {
		outcome := "ok"
		if !result.Success {
			outcome = "error"
		}
		r.metrics.TranscriptFlushes.WithLabelValues(outcome).Inc()
	}
	return result
}

func (r *Recorder) push(ctx context.Context, caller string, entries []Entry, escalated bool) FlushResult {
	contactID, err := r.tracker.EnsureContact(ctx, r.sessionID, caller)
	if err != nil {
		r.log.Error().Err(err).Msg("ensure contact")
		return FlushResult{Success: false, MessageCount: len(entries), Error: err.Error()}
	}

	conversationID, err := r.tracker.CreateConversation(ctx, r.sessionID, contactID, escalated)
	if err != nil {
		r.log.Error().Err(err).Msg("create conversation")
		return FlushResult{Success: false, MessageCount: len(entries), Error: err.Error()}
	}

	pushed := 0
	for _, entry := range entries {
		if err := r.tracker.AppendMessage(ctx, conversationID, entry.Role, entry.Text); err != nil {
			r.log.Warn().Err(err).Int("conversation_id", conversationID).Msg("append message")
			continue
		}
		pushed++
	}

	if escalated {
		if err := r.tracker.MarkUrgent(ctx, conversationID); err != nil {
			r.log.Warn().Err(err).Int("conversation_id", conversationID).Msg("mark urgent")
		}
	}

	summary := r.summarize(ctx, entries)
	if summary != "" {
		if err := r.tracker.AttachSummary(ctx, conversationID, summary); err != nil {
			r.log.Warn().Err(err).Int("conversation_id", conversationID).Msg("attach summary")
		}
	}

	r.log.Info().
		Int("conversation_id", conversationID).
		Int("messages", pushed).
		Bool("escalated", escalated).
		Msg("transcript flushed")

	return FlushResult{Success: true, ConversationID: conversationID, MessageCount: pushed}
}

func (r *Recorder) summarize(ctx context.Context, entries []Entry) string {
	if r.summarizer == nil {
		return ""
	}
	summary, err := r.summarizer.Summarize(ctx, entries)
	if err != nil {
		r.log.Warn().Err(err).Msg("summarize transcript")
		return ""
	}
	return summary
}

// mirrorToFile writes the raw transcript to disk so operators can read calls
// back even when the tracker is down.
func (r *Recorder) mirrorToFile(caller string, entries []Entry, escalated bool) {
	if r.logDir == "" {
		return
	}
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		r.log.Warn().Err(err).Msg("create conversation log dir")
		return
	}

	record := struct {
		SessionID    string    `json:"sessionId"`
		CallerNumber string    `json:"callerNumber"`
		Escalated    bool      `json:"escalated"`
		EndedAt      time.Time `json:"endedAt"`
		Messages     []Entry   `json:"messages"`
	}{
		SessionID:    r.sessionID,
		CallerNumber: caller,
		Escalated:    escalated,
		EndedAt:      time.Now().UTC(),
		Messages:     entries,
	}

	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		r.log.Warn().Err(err).Msg("marshal conversation log")
		return
	}
	name := fmt.Sprintf("%s_%s.json", time.Now().UTC().Format("20060102T150405"), r.sessionID)
	if err := os.WriteFile(filepath.Join(r.logDir, name), raw, 0o644); err != nil {
		r.log.Warn().Err(err).Msg("write conversation log")
	}
}
