// Package transcript accumulates the spoken exchange of a call and, when the
// call ends, delivers it to the conversation tracker with a summary attached.
package transcript

import (
	"context"
	"time"
)

// Entry is one finalized utterance, user or assistant.
type Entry struct {
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists entries as they arrive, so a crashed relay still leaves a
// usable trace behind.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	BySession(ctx context.Context, sessionID string) ([]Entry, error)
	Close(ctx context.Context) error
}

// Tracker is the slice of the conversation-tracking API the flush needs.
type Tracker interface {
	Configured() bool
	EnsureContact(ctx context.Context, sessionID, phoneNumber string) (int, error)
	CreateConversation(ctx context.Context, sessionID string, contactID int, urgent bool) (int, error)
	AppendMessage(ctx context.Context, conversationID int, role, text string) error
	MarkUrgent(ctx context.Context, conversationID int) error
	AttachSummary(ctx context.Context, conversationID int, summary string) error
}

// Summarizer condenses a transcript into a few sentences for the tracker.
type Summarizer interface {
	Summarize(ctx context.Context, entries []Entry) (string, error)
}

// FlushResult reports what happened when a finished transcript was pushed.
type FlushResult struct {
	Success        bool   `json:"success"`
	ConversationID int    `json:"conversationId,omitempty"`
	MessageCount   int    `json:"messageCount"`
	Reason         string `json:"reason,omitempty"`
	Error          string `json:"error,omitempty"`
}
