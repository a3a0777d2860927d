package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Kind distinguishes the two transports a call can arrive on.
type Kind string

const (
	KindPhone Kind = "phone"
	KindWeb   Kind = "web"
)

var ErrNotFound = errors.New("session not found")

// Call is the bookkeeping record for one live connection. The relay state
// itself lives in the bridge; this is what the HTTP API and janitor see.
type Call struct {
	ID                string    `json:"session_id"`
	Kind              Kind      `json:"kind"`
	StreamSID         string    `json:"stream_sid"`
	CallSID           string    `json:"call_sid"`
	CallerIdentity    string    `json:"caller_identity"`
	Status            Status    `json:"status"`
	Escalated         bool      `json:"escalated"`
	InterruptionCount int       `json:"interruption_count"`
	ToolCalls         int       `json:"tool_calls"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	calls             map[string]*Call
	callByStream      map[string]string
	inactivityTimeout time.Duration
	onExpire          func(*Call)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		calls:             make(map[string]*Call),
		callByStream:      make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

// SetExpireHook registers a callback run for each call the janitor ends.
func (m *Manager) SetExpireHook(hook func(*Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(kind Kind, callerIdentity string) *Call {
	now := time.Now().UTC()
	c := &Call{
		ID:             uuid.NewString(),
		Kind:           kind,
		CallerIdentity: callerIdentity,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[c.ID] = c
	return clone(c)
}

func (m *Manager) Get(sessionID string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// BindStream records the telephony stream identifiers once the media stream's
// start frame arrives.
func (m *Manager) BindStream(sessionID, streamSID, callSID, callerIdentity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[sessionID]
	if !ok {
		return ErrNotFound
	}
	c.StreamSID = streamSID
	c.CallSID = callSID
	if callerIdentity != "" {
		c.CallerIdentity = callerIdentity
	}
	c.LastActivityAt = time.Now().UTC()
	if streamSID != "" {
		m.callByStream[streamSID] = c.ID
	}
	return nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[sessionID]
	if !ok {
		return ErrNotFound
	}
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// Interrupt counts one barge-in on the call.
func (m *Manager) Interrupt(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[sessionID]
	if !ok {
		return ErrNotFound
	}
	c.InterruptionCount++
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// ByStream resolves the call owning a provider stream id. Ended calls stay
// resolvable until the janitor reaps them, so late provider callbacks can
// still be correlated.
func (m *Manager) ByStream(streamSID string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.callByStream[streamSID]
	if !ok {
		return nil, ErrNotFound
	}
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// CountToolCall bumps the per-call tool invocation counter.
func (m *Manager) CountToolCall(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[sessionID]
	if !ok {
		return ErrNotFound
	}
	c.ToolCalls++
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// MarkEscalated flags the call as handed off to a human, so the provider's
// stream-ended callback can answer with transfer markup.
func (m *Manager) MarkEscalated(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[sessionID]
	if !ok {
		return ErrNotFound
	}
	c.Escalated = true
	c.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	c.Status = StatusEnded
	c.LastActivityAt = time.Now().UTC()
	return clone(c), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.calls {
		if c.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Call

	m.mu.Lock()
	for _, c := range m.calls {
		if now.Sub(c.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		if c.Status != StatusActive {
			// Ended calls already had their turn; reap the record.
			delete(m.calls, c.ID)
			if c.StreamSID != "" {
				delete(m.callByStream, c.StreamSID)
			}
			continue
		}
		c.Status = StatusEnded
		c.LastActivityAt = now
		expired = append(expired, clone(c))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}

func clone(c *Call) *Call {
	out := *c
	return &out
}
