// Package tracker pushes finished call transcripts into the conversation
// tracking system the support team works from.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client talks to a Chatwoot-compatible API: contacts, conversations,
// messages, priority and custom attributes.
type Client struct {
	baseURL   string
	accountID string
	inboxID   string
	apiToken  string
	client    *http.Client
	log       zerolog.Logger
}

func New(baseURL, accountID, inboxID, apiToken string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		accountID: strings.TrimSpace(accountID),
		inboxID:   strings.TrimSpace(inboxID),
		apiToken:  strings.TrimSpace(apiToken),
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log.With().Str("component", "tracker").Logger(),
	}
}

// Configured reports whether the minimum credentials for pushing are present.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.accountID != "" && c.apiToken != ""
}

// EnsureContact creates a contact for the session, falling back to search
// when the identifier already exists.
func (c *Client) EnsureContact(ctx context.Context, sessionID, phoneNumber string) (int, error) {
	inboxID, _ := strconv.Atoi(c.inboxID)
	payload := map[string]any{
		"inbox_id":     inboxID,
		"name":         phoneNumber,
		"identifier":   sessionID,
		"phone_number": phoneNumber,
	}

	var created struct {
		Payload struct {
			Contact struct {
				ID int `json:"id"`
			} `json:"contact"`
		} `json:"payload"`
	}
	status, err := c.do(ctx, http.MethodPost, "/contacts", payload, &created)
	if err == nil {
		return created.Payload.Contact.ID, nil
	}
	if status != http.StatusUnprocessableEntity {
		return 0, fmt.Errorf("create contact: %w", err)
	}

	// Identifier collision: the contact exists from an earlier call.
	var found struct {
		Payload []struct {
			ID int `json:"id"`
		} `json:"payload"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/contacts/search?q="+url.QueryEscape(sessionID), nil, &found); err != nil {
		return 0, fmt.Errorf("search contact: %w", err)
	}
	if len(found.Payload) == 0 {
		return 0, fmt.Errorf("contact %q not creatable and not found", sessionID)
	}
	return found.Payload[0].ID, nil
}

// CreateConversation opens a conversation linked to the contact.
func (c *Client) CreateConversation(ctx context.Context, sessionID string, contactID int, urgent bool) (int, error) {
	inboxID, _ := strconv.Atoi(c.inboxID)
	payload := map[string]any{
		"source_id":  sessionID,
		"inbox_id":   inboxID,
		"contact_id": strconv.Itoa(contactID),
		"status":     "open",
	}
	if urgent {
		payload["priority"] = "urgent"
	}

	var created struct {
		ID int `json:"id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/conversations", payload, &created); err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	return created.ID, nil
}

// AppendMessage pushes one transcript line into the conversation. User lines
// are incoming, assistant lines outgoing.
func (c *Client) AppendMessage(ctx context.Context, conversationID int, role, text string) error {
	messageType := "outgoing"
	if role == "user" {
		messageType = "incoming"
	}
	payload := map[string]any{
		"content":      fmt.Sprintf("[%s]: %s", strings.ToUpper(role), text),
		"message_type": messageType,
		"private":      false,
	}
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	if _, err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// MarkUrgent flags the conversation for a human agent.
func (c *Client) MarkUrgent(ctx context.Context, conversationID int) error {
	path := fmt.Sprintf("/conversations/%d/toggle_priority", conversationID)
	if _, err := c.do(ctx, http.MethodPost, path, map[string]any{"priority": "urgent"}, nil); err != nil {
		return fmt.Errorf("toggle priority: %w", err)
	}
	return nil
}

// AttachSummary stores the generated call summary as a custom attribute.
func (c *Client) AttachSummary(ctx context.Context, conversationID int, summary string) error {
	path := fmt.Sprintf("/conversations/%d/custom_attributes", conversationID)
	payload := map[string]any{
		"custom_attributes": map[string]any{"summary": summary},
	}
	if _, err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("attach summary: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	endpoint := fmt.Sprintf("%s/api/v1/accounts/%s%s", c.baseURL, c.accountID, path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("api_access_token", c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return res.StatusCode, fmt.Errorf("tracker http status %d: %s", res.StatusCode, string(detail))
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return res.StatusCode, nil
}
