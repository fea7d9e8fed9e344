// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/comptax/comptax-cli/internal/model"
	"github.com/comptax/comptax-cli/internal/stream"
)

// =============================================================================
// SERVER TYPES
// =============================================================================

// ServerConversation is a conversation as returned by the backend.
type ServerConversation struct {
	ConversationID string          `json:"conversation_id"`
	Title          string          `json:"title"`
	UserID         string          `json:"user_id"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	MessageCount   int             `json:"message_count,omitempty"`
	FirstMessage   string          `json:"first_message,omitempty"`
	Messages       []ServerMessage `json:"messages,omitempty"`
}

// ServerMessage is a stored message.
type ServerMessage struct {
	MessageID      string           `json:"message_id"`
	ConversationID string           `json:"conversation_id"`
	UserID         string           `json:"user_id"`
	IsUser         bool             `json:"is_user"`
	Content        string           `json:"content"`
	CreatedAt      string           `json:"created_at"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
}

// MessageMetadata carries sources, timings and feedback of a stored answer.
type MessageMetadata struct {
	Performance *stream.Performance `json:"performance,omitempty"`
	Sources     []stream.APISource  `json:"sources,omitempty"`
	Feedback    *model.Feedback     `json:"feedback,omitempty"`
}

// MessageIDs identifies a stored exchange.
type MessageIDs struct {
	ConversationID string `json:"conversation_id"`
	UserMessageID  string `json:"user_message_id"`
	IAMessageID    string `json:"ia_message_id"`
}

// Info describes the backend service.
type Info struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// QueryRequest is the body of a non-streaming query.
type QueryRequest struct {
	Query          string `json:"query"`
	Partie         *int   `json:"partie"`
	Chapitre       *int   `json:"chapitre"`
	NResults       int    `json:"n_results"`
	IncludeSources bool   `json:"include_sources"`
	Stream         bool   `json:"stream"`
}

// QueryResponse is the answer to a non-streaming query. It has the same
// shape as a streamed complete event.
type QueryResponse = stream.CompleteEvent

// QueryStatus reports the progress of a query by id.
type QueryStatus struct {
	Status     string  `json:"status"`
	Completion float64 `json:"completion"`
	Error      string  `json:"error,omitempty"`
}

// HistoryEntry is one past anonymous query.
type HistoryEntry struct {
	Query     string  `json:"query"`
	Answer    string  `json:"answer"`
	Timestamp float64 `json:"timestamp"`
	Metadata  *struct {
		Performance *stream.Performance `json:"performance,omitempty"`
	} `json:"metadata,omitempty"`
}

// History is the backend's recent query log.
type History struct {
	History []HistoryEntry `json:"history"`
	Count   int            `json:"count"`
}

// =============================================================================
// SERVICE ENDPOINTS
// =============================================================================

// Info returns service information (GET /).
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodGet, "/", nil, &info, false); err != nil {
		return nil, err
	}
	return &info, nil
}

// Query runs a query without streaming (POST /query). Zero NResults means 5.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if req.NResults == 0 {
		req.NResults = 5
	}
	req.Stream = false
	var resp QueryResponse
	if err := c.do(ctx, http.MethodPost, "/query", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the progress of a running query.
func (c *Client) Status(ctx context.Context, queryID string) (*QueryStatus, error) {
	var st QueryStatus
	if err := c.do(ctx, http.MethodGet, "/status/"+escape(queryID), nil, &st, false); err != nil {
		return nil, err
	}
	return &st, nil
}

// History returns the most recent queries. limit <= 0 means 10.
func (c *Client) History(ctx context.Context, limit int) (*History, error) {
	if limit <= 0 {
		limit = 10
	}
	var h History
	q := url.Values{"limit": {itoa(limit)}}
	if err := c.do(ctx, http.MethodGet, "/history?"+q.Encode(), nil, &h, false); err != nil {
		return nil, err
	}
	return &h, nil
}

// =============================================================================
// CONVERSATION ENDPOINTS
// =============================================================================

// ListConversations returns the user's conversations without messages.
func (c *Client) ListConversations(ctx context.Context) ([]ServerConversation, error) {
	var convs []ServerConversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &convs, true); err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversation returns one conversation with its messages.
func (c *Client) GetConversation(ctx context.Context, id string) (*ServerConversation, error) {
	var conv ServerConversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+escape(id), nil, &conv, true); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateConversation creates an empty conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context, title string) (string, error) {
	var resp struct {
		ConversationID string `json:"conversation_id"`
	}
	body := map[string]string{"title": title}
	if err := c.do(ctx, http.MethodPost, "/conversations", body, &resp, true); err != nil {
		return "", err
	}
	return resp.ConversationID, nil
}

// RenameConversation updates a conversation title.
func (c *Client) RenameConversation(ctx context.Context, id, title string) error {
	body := map[string]string{"title": title}
	return c.do(ctx, http.MethodPut, "/conversations/"+escape(id), body, nil, true)
}

// DeleteConversation removes a conversation on the backend.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+escape(id), nil, nil, true)
}

// AddMessage stores a question in an existing conversation; the backend
// answers it and stores the answer too.
func (c *Client) AddMessage(ctx context.Context, conversationID, content string) (*MessageIDs, error) {
	var ids MessageIDs
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, "/conversations/"+escape(conversationID)+"/messages", body, &ids, true); err != nil {
		return nil, err
	}
	return &ids, nil
}

// CreateConversationWithMessage creates a conversation from its first
// question.
func (c *Client) CreateConversationWithMessage(ctx context.Context, content, title string) (*MessageIDs, error) {
	var ids MessageIDs
	body := map[string]any{
		"content":            content,
		"conversation_id":    nil,
		"conversation_title": title,
	}
	if err := c.do(ctx, http.MethodPost, "/conversations/messages", body, &ids, true); err != nil {
		return nil, err
	}
	return &ids, nil
}

// AddFeedback rates a stored assistant message and returns the feedback id.
func (c *Client) AddFeedback(ctx context.Context, messageID string, fb model.Feedback) (string, error) {
	if err := fb.Validate(); err != nil {
		return "", err
	}
	var resp struct {
		FeedbackID string `json:"feedback_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/conversations/messages/"+escape(messageID)+"/feedback", fb, &resp, true); err != nil {
		return "", err
	}
	return resp.FeedbackID, nil
}

// =============================================================================
// CONVERSION
// =============================================================================

// serverTimeLayouts covers the timestamp forms the backend emits.
var serverTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseServerTime parses a backend timestamp, returning fallback when the
// value is empty or unrecognized.
func ParseServerTime(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	for _, layout := range serverTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}

// ToConversation converts a server conversation into a local one. Local ids
// are fresh; server ids are kept and the result is marked synced.
func ToConversation(sc *ServerConversation) *model.Conversation {
	now := time.Now()
	conv := model.NewConversation(sc.Title)
	conv.CreatedAt = ParseServerTime(sc.CreatedAt, now)
	conv.UpdatedAt = ParseServerTime(sc.UpdatedAt, now)

	for _, sm := range sc.Messages {
		role := model.RoleAssistant
		if sm.IsUser {
			role = model.RoleUser
		}
		msg := model.NewMessage(role, sm.Content)
		msg.ServerID = sm.MessageID
		msg.Timestamp = ParseServerTime(sm.CreatedAt, now)
		if md := sm.Metadata; md != nil {
			msg.Sources = stream.ToModelSources(md.Sources)
			if md.Feedback != nil {
				fb := *md.Feedback
				msg.Feedback = &fb
			}
			if md.Performance != nil {
				msg.Duration = md.Performance.Total()
			}
		}
		// Ids are fresh, so Append cannot collide.
		_ = conv.Append(msg)
	}

	// Append may have touched the timestamp; the server's value wins.
	conv.UpdatedAt = ParseServerTime(sc.UpdatedAt, conv.UpdatedAt)
	conv.MarkSynced(sc.ConversationID)
	return conv
}
