// Package protocol defines the JSON events exchanged over a chat connection.
package protocol

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event carried by an Envelope.
type EventType string

const (
	// Client -> server
	TypeAnnounce       EventType = "announce"
	TypeSend           EventType = "send"
	TypeHistoryInitial EventType = "historyInitial"
	TypeHistoryMore    EventType = "historyMore"

	// Server -> client
	TypeRoster               EventType = "roster"
	TypeDelivered            EventType = "delivered"
	TypeHistoryInitialResult EventType = "historyInitialResult"
	TypeHistoryMoreResult    EventType = "historyMoreResult"
	TypeSendFailed           EventType = "sendFailed"
	TypeError                EventType = "error"
)

// Envelope wraps every event on the wire with a type field.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data and wraps it in an Envelope of the given type.
func NewEnvelope(t EventType, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Data: raw}, nil
}

// Announce registers the connection's user identity.
type Announce struct {
	UserID string `json:"userId" validate:"required"`
}

// Send submits a direct message.
type Send struct {
	From           string `json:"from" validate:"required"`
	To             string `json:"to" validate:"required"`
	Content        string `json:"content" validate:"required"`
	ConversationID string `json:"conversationId,omitempty"`
}

// HistoryInitial requests the newest page of a conversation.
type HistoryInitial struct {
	From           string `json:"from" validate:"required"`
	To             string `json:"to" validate:"required"`
	ConversationID string `json:"conversationId,omitempty"`
	Limit          int64  `json:"limit" validate:"gte=0"`
}

// HistoryMore requests the page older than the given cursor. Before is the
// smallest message id the client has seen; the returned page is strictly
// older than it.
type HistoryMore struct {
	From           string `json:"from" validate:"required"`
	To             string `json:"to" validate:"required"`
	ConversationID string `json:"conversationId,omitempty"`
	Before         int64  `json:"before" validate:"required,gt=0"`
	Limit          int64  `json:"limit" validate:"gte=0"`
}

// RosterUser is one entry of the roster's known-user list.
type RosterUser struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
}

// Roster is the full presence snapshot pushed on every presence change.
type Roster struct {
	Online []string     `json:"online"`
	All    []RosterUser `json:"all"`
}

// Message is a stored message as seen on the wire. Delivered events carry
// exactly one Message; history results carry a chronological page of them.
type Message struct {
	ID             int64     `json:"id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	ConversationID string    `json:"conversationId,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HistoryResult is the payload of both history result events.
type HistoryResult struct {
	Messages []Message `json:"messages"`
}

// SendFailed tells the sender its message was not persisted.
type SendFailed struct {
	Reason string `json:"reason"`
}

// ErrorEvent rejects a single malformed or invalid request. The connection
// stays open.
type ErrorEvent struct {
	Reason string `json:"reason"`
}
