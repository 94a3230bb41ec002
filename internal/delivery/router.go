// Package delivery turns send requests into persisted records and, when the
// recipient is online, immediate deliveries.
package delivery

import (
	"context"
	"log/slog"

	"chat-relay/internal/data"
	"chat-relay/internal/protocol"
)

// MessageAppender is the slice of the message store the router needs.
type MessageAppender interface {
	Append(ctx context.Context, msg data.Message) (*data.Message, error)
}

// PresenceLookup reports the live connections of a user.
type PresenceLookup interface {
	Connections(userID string) []string
}

// EventPusher pushes one event to one connection.
type EventPusher interface {
	Push(connID string, env protocol.Envelope) error
}

// Router persists each message before attempting delivery, so a message a
// recipient never sees live is still discoverable through history queries.
type Router struct {
	msgs     MessageAppender
	presence PresenceLookup
	pusher   EventPusher
	log      *slog.Logger
}

// NewRouter wires a Router with its store, presence source and pusher.
func NewRouter(log *slog.Logger, msgs MessageAppender, presence PresenceLookup, pusher EventPusher) *Router {
	return &Router{msgs: msgs, presence: presence, pusher: pusher, log: log}
}

// Send appends the message and forwards it to every live connection of the
// recipient, in that order. An append failure is returned to the caller and
// nothing is delivered. An offline recipient is a normal outcome: the
// message stays stored and the call succeeds. The sender's own connection
// is never echoed to; clients render their own optimistic echo.
func (r *Router) Send(ctx context.Context, senderID, recipientID, content, conversationID string) (*data.Message, error) {
	saved, err := r.msgs.Append(ctx, data.Message{
		SenderID:       senderID,
		RecipientID:    recipientID,
		ConversationID: conversationID,
		Content:        content,
	})
	if err != nil {
		return nil, err
	}

	conns := r.presence.Connections(recipientID)
	if len(conns) == 0 {
		r.log.Debug("recipient offline, message stored only",
			"recipient_id", recipientID,
			"message_id", saved.ID)
		return saved, nil
	}

	env, err := protocol.NewEnvelope(protocol.TypeDelivered, WireMessage(saved))
	if err != nil {
		// The message is durable; only the live push is lost.
		r.log.Error("encoding delivered event failed", "message_id", saved.ID, "error", err)
		return saved, nil
	}

	for _, connID := range conns {
		if err := r.pusher.Push(connID, env); err != nil {
			// Best effort: a broken recipient connection must not fail the
			// sender, and the message is already persisted.
			r.log.Warn("delivery push failed",
				"recipient_id", recipientID,
				"connection_id", connID,
				"message_id", saved.ID,
				"error", err)
		}
	}
	return saved, nil
}

// WireMessage converts a stored message to its wire shape.
func WireMessage(m *data.Message) protocol.Message {
	return protocol.Message{
		ID:             m.ID,
		From:           m.SenderID,
		To:             m.RecipientID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}
