package data

import (
	"time"
)

// Message maps the messages collection. The _id is the store-assigned
// message id: strictly increasing in insertion order, unique, and the value
// history pagination cursors compare against. A stored message is never
// updated or deleted.
type Message struct {
	ID             int64     `bson:"_id,omitempty"`
	SenderID       string    `bson:"sender_id"`
	RecipientID    string    `bson:"recipient_id"`
	ConversationID string    `bson:"conversation_id,omitempty"`
	Content        string    `bson:"content"`
	CreatedAt      time.Time `bson:"created_at"`
}

// UserRecord is the read-only projection of a user owned by the
// authentication collaborator. This core never writes users.
type UserRecord struct {
	ID          string
	DisplayName string
	LastSeenAt  *time.Time
}

// counter is a counters-collection document backing message id assignment.
type counter struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}
