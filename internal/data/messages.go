package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrStoreUnavailable reports that the durable backend could not be reached
// or timed out. A send that fails with it must not be acknowledged.
var ErrStoreUnavailable = errors.New("message store unavailable")

// messagesCounterID is the _id of the counters document that backs message
// id assignment.
const messagesCounterID = "messages"

// MessagesStore provides durable append and ordered, cursor-bounded reads
// over the messages collection. All operations run under the configured
// timeout; any backend failure surfaces as ErrStoreUnavailable.
type MessagesStore struct {
	coll     *mongo.Collection
	counters *mongo.Collection
	timeout  time.Duration
}

// NewMessagesStore returns a MessagesStore using the given messages and
// counters collections.
func NewMessagesStore(coll, counters *mongo.Collection, timeout time.Duration) *MessagesStore {
	return &MessagesStore{coll: coll, counters: counters, timeout: timeout}
}

// nextID atomically draws the next message id. The single $inc on the
// counters document is what makes ids strictly increasing and unique even
// under concurrent appends.
func (m *MessagesStore) nextID(ctx context.Context) (int64, error) {
	res := m.counters.FindOneAndUpdate(ctx,
		// The one counter document for messages.
		bson.M{"_id": messagesCounterID},
		// $inc is applied atomically on the server, so two concurrent
		// appends can never observe the same seq.
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().
			// The first append ever creates the document with seq=1.
			SetUpsert(true).
			// Return the post-increment value, not the one before.
			SetReturnDocument(options.After),
	)

	// Decode the updated counter document; its seq is the new message id.
	var c counter
	if err := res.Decode(&c); err != nil {
		return 0, err
	}
	return c.Seq, nil
}

// Append assigns the next message id, stamps CreatedAt when the caller did
// not, writes the message durably and returns the stored record.
func (m *MessagesStore) Append(ctx context.Context, msg Message) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	// Draw the id first; the insert below stores it as the document _id.
	id, err := m.nextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: assigning message id: %v", ErrStoreUnavailable, err)
	}
	msg.ID = id

	// Server-side timestamp, unless the caller supplied one.
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	// InsertOne writes the message document; _id collisions cannot happen
	// because nextID never repeats a value.
	if _, err := m.coll.InsertOne(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: inserting message: %v", ErrStoreUnavailable, err)
	}
	return &msg, nil
}

// QueryRange returns messages exchanged between the two participants,
// oldest to newest within the page.
//
// The filter matches the pair in either direction, narrowed to
// conversationID when non-empty. A before cursor greater than zero keeps
// only messages with id < before (exclusive upper bound). The query picks
// the most recent limit eligible rows by sorting id descending, then the
// page is reversed so the caller sees chronological order. An empty page is
// a nil slice, not an error.
func (m *MessagesStore) QueryRange(ctx context.Context, participantA, participantB, conversationID string, before, limit int64) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	// Match the pair in both directions: messages A sent to B and
	// messages B sent to A belong to the same conversation.
	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender_id": participantA, "recipient_id": participantB},
			bson.M{"sender_id": participantB, "recipient_id": participantA},
		},
	}
	// Narrow to one thread when the caller scoped the request.
	if conversationID != "" {
		filter["conversation_id"] = conversationID
	}
	// The cursor is an exclusive upper bound: only rows older than the
	// caller's smallest already-loaded id qualify.
	if before > 0 {
		filter["_id"] = bson.M{"$lt": before}
	}

	// Sort by id descending so the limit keeps the most recent rows of
	// the eligible range.
	opts := options.Find().
		SetSort(bson.M{"_id": -1}).
		SetLimit(limit)

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: querying messages: %v", ErrStoreUnavailable, err)
	}
	defer cursor.Close(ctx)

	// All() drains the cursor and decodes every document into the slice.
	var messages []Message
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("%w: decoding messages: %v", ErrStoreUnavailable, err)
	}

	// Newest-first from the store, chronological for the caller.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
