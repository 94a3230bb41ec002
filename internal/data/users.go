// Package data provides DB models and stores.
package data

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// UserDirectory reads the users collection owned by the authentication
// collaborator. It only projects the fields the roster needs and never
// writes.
type UserDirectory struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// NewUserDirectory returns a UserDirectory over the provided collection.
func NewUserDirectory(coll *mongo.Collection, timeout time.Duration) *UserDirectory {
	return &UserDirectory{coll: coll, timeout: timeout}
}

// userDoc mirrors the collaborator's user schema, limited to what the
// roster carries.
type userDoc struct {
	ID        bson.ObjectID `bson:"_id"`
	FullName  string        `bson:"full_name"`
	LastLogin *time.Time    `bson:"last_login,omitempty"`
}

// ListUsers returns every known user, sorted by display name. It is called
// once per presence change, not per message.
func (d *UserDirectory) ListUsers(ctx context.Context) ([]UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	opts := options.Find().
		SetProjection(bson.M{"full_name": 1, "last_login": 1}).
		SetSort(bson.M{"full_name": 1})

	cursor, err := d.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: listing users: %v", ErrStoreUnavailable, err)
	}
	defer cursor.Close(ctx)

	var docs []userDoc
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%w: decoding users: %v", ErrStoreUnavailable, err)
	}

	users := make([]UserRecord, 0, len(docs))
	for _, doc := range docs {
		users = append(users, UserRecord{
			ID:          doc.ID.Hex(),
			DisplayName: doc.FullName,
			LastSeenAt:  doc.LastLogin,
		})
	}
	return users, nil
}
