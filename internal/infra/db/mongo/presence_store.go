package mongo

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"propchat/internal/domain/presence"
	"propchat/internal/infra/realtime"
)

// PresenceStore implements presence.Store on MongoDB, one document per
// user keyed by user id.
type PresenceStore struct {
	col       *mongo.Collection
	publisher realtime.Publisher
	logger    *slog.Logger
}

// NewPresenceStore builds a PresenceStore. publisher may be nil.
func NewPresenceStore(db *mongo.Database, publisher realtime.Publisher, logger *slog.Logger) *PresenceStore {
	return &PresenceStore{
		col:       db.Collection(presence.Collection),
		publisher: publisher,
		logger:    logger,
	}
}

func (s *PresenceStore) Upsert(ctx context.Context, rec presence.Record) error {
	doc := presenceDocument{ID: rec.UserID, Online: rec.Online, LastSeen: rec.LastSeen.UnixMilli()}
	opts := options.Replace().SetUpsert(true)
	res, err := s.col.ReplaceOne(ctx, bson.M{"_id": rec.UserID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongo: upsert presence: %w", err)
	}

	typ := realtime.EventUpdate
	if res.UpsertedCount > 0 {
		typ = realtime.EventInsert
	}
	if s.publisher != nil {
		cp := rec
		if err := s.publisher.Publish(ctx, realtime.Event{Collection: presence.Collection, Type: typ, New: &cp}); err != nil && s.logger != nil {
			s.logger.Warn("presence event publish failed", "user_id", rec.UserID, "error", err)
		}
	}
	return nil
}

func (s *PresenceStore) ByUserIDs(ctx context.Context, ids []string) ([]presence.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := s.col.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("mongo: fetch presence: %w", err)
	}
	defer cursor.Close(ctx)

	var out []presence.Record
	for cursor.Next(ctx) {
		var doc presenceDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: decode presence: %w", err)
		}
		out = append(out, presence.Record{UserID: doc.ID, Online: doc.Online, LastSeen: timestampToTime(doc.LastSeen)})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongo: iterate presence: %w", err)
	}
	return out, nil
}

type presenceDocument struct {
	ID       string `bson:"_id"`
	Online   bool   `bson:"online"`
	LastSeen int64  `bson:"last_seen"`
}

var _ presence.Store = (*PresenceStore)(nil)
