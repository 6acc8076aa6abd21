// Package mongolog stores conversation logs in MongoDB. One document per
// log holds its public key and length; one document per entry holds the
// entry bytes at its index.
package mongolog

import (
	"bytes"
	"context"
	"convlog/internal/repository/substrate"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	LogRepo struct {
		logs    *mongo.Collection
		entries *mongo.Collection
	}

	logDoc struct {
		ID     string `bson:"_id"`
		Key    []byte `bson:"key"`
		Length int    `bson:"length"`
	}

	entryDoc struct {
		ConversationID string `bson:"conversation_id"`
		Index          int    `bson:"index"`
		Data           []byte `bson:"data"`
	}
)

func NewLogRepo(db *mongo.Database) *LogRepo {
	return &LogRepo{
		logs:    db.Collection("logs"),
		entries: db.Collection("entries"),
	}
}

// EnsureIndexes creates the unique (conversation_id, index) index entries
// rely on.
func (r *LogRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.entries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "index", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Join creates the log on first use. Joining an existing log with a
// different key fails with substrate.ErrKeyMismatch.
func (r *LogRepo) Join(ctx context.Context, conversationID string, key []byte) error {
	filter := bson.M{"_id": conversationID}
	update := bson.M{"$setOnInsert": bson.M{"key": key, "length": 0}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc logDoc
	if err := r.logs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return fmt.Errorf("join %s: %w", conversationID, err)
	}
	if !bytes.Equal(doc.Key, key) {
		return fmt.Errorf("join %s: %w", conversationID, substrate.ErrKeyMismatch)
	}
	return nil
}

// Append reserves the next index with an atomic counter and stores entry
// under it. A reserved index whose insert fails stays empty; readers only
// see the contiguous prefix before it.
func (r *LogRepo) Append(ctx context.Context, conversationID string, entry []byte) (int, error) {
	filter := bson.M{"_id": conversationID}
	update := bson.M{"$inc": bson.M{"length": 1}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc logDoc
	err := r.logs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("append %s: %w", conversationID, substrate.ErrNotJoined)
	}
	if err != nil {
		return 0, err
	}

	index := doc.Length - 1
	_, err = r.entries.InsertOne(ctx, entryDoc{ConversationID: conversationID, Index: index, Data: entry})
	if err != nil {
		return 0, fmt.Errorf("append %s at %d: %w", conversationID, index, err)
	}
	return index, nil
}

// ReadRange returns the stored entries in [from, to), stopping early at
// the first missing index. to is clamped to the log's length.
func (r *LogRepo) ReadRange(ctx context.Context, conversationID string, from, to int) ([][]byte, error) {
	if from < 0 || to < from {
		return nil, fmt.Errorf("read %s: bad range [%d, %d)", conversationID, from, to)
	}
	n, err := r.Length(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	to = clampRange(from, to, n)
	if from >= to {
		return nil, nil
	}

	filter := bson.M{
		"conversation_id": conversationID,
		"index":           bson.M{"$gte": from, "$lt": to},
	}
	cur, err := r.entries.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([][]byte, 0, to-from)
	for cur.Next(ctx) {
		var doc entryDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		if doc.Index != from+len(out) {
			break
		}
		out = append(out, doc.Data)
	}
	return out, cur.Err()
}

func clampRange(from, to, length int) int {
	if to > length {
		to = length
	}
	if to < from {
		to = from
	}
	return to
}

// Length is the number of indexes reserved in the log.
func (r *LogRepo) Length(ctx context.Context, conversationID string) (int, error) {
	var doc logDoc
	err := r.logs.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("length %s: %w", conversationID, substrate.ErrNotJoined)
	}
	if err != nil {
		return 0, err
	}
	return doc.Length, nil
}
