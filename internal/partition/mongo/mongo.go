// Package mongo implements partition.Store on MongoDB: every partition is a
// collection in the configured database.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/partition"
)

const (
	defaultBatchSize = 500

	// codeNamespaceExists is returned by the create command for a collection
	// that is already there.
	codeNamespaceExists = 48
)

func init() {
	partition.Register("mongo", func(deps partition.Deps) (partition.Store, error) {
		if deps.Mongo == nil {
			return nil, fmt.Errorf("mongo partition backend requires a mongo database handle")
		}
		batch := defaultBatchSize
		if deps.Config != nil && deps.Config.Partitions.CopyBatchSize > 0 {
			batch = deps.Config.Partitions.CopyBatchSize
		}
		return New(deps.Mongo, batch), nil
	})
}

// Store keeps one collection per tenant partition.
type Store struct {
	db        *mongo.Database
	batchSize int
}

// New returns a Store over db. CopyAll reads and writes batchSize documents at a time.
func New(db *mongo.Database, batchSize int) *Store {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Store{db: db, batchSize: batchSize}
}

// Exists reports whether a collection named id exists.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.M{"name": id})
	if err != nil {
		return false, classify("list collections", err)
	}
	return len(names) > 0, nil
}

// CreateEmpty creates the collection and upserts the marker document so the
// partition is materialized even before the tenant writes to it.
func (s *Store) CreateEmpty(ctx context.Context, id string) error {
	if err := s.db.CreateCollection(ctx, id); err != nil && !isNamespaceExists(err) {
		return classify("create collection "+id, err)
	}

	_, err := s.db.Collection(id).UpdateOne(ctx,
		bson.M{"_id": partition.MarkerID},
		bson.M{"$setOnInsert": bson.M{"type": "init_marker", "created_at": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return classify("write partition marker "+id, err)
	}
	return nil
}

// Drop removes the collection. The server's "ns not found" reply is swallowed
// by the driver, so dropping a missing partition succeeds.
func (s *Store) Drop(ctx context.Context, id string) error {
	if err := s.db.Collection(id).Drop(ctx); err != nil {
		return classify("drop collection "+id, err)
	}
	return nil
}

// CopyAll streams src and upserts every document into dst by _id in unordered
// batches, so a rerun after a partial failure yields the union of both runs.
func (s *Store) CopyAll(ctx context.Context, src, dst string) error {
	cursor, err := s.db.Collection(src).Find(ctx,
		bson.M{"_id": bson.M{"$ne": partition.MarkerID}},
		options.Find().SetBatchSize(int32(s.batchSize)),
	)
	if err != nil {
		return classify("read "+src, err)
	}
	defer cursor.Close(ctx)

	target := s.db.Collection(dst)
	models := make([]mongo.WriteModel, 0, s.batchSize)
	flush := func() error {
		if len(models) == 0 {
			return nil
		}
		if _, err := target.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
			return classify("write "+dst, err)
		}
		models = models[:0]
		return nil
	}

	for cursor.Next(ctx) {
		doc := make(bson.Raw, len(cursor.Current))
		copy(doc, cursor.Current)

		id, err := doc.LookupErr("_id")
		if err != nil {
			return fmt.Errorf("document in %s has no _id: %w", src, err)
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: id}}).
			SetReplacement(doc).
			SetUpsert(true))

		if len(models) >= s.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return classify("iterate "+src, err)
	}
	return flush()
}

// Count returns the number of documents in id, excluding the marker.
func (s *Store) Count(ctx context.Context, id string) (int64, error) {
	n, err := s.db.Collection(id).CountDocuments(ctx, bson.M{"_id": bson.M{"$ne": partition.MarkerID}})
	if err != nil {
		return 0, classify("count "+id, err)
	}
	return n, nil
}

// List returns all collections carrying the tenant prefix, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.M{"name": bson.M{"$regex": "^" + partition.Prefix}})
	if err != nil {
		return nil, classify("list collections", err)
	}
	ids := make([]string, 0, len(names))
	for _, name := range names {
		if partition.IsTenantPartition(name) {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping checks the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Client().Ping(ctx, nil); err != nil {
		return classify("ping", err)
	}
	return nil
}

func isNamespaceExists(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.Code == codeNamespaceExists
}

// classify wraps transient driver failures with errs.ErrStoreUnavailable so the
// lifecycle manager retries them.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w: %w", op, errs.ErrStoreUnavailable, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err), errors.Is(err, mongo.ErrClientDisconnected):
		return fmt.Errorf("%s: %w: %w", op, errs.ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
