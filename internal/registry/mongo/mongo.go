// Package mongo implements registry.Registry on the "organizations" master
// collection of the metadata database.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/org-partitions/org-service/internal/db/models"
	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/registry"
)

// CollectionName is the master collection holding one document per organization.
const CollectionName = "organizations"

func init() {
	registry.Register("mongo", func(deps registry.Deps) (registry.Registry, error) {
		if deps.Mongo == nil {
			return nil, fmt.Errorf("mongo registry backend requires a mongo database handle")
		}
		return New(deps.Mongo), nil
	})
}

// Registry is backed by a single mongo collection with unique indexes on the
// organization name and the partition id.
type Registry struct {
	coll *mongo.Collection
}

// New returns a Registry over the organizations collection of db.
func New(db *mongo.Database) *Registry {
	return &Registry{coll: db.Collection(CollectionName)}
}

// EnsureIndexes creates the unique indexes the conflict detection relies on.
func (r *Registry) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "organization_name", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_organization_name"),
		},
		{
			Keys:    bson.D{{Key: "collection_name", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_collection_name"),
		},
		{
			Keys:    bson.D{{Key: "admin_email", Value: 1}},
			Options: options.Index().SetName("idx_admin_email"),
		},
	})
	if err != nil {
		return classify("create indexes", err)
	}
	return nil
}

func (r *Registry) FindByName(ctx context.Context, name string) (*models.Organization, error) {
	return r.findOne(ctx, bson.M{"organization_name": name}, "organization "+name)
}

func (r *Registry) FindByPartition(ctx context.Context, partitionID string) (*models.Organization, error) {
	return r.findOne(ctx, bson.M{"collection_name": partitionID}, "partition "+partitionID)
}

func (r *Registry) findOne(ctx context.Context, filter bson.M, what string) (*models.Organization, error) {
	var org models.Organization
	if err := r.coll.FindOne(ctx, filter).Decode(&org); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", what, errs.ErrNotFound)
		}
		return nil, classify("find "+what, err)
	}
	return &org, nil
}

func (r *Registry) ListByEmail(ctx context.Context, email string) ([]*models.Organization, error) {
	return r.find(ctx, bson.M{"admin_email": email})
}

func (r *Registry) List(ctx context.Context) ([]*models.Organization, error) {
	return r.find(ctx, bson.M{})
}

func (r *Registry) find(ctx context.Context, filter bson.M) ([]*models.Organization, error) {
	cursor, err := r.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, classify("find organizations", err)
	}
	var orgs []*models.Organization
	if err := cursor.All(ctx, &orgs); err != nil {
		return nil, classify("decode organizations", err)
	}
	return orgs, nil
}

func (r *Registry) Insert(ctx context.Context, org *models.Organization) error {
	doc := org.Clone()
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("organization %q: %w", org.Name, errs.ErrConflict)
		}
		return classify("insert organization", err)
	}
	return nil
}

func (r *Registry) UpdateFields(ctx context.Context, name, email, credentialHash string) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"organization_name": name},
		bson.M{"$set": bson.M{
			"admin_email":     email,
			"hashed_password": credentialHash,
			"updated_at":      time.Now().UTC(),
		}},
	)
	if err != nil {
		return classify("update organization", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("organization %q: %w", name, errs.ErrNotFound)
	}
	return nil
}

// Rename rewrites the identity fields of one document in a single update, so
// readers see either the old or the new identity.
func (r *Registry) Rename(ctx context.Context, oldName string, to registry.Identity) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"organization_name": oldName},
		bson.M{"$set": bson.M{
			"organization_name": to.Name,
			"collection_name":   to.PartitionID,
			"admin_email":       to.AdminEmail,
			"hashed_password":   to.CredentialHash,
			"updated_at":        time.Now().UTC(),
		}},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("organization %q: %w", to.Name, errs.ErrConflict)
		}
		return classify("rename organization", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("organization %q: %w", oldName, errs.ErrNotFound)
	}
	return nil
}

func (r *Registry) Delete(ctx context.Context, name string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"organization_name": name})
	if err != nil {
		return classify("delete organization", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("organization %q: %w", name, errs.ErrNotFound)
	}
	return nil
}

func (r *Registry) Ping(ctx context.Context) error {
	if err := r.coll.Database().Client().Ping(ctx, nil); err != nil {
		return classify("ping", err)
	}
	return nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("%s: %w: %w", op, errs.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
