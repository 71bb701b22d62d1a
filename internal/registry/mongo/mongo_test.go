package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/org-partitions/org-service/internal/db/models"
	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/registry"
)

func orgDoc(name, partitionID, email string) bson.D {
	return bson.D{
		{Key: "organization_name", Value: name},
		{Key: "collection_name", Value: partitionID},
		{Key: "admin_email", Value: email},
		{Key: "hashed_password", Value: "$2a$10$hash"},
		{Key: "created_at", Value: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func ns(mt *mtest.T) string {
	return mt.DB.Name() + "." + CollectionName
}

func TestFindByName(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("found", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch,
			orgDoc("Acme Corp", "org_acme_corp", "admin@acme.com")))

		org, err := New(mt.DB).FindByName(context.Background(), "Acme Corp")
		require.NoError(mt, err)
		assert.Equal(mt, "org_acme_corp", org.PartitionID)
		assert.Equal(mt, "$2a$10$hash", org.CredentialHash)
	})

	mt.Run("not found", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch))

		_, err := New(mt.DB).FindByName(context.Background(), "Nobody")
		assert.ErrorIs(mt, err, errs.ErrNotFound)
	})
}

func TestListByEmail(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("decodes all", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch,
			orgDoc("Acme", "org_acme", "admin@example.com"),
			orgDoc("Globex", "org_globex", "admin@example.com"),
		))

		orgs, err := New(mt.DB).ListByEmail(context.Background(), "admin@example.com")
		require.NoError(mt, err)
		require.Len(mt, orgs, 2)
		assert.Equal(mt, "Globex", orgs[1].Name)
	})
}

func TestInsert(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	org := &models.Organization{Name: "Acme", PartitionID: "org_acme", AdminEmail: "a@acme.com"}

	mt.Run("success", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		require.NoError(mt, New(mt.DB).Insert(context.Background(), org))
	})

	mt.Run("duplicate key", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index: 0, Code: 11000, Message: "E11000 duplicate key error",
		}))
		err := New(mt.DB).Insert(context.Background(), org)
		assert.ErrorIs(mt, err, errs.ErrConflict)
	})
}

func TestRename(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	to := registry.Identity{Name: "Acme Two", PartitionID: "org_acme_two", AdminEmail: "a@acme.com", CredentialHash: "h"}

	mt.Run("matched", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))
		require.NoError(mt, New(mt.DB).Rename(context.Background(), "Acme", to))
	})

	mt.Run("no match", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}))
		err := New(mt.DB).Rename(context.Background(), "Acme", to)
		assert.ErrorIs(mt, err, errs.ErrNotFound)
	})

	mt.Run("unique index violation", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index: 0, Code: 11000, Message: "E11000 duplicate key error",
		}))
		err := New(mt.DB).Rename(context.Background(), "Acme", to)
		assert.ErrorIs(mt, err, errs.ErrConflict)
	})
}

func TestUpdateFieldsAndDelete(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("update missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))
		err := New(mt.DB).UpdateFields(context.Background(), "Acme", "x@acme.com", "h")
		assert.ErrorIs(mt, err, errs.ErrNotFound)
	})

	mt.Run("delete existing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		require.NoError(mt, New(mt.DB).Delete(context.Background(), "Acme"))
	})

	mt.Run("delete missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))
		err := New(mt.DB).Delete(context.Background(), "Acme")
		assert.ErrorIs(mt, err, errs.ErrNotFound)
	})
}

func TestEnsureIndexes(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("creates", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		require.NoError(mt, New(mt.DB).EnsureIndexes(context.Background()))
	})
}
