package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org-partitions/org-service/internal/db/models"
	"github.com/org-partitions/org-service/internal/lease"
	partmemory "github.com/org-partitions/org-service/internal/partition/memory"
)

func TestReconcile_RecreatesMissingPartition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.Insert(ctx, &models.Organization{
		Name: "acme", PartitionID: "org_acme", AdminEmail: "admin@example.com", CredentialHash: "x",
	}))

	report, err := f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"org_acme"}, report.Recreated)
	assert.Empty(t, report.Dropped)
	assert.True(t, f.exists(t, "org_acme"))
}

func TestReconcile_DropsOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "acme", 1)
	require.NoError(t, f.store.CreateEmpty(ctx, "org_orphan"))
	require.NoError(t, f.store.CreateEmpty(ctx, "system_settings"))

	report, err := f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"org_orphan"}, report.Dropped)
	assert.Empty(t, report.Recreated)
	assert.False(t, f.exists(t, "org_orphan"))
	assert.True(t, f.exists(t, "system_settings"))
	assert.Len(t, f.store.Documents("org_acme"), 1)
}

func TestReconcile_SkipsLeasedPartitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateEmpty(ctx, "org_in_flight"))

	held, err := f.leaser.Acquire(ctx, lease.PartitionKey("org_in_flight"))
	require.NoError(t, err)

	report, err := f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"org_in_flight"}, report.Skipped)
	assert.True(t, f.exists(t, "org_in_flight"))

	held.Release()
	report, err = f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"org_in_flight"}, report.Dropped)
}

func TestReconcile_ReportsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateEmpty(ctx, "org_orphan"))
	f.store.InjectFault(partmemory.OpDrop, errFlaky, errFlaky, errFlaky, errFlaky)

	report, err := f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"org_orphan"}, report.Failed)
}

func TestReconcile_ListFailure(t *testing.T) {
	f := newFixture(t)
	f.store.InjectFault(partmemory.OpList, errFlaky, errFlaky, errFlaky, errFlaky)

	_, err := f.mgr.Reconcile(context.Background())
	assert.Error(t, err)
}

func TestReconcile_ConsistentStateIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acme", 0)
	f.seed(t, "beta", 0)

	report, err := f.mgr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Recreated)
	assert.Empty(t, report.Dropped)
	assert.Empty(t, report.Skipped)
	assert.Empty(t, report.Failed)
}
