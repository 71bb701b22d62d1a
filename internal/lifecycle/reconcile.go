package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/lease"
	"github.com/org-partitions/org-service/internal/telemetry"
)

// ReconcileReport lists what a sweep changed.
type ReconcileReport struct {
	// Recreated holds partition ids created for registered organizations
	// whose partition was missing.
	Recreated []string

	// Dropped holds partition ids that no organization owned.
	Dropped []string

	// Skipped holds partition ids left alone because an operation held their
	// lease or the recheck found them consistent.
	Skipped []string

	// Failed holds partition ids whose repair returned an error.
	Failed []string
}

// Reconcile repairs the two inconsistencies crashes and failed cleanups can
// leave behind: registered organizations without a partition, and tenant
// partitions without an owner. It never waits for a lease; anything under an
// in-flight operation is skipped and picked up by the next sweep.
func (m *Manager) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	orgs, err := m.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list organizations: %w", err)
	}
	var partitions []string
	if _, err := m.retry(ctx, "list_partitions", func(ctx context.Context) error {
		var err error
		partitions, err = m.store.List(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("reconcile: list partitions: %w", err)
	}

	live := make(map[string]bool, len(partitions))
	for _, id := range partitions {
		live[id] = true
	}
	owned := make(map[string]bool, len(orgs))

	report := &ReconcileReport{}
	for _, org := range orgs {
		owned[org.PartitionID] = true
		if live[org.PartitionID] {
			continue
		}
		report.record(m.recreate(ctx, org.Name, org.PartitionID), org.PartitionID)
	}
	for _, id := range partitions {
		if owned[id] {
			continue
		}
		report.record(m.dropOrphan(ctx, id), id)
	}

	slog.Info("reconcile finished",
		"recreated", len(report.Recreated),
		"dropped", len(report.Dropped),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed))
	return report, nil
}

type reconcileAction string

const (
	actionRecreated reconcileAction = "recreated"
	actionDropped   reconcileAction = "dropped"
	actionSkipped   reconcileAction = "skipped"
	actionFailed    reconcileAction = "failed"
)

func (r *ReconcileReport) record(action reconcileAction, id string) {
	telemetry.TenantReconcileActionsTotal.WithLabelValues(string(action)).Inc()
	switch action {
	case actionRecreated:
		r.Recreated = append(r.Recreated, id)
	case actionDropped:
		r.Dropped = append(r.Dropped, id)
	case actionSkipped:
		r.Skipped = append(r.Skipped, id)
	default:
		r.Failed = append(r.Failed, id)
	}
}

func (m *Manager) recreate(ctx context.Context, name, partitionID string) reconcileAction {
	l, err := m.leaser.TryAcquire(ctx, lease.OrgKey(name), lease.PartitionKey(partitionID))
	if err != nil {
		return actionSkipped
	}
	defer l.Release()

	current, err := m.registry.FindByName(ctx, name)
	if err != nil || current.PartitionID != partitionID {
		return actionSkipped
	}
	exists, err := m.exists(ctx, partitionID)
	if err != nil {
		slog.Warn("reconcile: existence check failed", "org", name, "partition", partitionID, "error", err)
		return actionFailed
	}
	if exists {
		return actionSkipped
	}
	if _, err := m.retry(ctx, "recreate_partition", func(ctx context.Context) error {
		return m.store.CreateEmpty(ctx, partitionID)
	}); err != nil {
		slog.Warn("reconcile: recreate failed", "org", name, "partition", partitionID, "error", err)
		return actionFailed
	}
	slog.Info("reconcile: partition recreated", "org", name, "partition", partitionID)
	return actionRecreated
}

func (m *Manager) dropOrphan(ctx context.Context, partitionID string) reconcileAction {
	l, err := m.leaser.TryAcquire(ctx, lease.PartitionKey(partitionID))
	if err != nil {
		return actionSkipped
	}
	defer l.Release()

	_, err = m.registry.FindByPartition(ctx, partitionID)
	switch {
	case err == nil:
		return actionSkipped
	case !errors.Is(err, errs.ErrNotFound):
		slog.Warn("reconcile: owner lookup failed", "partition", partitionID, "error", err)
		return actionFailed
	}
	if _, err := m.retry(ctx, "drop_orphan", func(ctx context.Context) error {
		return m.store.Drop(ctx, partitionID)
	}); err != nil {
		slog.Warn("reconcile: orphan drop failed", "partition", partitionID, "error", err)
		return actionFailed
	}
	slog.Info("reconcile: orphan partition dropped", "partition", partitionID)
	return actionDropped
}
