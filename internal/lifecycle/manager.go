// Package lifecycle implements the tenant lifecycle: creating an organization
// together with its partition, renaming it (which migrates every document to a
// freshly derived partition), updating its admin credentials and deleting it.
//
// Every mutating operation holds a lease over the organization names and
// partition ids it touches, so concurrent requests against the same tenant
// are serialized while unrelated tenants proceed in parallel.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/org-partitions/org-service/internal/auth"
	"github.com/org-partitions/org-service/internal/db/models"
	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/lease"
	"github.com/org-partitions/org-service/internal/partition"
	"github.com/org-partitions/org-service/internal/registry"
	"github.com/org-partitions/org-service/internal/telemetry"
)

// RetryPolicy bounds the retries of transient store failures.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Options tunes a Manager.
type Options struct {
	// OpTimeout bounds every individual store call.
	OpTimeout time.Duration

	Retry RetryPolicy

	// CopyVerify compares document counts after a rename copy and retries the
	// copy when the destination is short.
	CopyVerify bool
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		OpTimeout: 30 * time.Second,
		Retry: RetryPolicy{
			MaxRetries:      3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		CopyVerify: true,
	}
}

// Manager coordinates the registry and the partition store.
type Manager struct {
	registry registry.Registry
	store    partition.Store
	leaser   lease.Leaser
	hasher   auth.PasswordHasher
	opts     Options
}

// New creates a Manager. Zero durations in opts fall back to DefaultOptions.
func New(reg registry.Registry, store partition.Store, leaser lease.Leaser, hasher auth.PasswordHasher, opts Options) *Manager {
	defaults := DefaultOptions()
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaults.OpTimeout
	}
	if opts.Retry.MaxRetries < 0 {
		opts.Retry.MaxRetries = 0
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry.InitialInterval = defaults.Retry.InitialInterval
	}
	if opts.Retry.MaxInterval < opts.Retry.InitialInterval {
		opts.Retry.MaxInterval = opts.Retry.InitialInterval
	}
	return &Manager{
		registry: reg,
		store:    store,
		leaser:   leaser,
		hasher:   hasher,
		opts:     opts,
	}
}

// ValidateName rejects names that are blank or that sanitize to a bare prefix.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: organization_name must not be empty", errs.ErrValidation)
	}
	if partition.Sanitize(name) == partition.Prefix {
		return fmt.Errorf("%w: organization_name %q has no letters or digits", errs.ErrValidation, name)
	}
	return nil
}

// leaseKeys returns the lease keys guarding an organization and the partition
// its name derives to.
func leaseKeys(names ...string) []string {
	keys := make([]string, 0, 2*len(names))
	for _, name := range names {
		keys = append(keys, lease.OrgKey(name), lease.PartitionKey(partition.Sanitize(name)))
	}
	return keys
}

// Create registers name and materializes its empty partition. Once the
// registry insert succeeds the organization exists: a partition that could not
// be created is logged and recreated later by Get or Reconcile.
func (m *Manager) Create(ctx context.Context, name, email, password string) (org *models.Organization, err error) {
	defer func() { telemetry.RecordLifecycle("create", err) }()

	if err := ValidateName(name); err != nil {
		return nil, err
	}
	partitionID := partition.Sanitize(name)

	l, err := m.leaser.Acquire(ctx, leaseKeys(name)...)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", name, err)
	}
	defer l.Release()

	if err := m.ensureNameFree(ctx, name); err != nil {
		return nil, fmt.Errorf("create %q: %w", name, err)
	}
	if err := m.ensurePartitionFree(ctx, partitionID, ""); err != nil {
		return nil, fmt.Errorf("create %q: %w", name, err)
	}

	hash, err := m.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", name, err)
	}

	org = &models.Organization{
		Name:           name,
		PartitionID:    partitionID,
		AdminEmail:     email,
		CredentialHash: hash,
	}
	if err := m.registry.Insert(ctx, org); err != nil {
		return nil, fmt.Errorf("create %q: %w", name, err)
	}

	if _, err := m.retry(ctx, "create_partition", func(ctx context.Context) error {
		return m.store.CreateEmpty(ctx, partitionID)
	}); err != nil {
		// The organization is registered; Get and the sweep recreate the
		// partition.
		slog.Warn("partition creation failed, left for repair", "org", name, "partition", partitionID, "error", err)
		return org, nil
	}

	slog.Info("organization created", "org", name, "partition", partitionID)
	return org, nil
}

// Get returns the organization registered under name. A partition missing
// from the store is recreated on the spot; failure to do so is logged and does
// not fail the lookup.
func (m *Manager) Get(ctx context.Context, name string) (org *models.Organization, err error) {
	defer func() { telemetry.RecordLifecycle("get", err) }()

	org, err = m.registry.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	m.repairPartition(ctx, org)
	return org, nil
}

func (m *Manager) repairPartition(ctx context.Context, org *models.Organization) {
	exists, err := m.exists(ctx, org.PartitionID)
	if err != nil {
		slog.Warn("partition existence check failed", "org", org.Name, "partition", org.PartitionID, "error", err)
		return
	}
	if exists {
		return
	}

	l, err := m.leaser.TryAcquire(ctx, leaseKeys(org.Name)...)
	if err != nil {
		slog.Debug("partition repair skipped, organization busy", "org", org.Name)
		return
	}
	defer l.Release()

	current, err := m.registry.FindByName(ctx, org.Name)
	if err != nil || current.PartitionID != org.PartitionID {
		return
	}
	if _, err := m.retry(ctx, "repair_partition", func(ctx context.Context) error {
		return m.store.CreateEmpty(ctx, org.PartitionID)
	}); err != nil {
		slog.Warn("partition repair failed", "org", org.Name, "partition", org.PartitionID, "error", err)
		return
	}
	slog.Info("missing partition recreated", "org", org.Name, "partition", org.PartitionID)
}

// Update changes the admin credentials of currentName and renames the
// organization when newName differs.
func (m *Manager) Update(ctx context.Context, currentName, newName, email, password string) (*models.Organization, error) {
	if newName != currentName {
		res, err := m.Rename(ctx, currentName, newName, email, password)
		if err != nil {
			return nil, err
		}
		return res.Organization, nil
	}
	return m.updateFields(ctx, currentName, email, password)
}

func (m *Manager) updateFields(ctx context.Context, name, email, password string) (org *models.Organization, err error) {
	defer func() { telemetry.RecordLifecycle("update", err) }()

	l, err := m.leaser.Acquire(ctx, leaseKeys(name)...)
	if err != nil {
		return nil, fmt.Errorf("update %q: %w", name, err)
	}
	defer l.Release()

	if _, err := m.registry.FindByName(ctx, name); err != nil {
		return nil, fmt.Errorf("update %q: %w", name, err)
	}
	hash, err := m.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("update %q: %w", name, err)
	}
	if err := m.registry.UpdateFields(ctx, name, email, hash); err != nil {
		return nil, fmt.Errorf("update %q: %w", name, err)
	}
	slog.Info("organization credentials updated", "org", name)
	return m.registry.FindByName(ctx, name)
}

// Delete removes name from the registry and then drops its partition. Once the
// registry entry is gone the deletion has happened; a failed drop only leaves
// an orphan partition for the reconciliation sweep.
func (m *Manager) Delete(ctx context.Context, name string) (err error) {
	defer func() { telemetry.RecordLifecycle("delete", err) }()

	l, err := m.leaser.Acquire(ctx, leaseKeys(name)...)
	if err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	defer l.Release()

	org, err := m.registry.FindByName(ctx, name)
	if err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	if err := m.registry.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}

	if _, err := m.retry(context.WithoutCancel(ctx), "drop_partition", func(ctx context.Context) error {
		return m.store.Drop(ctx, org.PartitionID)
	}); err != nil {
		slog.Warn("partition drop failed, left for sweep", "org", name, "partition", org.PartitionID, "error", err)
	}
	slog.Info("organization deleted", "org", name, "partition", org.PartitionID)
	return nil
}

// ensureNameFree fails with errs.ErrConflict when name is registered.
func (m *Manager) ensureNameFree(ctx context.Context, name string) error {
	_, err := m.registry.FindByName(ctx, name)
	switch {
	case err == nil:
		return fmt.Errorf("organization name %q: %w", name, errs.ErrConflict)
	case errors.Is(err, errs.ErrNotFound):
		return nil
	default:
		return err
	}
}

// ensurePartitionFree fails with errs.ErrConflict when partitionID is owned by
// an organization other than owner.
func (m *Manager) ensurePartitionFree(ctx context.Context, partitionID, owner string) error {
	existing, err := m.registry.FindByPartition(ctx, partitionID)
	switch {
	case err == nil:
		if owner != "" && existing.Name == owner {
			return nil
		}
		return fmt.Errorf("partition %s already belongs to %q: %w", partitionID, existing.Name, errs.ErrConflict)
	case errors.Is(err, errs.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (m *Manager) exists(ctx context.Context, partitionID string) (bool, error) {
	var exists bool
	_, err := m.retry(ctx, "exists", func(ctx context.Context) error {
		var err error
		exists, err = m.store.Exists(ctx, partitionID)
		return err
	})
	return exists, err
}
