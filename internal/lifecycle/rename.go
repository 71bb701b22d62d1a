package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/org-partitions/org-service/internal/db/models"
	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/partition"
	"github.com/org-partitions/org-service/internal/registry"
	"github.com/org-partitions/org-service/internal/telemetry"
)

// State is a step of the rename state machine.
//
//	idle -> new_partition_ready -> documents_copied -> registry_switched -> old_partition_dropped
//
// aborted is reachable from every state before registry_switched. The registry
// switch is the commit point: before it the old partition is authoritative and
// an abort drops the new one; after it the rename always completes.
type State string

const (
	StateIdle                State = "idle"
	StateNewPartitionReady   State = "new_partition_ready"
	StateDocumentsCopied     State = "documents_copied"
	StateRegistrySwitched    State = "registry_switched"
	StateOldPartitionDropped State = "old_partition_dropped"
	StateAborted             State = "aborted"
)

// RenameResult describes a finished rename.
type RenameResult struct {
	Organization *models.Organization
	FinalState   State

	// Attempts is the number of copy attempts made.
	Attempts int
}

type renameRun struct {
	m *Manager

	oldName, newName string
	email, hash      string

	org          *models.Organization
	newPartition string
	state        State
	attempts     int
}

func (r *renameRun) enter(s State) {
	r.state = s
	telemetry.TenantRenameTransitionsTotal.WithLabelValues(string(s)).Inc()
	slog.Info("rename transition", "org", r.oldName, "new_org", r.newName, "partition", r.newPartition, "state", s)
}

// Rename moves oldName to newName together with its documents. A new name that
// derives the same partition id (a change of case, say) only rewrites the
// registry entry.
func (m *Manager) Rename(ctx context.Context, oldName, newName, email, password string) (res *RenameResult, err error) {
	defer func() { telemetry.RecordLifecycle("rename", err) }()

	if err := ValidateName(newName); err != nil {
		return nil, err
	}
	if newName == oldName {
		org, err := m.updateFields(ctx, oldName, email, password)
		if err != nil {
			return nil, err
		}
		return &RenameResult{Organization: org, FinalState: StateIdle}, nil
	}

	r := &renameRun{
		m:            m,
		oldName:      oldName,
		newName:      newName,
		email:        email,
		newPartition: partition.Sanitize(newName),
	}

	l, err := m.leaser.Acquire(ctx, leaseKeys(oldName, newName)...)
	if err != nil {
		return nil, fmt.Errorf("rename %q: %w", oldName, err)
	}
	defer l.Release()

	r.enter(StateIdle)
	if err := r.prepare(ctx, password); err != nil {
		return nil, fmt.Errorf("rename %q to %q: %w", oldName, newName, err)
	}

	if r.newPartition == r.org.PartitionID {
		if err := r.switchRegistry(ctx); err != nil {
			return nil, fmt.Errorf("rename %q to %q: %w", oldName, newName, err)
		}
		r.enter(StateRegistrySwitched)
		return r.result(), nil
	}

	if err := r.migrate(ctx); err != nil {
		if !errors.Is(err, errSwitchUnresolved) {
			r.abort(ctx)
		}
		return nil, fmt.Errorf("rename %q to %q: %w", oldName, newName, err)
	}

	// Past the commit point: finish regardless of the caller going away.
	ctx = context.WithoutCancel(ctx)
	r.enter(StateRegistrySwitched)

	if _, err := m.retry(ctx, "drop_old_partition", func(ctx context.Context) error {
		return m.store.Drop(ctx, r.org.PartitionID)
	}); err != nil {
		slog.Warn("old partition drop failed, left for sweep", "org", newName, "partition", r.org.PartitionID, "error", err)
		return r.result(), nil
	}
	r.enter(StateOldPartitionDropped)
	return r.result(), nil
}

// prepare runs the side-effect free checks of the idle state.
func (r *renameRun) prepare(ctx context.Context, password string) error {
	m := r.m
	org, err := m.registry.FindByName(ctx, r.oldName)
	if err != nil {
		return err
	}
	r.org = org

	if err := m.ensureNameFree(ctx, r.newName); err != nil {
		return err
	}
	if err := m.ensurePartitionFree(ctx, r.newPartition, r.oldName); err != nil {
		return err
	}

	r.hash, err = m.hasher.Hash(password)
	return err
}

// migrate drives the machine from idle up to and including the registry switch.
func (r *renameRun) migrate(ctx context.Context) error {
	m := r.m

	if _, err := m.retry(ctx, "create_partition", func(ctx context.Context) error {
		return m.store.CreateEmpty(ctx, r.newPartition)
	}); err != nil {
		return err
	}
	r.enter(StateNewPartitionReady)

	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	attempts, err := m.retry(ctx, "copy_partition", r.copyOnce)
	r.attempts = attempts
	telemetry.TenantPartitionCopyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	r.enter(StateDocumentsCopied)

	if err := ctx.Err(); err != nil {
		return err
	}
	return r.switchRegistry(ctx)
}

// copyOnce copies the old partition into the new one and, when enabled,
// verifies that nothing is missing. A short destination is retryable since
// copies are keyed by document identity.
func (r *renameRun) copyOnce(ctx context.Context) error {
	m := r.m
	if err := m.store.CopyAll(ctx, r.org.PartitionID, r.newPartition); err != nil {
		return err
	}
	if !m.opts.CopyVerify {
		return nil
	}
	want, err := m.store.Count(ctx, r.org.PartitionID)
	if err != nil {
		return err
	}
	got, err := m.store.Count(ctx, r.newPartition)
	if err != nil {
		return err
	}
	if got < want {
		return fmt.Errorf("copy verification: %d of %d documents in %s: %w", got, want, r.newPartition, errs.ErrStoreUnavailable)
	}
	return nil
}

// errSwitchUnresolved marks a registry switch whose outcome could not be
// read back. Neither partition may be dropped until the sweep settles it.
var errSwitchUnresolved = errors.New("registry switch outcome unknown")

// switchRegistry commits the rename. The write runs detached from the
// caller's context since it may land after a cancellation. On failure the
// registry is re-read to decide whether the switch happened.
func (r *renameRun) switchRegistry(ctx context.Context) error {
	m := r.m
	ctx = context.WithoutCancel(ctx)
	to := registry.Identity{
		Name:           r.newName,
		PartitionID:    r.newPartition,
		AdminEmail:     r.email,
		CredentialHash: r.hash,
	}
	_, err := m.retry(ctx, "switch_registry", func(ctx context.Context) error {
		return m.registry.Rename(ctx, r.oldName, to)
	})
	if err == nil {
		return nil
	}
	return r.resolveSwitch(ctx, err)
}

// resolveSwitch decides the outcome of a failed switch from the registry's
// current view of the new partition. It returns nil when the switch landed,
// switchErr when it definitely did not, and errSwitchUnresolved otherwise.
func (r *renameRun) resolveSwitch(ctx context.Context, switchErr error) error {
	m := r.m
	lookup, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
	defer cancel()

	owner, err := m.registry.FindByPartition(lookup, r.newPartition)
	switch {
	case err == nil && owner.Name == r.newName && owner.CredentialHash == r.hash:
		slog.Warn("registry switch reported failure but landed", "org", r.oldName, "new_name", r.newName, "error", switchErr)
		return nil
	case errors.Is(err, errs.ErrNotFound), err == nil && owner.Name == r.oldName:
		return switchErr
	case err == nil:
		err = fmt.Errorf("partition %s held by %q", r.newPartition, owner.Name)
	}
	slog.Error("registry switch outcome unknown, partitions left for sweep",
		"org", r.oldName, "new_name", r.newName, "switch_error", switchErr, "error", err)
	return fmt.Errorf("%w: %w: %w", errSwitchUnresolved, errs.ErrStoreUnavailable, switchErr)
}

// abort drops the partially built new partition. It runs detached from the
// caller's context so a cancelled request still cleans up.
func (r *renameRun) abort(ctx context.Context) {
	r.enter(StateAborted)
	if r.org == nil || r.newPartition == r.org.PartitionID {
		return
	}
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.m.opts.OpTimeout)
	defer cancel()
	if err := r.m.store.Drop(detached, r.newPartition); err != nil {
		slog.Warn("rollback drop failed, left for sweep", "org", r.oldName, "partition", r.newPartition, "error", err)
	}
}

func (r *renameRun) result() *RenameResult {
	return &RenameResult{
		Organization: &models.Organization{
			Name:           r.newName,
			PartitionID:    r.newPartition,
			AdminEmail:     r.email,
			CredentialHash: r.hash,
			CreatedAt:      r.org.CreatedAt,
			UpdatedAt:      time.Now().UTC(),
		},
		FinalState: r.state,
		Attempts:   r.attempts,
	}
}
