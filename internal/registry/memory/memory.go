// Package memory is an in-process registry.Registry used for local
// development and as the substitute registry in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/org-partitions/org-service/internal/db/models"
	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/registry"
)

func init() {
	registry.Register("memory", func(registry.Deps) (registry.Registry, error) {
		return New(), nil
	})
}

// Registry indexes organizations by name and by partition id.
type Registry struct {
	mu          sync.RWMutex
	byName      map[string]*models.Organization
	byPartition map[string]string
	now         func() time.Time
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byName:      make(map[string]*models.Organization),
		byPartition: make(map[string]string),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) FindByName(_ context.Context, name string) (*models.Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	org, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("organization %q: %w", name, errs.ErrNotFound)
	}
	return org.Clone(), nil
}

func (r *Registry) FindByPartition(_ context.Context, partitionID string) (*models.Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byPartition[partitionID]
	if !ok {
		return nil, fmt.Errorf("partition %q: %w", partitionID, errs.ErrNotFound)
	}
	return r.byName[name].Clone(), nil
}

func (r *Registry) ListByEmail(_ context.Context, email string) ([]*models.Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Organization
	for _, org := range r.byName {
		if org.AdminEmail == email {
			out = append(out, org.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (r *Registry) List(_ context.Context) ([]*models.Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Organization, 0, len(r.byName))
	for _, org := range r.byName {
		out = append(out, org.Clone())
	}
	sortByCreated(out)
	return out, nil
}

func (r *Registry) Insert(_ context.Context, org *models.Organization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[org.Name]; ok {
		return fmt.Errorf("organization %q: %w", org.Name, errs.ErrConflict)
	}
	if _, ok := r.byPartition[org.PartitionID]; ok {
		return fmt.Errorf("partition %q: %w", org.PartitionID, errs.ErrConflict)
	}
	stored := org.Clone()
	now := r.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.byName[stored.Name] = stored
	r.byPartition[stored.PartitionID] = stored.Name
	return nil
}

func (r *Registry) UpdateFields(_ context.Context, name, email, credentialHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	org, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("organization %q: %w", name, errs.ErrNotFound)
	}
	org.AdminEmail = email
	org.CredentialHash = credentialHash
	org.UpdatedAt = r.now()
	return nil
}

func (r *Registry) Rename(_ context.Context, oldName string, to registry.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	org, ok := r.byName[oldName]
	if !ok {
		return fmt.Errorf("organization %q: %w", oldName, errs.ErrNotFound)
	}
	if holder, ok := r.byName[to.Name]; ok && holder != org {
		return fmt.Errorf("organization %q: %w", to.Name, errs.ErrConflict)
	}
	if holder, ok := r.byPartition[to.PartitionID]; ok && holder != oldName {
		return fmt.Errorf("partition %q: %w", to.PartitionID, errs.ErrConflict)
	}

	delete(r.byName, oldName)
	delete(r.byPartition, org.PartitionID)
	org.Name = to.Name
	org.PartitionID = to.PartitionID
	org.AdminEmail = to.AdminEmail
	org.CredentialHash = to.CredentialHash
	org.UpdatedAt = r.now()
	r.byName[org.Name] = org
	r.byPartition[org.PartitionID] = org.Name
	return nil
}

func (r *Registry) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	org, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("organization %q: %w", name, errs.ErrNotFound)
	}
	delete(r.byName, name)
	delete(r.byPartition, org.PartitionID)
	return nil
}

func (r *Registry) Ping(ctx context.Context) error {
	return ctx.Err()
}

func sortByCreated(orgs []*models.Organization) {
	sort.Slice(orgs, func(i, j int) bool {
		if orgs[i].CreatedAt.Equal(orgs[j].CreatedAt) {
			return orgs[i].Name < orgs[j].Name
		}
		return orgs[i].CreatedAt.Before(orgs[j].CreatedAt)
	})
}
