// Package registry defines the authoritative organization registry: the
// mapping from organization name to partition id and admin credentials.
//
// Backends register a FactoryFunc from an init() function and are selected by
// the registry.backend configuration key.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/org-partitions/org-service/internal/config"
	"github.com/org-partitions/org-service/internal/db/models"
)

// Identity is the set of fields a rename replaces in a single atomic write.
type Identity struct {
	Name           string
	PartitionID    string
	AdminEmail     string
	CredentialHash string
}

// Registry stores organization records. Lookups of unknown records return an
// error wrapping errs.ErrNotFound; writes that would duplicate a name or a
// partition id return an error wrapping errs.ErrConflict.
type Registry interface {
	FindByName(ctx context.Context, name string) (*models.Organization, error)
	FindByPartition(ctx context.Context, partitionID string) (*models.Organization, error)
	ListByEmail(ctx context.Context, email string) ([]*models.Organization, error)
	List(ctx context.Context) ([]*models.Organization, error)

	Insert(ctx context.Context, org *models.Organization) error

	// UpdateFields replaces the admin email and credential hash of name.
	UpdateFields(ctx context.Context, name, email, credentialHash string) error

	// Rename atomically moves the record at oldName to the new identity.
	Rename(ctx context.Context, oldName string, to Identity) error

	Delete(ctx context.Context, name string) error

	Ping(ctx context.Context) error
}

// Deps carries the shared clients a backend may need.
type Deps struct {
	Config *config.Config
	Mongo  *mongo.Database
	DB     *sql.DB
}

// FactoryFunc builds a Registry from its dependencies.
type FactoryFunc func(deps Deps) (Registry, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]FactoryFunc)
)

// Register makes a backend available under name.
func Register(name string, factory FactoryFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the Registry registered under backend.
func New(backend string, deps Deps) (Registry, error) {
	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported registry backend: %s (registered: %v)", backend, Backends())
	}
	return factory(deps)
}
