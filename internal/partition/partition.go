// Package partition defines the Store interface over the shared document store
// in which every organization owns exactly one partition (a collection), and the
// naming rule that derives a partition id from an organization name.
//
// New backends implement Store and register with the factory from an init()
// function in their own package:
//
//	func init() {
//	    partition.Register("mybackend", func(deps partition.Deps) (partition.Store, error) {
//	        return NewMyBackend(deps)
//	    })
//	}
//
// The server imports each backend with a blank import to trigger init().
package partition

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/org-partitions/org-service/internal/config"
)

// MarkerID is the _id of the document a backend may insert to materialize an
// otherwise empty partition. It is invisible to Count and never copied.
const MarkerID = "__partition_marker__"

// Store is the capability set the lifecycle manager needs from the document store.
//
// Every method must honour ctx deadlines. Transient failures (timeouts, lost
// connections) are reported wrapped in errs.ErrStoreUnavailable so the caller
// can retry them.
type Store interface {
	// Exists reports whether the partition is live.
	Exists(ctx context.Context, id string) (bool, error)

	// CreateEmpty materializes a partition with no tenant-visible documents.
	// Creating a partition that already exists is not an error.
	CreateEmpty(ctx context.Context, id string) error

	// Drop removes a partition and all of its documents. Dropping a partition
	// that does not exist is not an error.
	Drop(ctx context.Context, id string) error

	// CopyAll copies every tenant document of src into dst, keyed by document
	// identity. Re-running a partially failed copy produces the union of both
	// runs, never duplicates. A missing src copies nothing.
	CopyAll(ctx context.Context, src, dst string) error

	// Count returns the number of tenant-visible documents in a partition.
	Count(ctx context.Context, id string) (int64, error)

	// List returns the ids of all live tenant partitions.
	List(ctx context.Context) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// Deps carries the shared clients a backend may need. Backends ignore the
// fields they do not use.
type Deps struct {
	Config *config.Config
	Mongo  *mongo.Database
}

// FactoryFunc builds a Store from its dependencies.
type FactoryFunc func(deps Deps) (Store, error)

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

// New builds the Store registered under backend.
func New(backend string, deps Deps) (Store, error) {
	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported partition backend: %s (registered: %v)", backend, Backends())
	}
	return factory(deps)
}
