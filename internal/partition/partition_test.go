package partition_test

import (
	"context"
	"strings"
	"testing"

	"github.com/org-partitions/org-service/internal/partition"
)

// ---------------------------------------------------------------------------
// Minimal stub Store for Register tests
// ---------------------------------------------------------------------------

type stubStore struct{}

func (stubStore) Exists(context.Context, string) (bool, error)  { return false, nil }
func (stubStore) CreateEmpty(context.Context, string) error     { return nil }
func (stubStore) Drop(context.Context, string) error            { return nil }
func (stubStore) CopyAll(context.Context, string, string) error { return nil }
func (stubStore) Count(context.Context, string) (int64, error)  { return 0, nil }
func (stubStore) List(context.Context) ([]string, error)        { return nil, nil }
func (stubStore) Ping(context.Context) error                    { return nil }

// ---------------------------------------------------------------------------
// Register / New
// ---------------------------------------------------------------------------

func TestRegister_AddsFactory(t *testing.T) {
	partition.Register("stub-backend", func(partition.Deps) (partition.Store, error) {
		return stubStore{}, nil
	})

	s, err := partition.New("stub-backend", partition.Deps{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if s == nil {
		t.Fatal("New() returned nil")
	}

	found := false
	for _, name := range partition.Backends() {
		if name == "stub-backend" {
			found = true
		}
	}
	if !found {
		t.Errorf("Backends() = %v, want it to contain stub-backend", partition.Backends())
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := partition.New("completely-unknown-backend", partition.Deps{})
	if err == nil {
		t.Fatal("New() expected error for unknown backend")
	}
	if !strings.Contains(err.Error(), "unsupported partition backend") {
		t.Errorf("error = %q, want it to mention unsupported partition backend", err)
	}
}
