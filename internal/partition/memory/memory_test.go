package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/partition"
)

// newSeededStore returns a Store with one partition holding n documents.
func newSeededStore(t *testing.T, id string, n int) *Store {
	t.Helper()
	s := New()
	if err := s.CreateEmpty(context.Background(), id); err != nil {
		t.Fatal("CreateEmpty:", err)
	}
	for i := 0; i < n; i++ {
		docID := string(rune('a' + i))
		if err := s.Put(id, docID, Document{"n": i}); err != nil {
			t.Fatal("Put:", err)
		}
	}
	return s
}

// ---------------------------------------------------------------------------
// CreateEmpty / Exists / Drop
// ---------------------------------------------------------------------------

func TestCreateEmpty_Idempotent(t *testing.T) {
	s := newSeededStore(t, "org_acme", 2)
	ctx := context.Background()

	if err := s.CreateEmpty(ctx, "org_acme"); err != nil {
		t.Fatalf("CreateEmpty() second call error: %v", err)
	}
	n, err := s.Count(ctx, "org_acme")
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2 (existing documents kept)", n)
	}
}

func TestDrop_MissingIsNotError(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Drop(ctx, "org_ghost"); err != nil {
		t.Fatalf("Drop() error: %v", err)
	}
	ok, err := s.Exists(ctx, "org_ghost")
	if err != nil || ok {
		t.Errorf("Exists = %v, %v; want false, nil", ok, err)
	}
}

func TestDrop_RemovesPartition(t *testing.T) {
	s := newSeededStore(t, "org_acme", 3)
	ctx := context.Background()
	if err := s.Drop(ctx, "org_acme"); err != nil {
		t.Fatalf("Drop() error: %v", err)
	}
	if ok, _ := s.Exists(ctx, "org_acme"); ok {
		t.Error("partition still exists after Drop")
	}
}

// ---------------------------------------------------------------------------
// CopyAll
// ---------------------------------------------------------------------------

func TestCopyAll_CopiesEveryDocument(t *testing.T) {
	s := newSeededStore(t, "org_old", 5)
	ctx := context.Background()
	if err := s.CreateEmpty(ctx, "org_new"); err != nil {
		t.Fatal(err)
	}
	if err := s.CopyAll(ctx, "org_old", "org_new"); err != nil {
		t.Fatalf("CopyAll() error: %v", err)
	}
	n, _ := s.Count(ctx, "org_new")
	if n != 5 {
		t.Errorf("Count(new) = %d, want 5", n)
	}
	if got := s.Documents("org_new")["c"]["n"]; got != 2 {
		t.Errorf("doc c = %v, want 2", got)
	}
}

func TestCopyAll_RetryAfterPartialIsUnion(t *testing.T) {
	s := newSeededStore(t, "org_old", 4)
	ctx := context.Background()
	_ = s.CreateEmpty(ctx, "org_new")

	boom := errors.New("connection reset")
	s.InjectPartialCopy(2, boom)

	if err := s.CopyAll(ctx, "org_old", "org_new"); !errors.Is(err, boom) {
		t.Fatalf("first CopyAll() error = %v, want %v", err, boom)
	}
	if n, _ := s.Count(ctx, "org_new"); n != 2 {
		t.Fatalf("Count after partial = %d, want 2", n)
	}
	if err := s.CopyAll(ctx, "org_old", "org_new"); err != nil {
		t.Fatalf("retry CopyAll() error: %v", err)
	}
	if n, _ := s.Count(ctx, "org_new"); n != 4 {
		t.Errorf("Count after retry = %d, want 4 (no duplicates)", n)
	}
}

func TestCopyAll_MissingSourceCopiesNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateEmpty(ctx, "org_new"); err != nil {
		t.Fatalf("CreateEmpty() error = %v", err)
	}
	if err := s.CopyAll(ctx, "org_none", "org_new"); err != nil {
		t.Fatalf("CopyAll() error = %v, want nil", err)
	}
	if n, _ := s.Count(ctx, "org_new"); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
	if ok, _ := s.Exists(ctx, "org_none"); ok {
		t.Error("CopyAll created the missing source")
	}
}

// ---------------------------------------------------------------------------
// Faults and latency
// ---------------------------------------------------------------------------

func TestInjectFault_ConsumedOncePerCall(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.InjectFault(OpCreateEmpty, errs.ErrStoreUnavailable)

	if err := s.CreateEmpty(ctx, "org_x"); !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Fatalf("first CreateEmpty() error = %v, want ErrStoreUnavailable", err)
	}
	if err := s.CreateEmpty(ctx, "org_x"); err != nil {
		t.Fatalf("second CreateEmpty() error = %v", err)
	}
	if got := s.Calls(OpCreateEmpty); got != 2 {
		t.Errorf("Calls = %d, want 2", got)
	}
}

func TestSetLatency_HonoursDeadline(t *testing.T) {
	s := New()
	s.SetLatency(OpExists, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Exists(ctx, "org_slow")
	if !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Errorf("Exists() error = %v, want ErrStoreUnavailable", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Exists() error = %v, want DeadlineExceeded in chain", err)
	}
}

// ---------------------------------------------------------------------------
// List / factory
// ---------------------------------------------------------------------------

func TestList_OnlyTenantPartitions(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"org_b", "system_jobs", "org_a"} {
		_ = s.CreateEmpty(ctx, id)
	}
	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "org_a" || ids[1] != "org_b" {
		t.Errorf("List = %v, want [org_a org_b]", ids)
	}
}

func TestRegisteredWithFactory(t *testing.T) {
	st, err := partition.New("memory", partition.Deps{})
	if err != nil {
		t.Fatalf("partition.New(memory) error: %v", err)
	}
	if _, ok := st.(*Store); !ok {
		t.Errorf("partition.New(memory) returned %T, want *Store", st)
	}
}
