// Package memory provides an in-process partition.Store. It backs the
// "memory" partition backend for local development and is the substitute
// store in tests, where its fault hooks simulate timeouts, partial copies and
// unavailable backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/partition"
)

func init() {
	partition.Register("memory", func(partition.Deps) (partition.Store, error) {
		return New(), nil
	})
}

// Document is an opaque tenant payload.
type Document map[string]any

// Op names a Store method for fault injection.
type Op string

const (
	OpExists      Op = "exists"
	OpCreateEmpty Op = "create_empty"
	OpDrop        Op = "drop"
	OpCopyAll     Op = "copy_all"
	OpCount       Op = "count"
	OpList        Op = "list"
)

type partialCopy struct {
	limit int
	err   error
}

// Store keeps partitions as maps of document id to document.
type Store struct {
	mu         sync.Mutex
	partitions map[string]map[string]Document
	faults     map[Op][]error
	partials   []partialCopy
	latency    map[Op]time.Duration
	calls      map[Op]int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		partitions: make(map[string]map[string]Document),
		faults:     make(map[Op][]error),
		latency:    make(map[Op]time.Duration),
		calls:      make(map[Op]int),
	}
}

// InjectFault queues errors returned by the next calls to op, one per call.
func (s *Store) InjectFault(op Op, errors ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errors...)
}

// InjectPartialCopy makes the next CopyAll copy only the first limit documents
// (in id order) and then fail with err.
func (s *Store) InjectPartialCopy(limit int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partials = append(s.partials, partialCopy{limit: limit, err: err})
}

// SetLatency delays every call to op by d, or until the call's context ends.
func (s *Store) SetLatency(op Op, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency[op] = d
}

// Calls returns how many times op has been invoked.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Put stores doc under docID in an existing partition.
func (s *Store) Put(id, docID string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[id]
	if !ok {
		return fmt.Errorf("partition %s: %w", id, errs.ErrNotFound)
	}
	p[docID] = cloneDoc(doc)
	return nil
}

// Documents returns a copy of the documents held in a partition.
func (s *Store) Documents(id string) map[string]Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Document, len(s.partitions[id]))
	for k, v := range s.partitions[id] {
		out[k] = cloneDoc(v)
	}
	return out
}

// enter records the call, waits out any configured latency and pops a queued
// fault. It must be called without s.mu held.
func (s *Store) enter(ctx context.Context, op Op) error {
	s.mu.Lock()
	s.calls[op]++
	delay := s.latency[op]
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %w", op, errs.ErrStoreUnavailable, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, errs.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if queued := s.faults[op]; len(queued) > 0 {
		s.faults[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.enter(ctx, OpExists); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.partitions[id]
	return ok, nil
}

func (s *Store) CreateEmpty(ctx context.Context, id string) error {
	if err := s.enter(ctx, OpCreateEmpty); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[id]; !ok {
		s.partitions[id] = make(map[string]Document)
	}
	return nil
}

func (s *Store) Drop(ctx context.Context, id string) error {
	if err := s.enter(ctx, OpDrop); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.partitions, id)
	return nil
}

func (s *Store) CopyAll(ctx context.Context, src, dst string) error {
	if err := s.enter(ctx, OpCopyAll); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.partitions[src]
	if !ok {
		return nil
	}
	target, ok := s.partitions[dst]
	if !ok {
		target = make(map[string]Document)
		s.partitions[dst] = target
	}

	ids := make([]string, 0, len(source))
	for docID := range source {
		ids = append(ids, docID)
	}
	sort.Strings(ids)

	limit, failWith := len(ids), error(nil)
	if len(s.partials) > 0 {
		p := s.partials[0]
		s.partials = s.partials[1:]
		if p.limit < limit {
			limit = p.limit
		}
		failWith = p.err
	}
	for _, docID := range ids[:limit] {
		target[docID] = cloneDoc(source[docID])
	}
	return failWith
}

func (s *Store) Count(ctx context.Context, id string) (int64, error) {
	if err := s.enter(ctx, OpCount); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.partitions[id])), nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := s.enter(ctx, OpList); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.partitions))
	for id := range s.partitions {
		if partition.IsTenantPartition(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func cloneDoc(d Document) Document {
	c := make(Document, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}
