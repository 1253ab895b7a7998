// Package storetest provides an in-memory store.Store for tests. It
// implements the full transactional contract, including rollback on error
// and single-shot retry of transient failures, over plain maps.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
	"github.com/loomstack/loom/pkg/store"
)

// ErrTransient marks an error the memory store treats as retryable inside
// Transact, mirroring how a real backend classifies busy/serialization
// failures.
var ErrTransient = errors.New("transient store error")

// Memory is an in-memory store.Store. Safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	tables map[string]map[string]*model.Record
	nextID map[string]int64

	// FailUpserts, when positive, makes that many Upsert calls fail with
	// ErrTransient before succeeding. Exercises the retry strategy.
	FailUpserts int

	// Upserts counts every Upsert attempt, including failed ones.
	Upserts int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string]map[string]*model.Record),
		nextID: make(map[string]int64),
	}
}

func keyString(key any) string { return fmt.Sprintf("%v", key) }

func (s *Memory) table(m *meta.Model) map[string]*model.Record {
	t, ok := s.tables[m.Name]
	if !ok {
		t = make(map[string]*model.Record)
		s.tables[m.Name] = t
	}
	return t
}

// Seed inserts rec directly, assigning a key when absent. Test setup only.
func (s *Memory) Seed(rec *model.Record) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(rec)
}

func (s *Memory) put(rec *model.Record) any {
	m := rec.Model()
	if !rec.HasKey() {
		s.nextID[m.Name]++
		rec.SetKey(s.nextID[m.Name])
	}
	s.table(m)[keyString(rec.Key())] = rec.Clone()
	return rec.Key()
}

// Get implements store.Reader.
func (s *Memory) Get(ctx context.Context, m *meta.Model, key any) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.table(m)[keyString(key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// List implements store.Reader.
func (s *Memory) List(ctx context.Context, m *meta.Model, q store.Query) ([]*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(m, q), nil
}

func (s *Memory) list(m *meta.Model, q store.Query) []*model.Record {
	var out []*model.Record
	for _, rec := range s.table(m) {
		if matches(rec, q) {
			out = append(out, rec.Clone())
		}
	}
	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = m.KeyProp().Name
	}
	sort.SliceStable(out, func(i, j int) bool {
		less := lessValue(out[i].Get(orderBy), out[j].Get(orderBy))
		if q.Descending {
			return !less
		}
		return less
	})
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Count implements store.Reader.
func (s *Memory) Count(ctx context.Context, m *meta.Model, q store.Query) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.table(m) {
		if matches(rec, q) {
			n++
		}
	}
	return n, nil
}

func matches(rec *model.Record, q store.Query) bool {
	for name, want := range q.Filter {
		if !model.ValueEqual(rec.Get(name), want) {
			return false
		}
	}
	if q.Search != "" {
		found := false
		for _, p := range rec.Model().Props {
			if p.Type != meta.TypeString || p.Role != meta.RoleValue {
				continue
			}
			if sv, ok := rec.Get(p.Name).(string); ok &&
				strings.Contains(strings.ToLower(sv), strings.ToLower(q.Search)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func lessValue(a, b any) bool {
	if af, ok := model.AsNumber(a); ok {
		bf, _ := model.AsNumber(b)
		return af < bf
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return as < bs
}

type memTx struct {
	s *Memory
}

func (t *memTx) Get(ctx context.Context, m *meta.Model, key any) (*model.Record, error) {
	return t.s.Get(ctx, m, key)
}

func (t *memTx) List(ctx context.Context, m *meta.Model, q store.Query) ([]*model.Record, error) {
	return t.s.List(ctx, m, q)
}

func (t *memTx) Count(ctx context.Context, m *meta.Model, q store.Query) (int, error) {
	return t.s.Count(ctx, m, q)
}

func (t *memTx) Upsert(ctx context.Context, rec *model.Record) (any, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.Upserts++
	if t.s.FailUpserts > 0 {
		t.s.FailUpserts--
		return nil, ErrTransient
	}
	return t.s.put(rec), nil
}

func (t *memTx) Delete(ctx context.Context, m *meta.Model, key any) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	table := t.s.table(m)
	ks := keyString(key)
	if _, ok := table[ks]; !ok {
		return store.ErrNotFound
	}
	delete(table, ks)
	return nil
}

// Transact implements store.Store. The whole table set is snapshotted up
// front; an error from fn restores the snapshot. Errors wrapping
// ErrTransient retry fn once from the snapshot before giving up.
func (s *Memory) Transact(ctx context.Context, fn func(tx store.Tx) error) error {
	snapshot := s.snapshot()
	tx := &memTx{s: s}

	err := fn(tx)
	if errors.Is(err, ErrTransient) {
		s.restore(snapshot)
		err = fn(tx)
	}
	if err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

func (s *Memory) snapshot() map[string]map[string]*model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]map[string]*model.Record, len(s.tables))
	for name, table := range s.tables {
		cp := make(map[string]*model.Record, len(table))
		for k, rec := range table {
			cp[k] = rec.Clone()
		}
		snap[name] = cp
	}
	return snap
}

// restore copies the snapshot back in, leaving it intact for a possible
// second restore after a failed retry.
func (s *Memory) restore(snap map[string]map[string]*model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = make(map[string]map[string]*model.Record, len(snap))
	for name, table := range snap {
		cp := make(map[string]*model.Record, len(table))
		for k, rec := range table {
			cp[k] = rec.Clone()
		}
		s.tables[name] = cp
	}
}
