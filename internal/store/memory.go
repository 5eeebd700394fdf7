package store

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/miradorstack/mirador-events/internal/keys"
)

// MemoryStore is an in-process substrate with the same key layout and
// atomicity guarantees as the Valkey backend. A single mutex serialises
// writers, which makes Increment and ClaimConstraint atomic.
type MemoryStore struct {
	mu     sync.RWMutex
	hashes map[string]Fields
	zsets  map[string]*sortedSet
	sets   map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[string]Fields),
		zsets:  make(map[string]*sortedSet),
		sets:   make(map[string]map[string]struct{}),
	}
}

// Add generates a primary key and writes fields under it.
func (m *MemoryStore) Add(ctx context.Context, kind string, fields Fields) (string, error) {
	pk := keys.GenerateKey()
	if err := m.Set(ctx, kind, pk, fields); err != nil {
		return "", err
	}
	return pk, nil
}

// Set merges fields into the record hash, creating it when absent.
func (m *MemoryStore) Set(_ context.Context, kind, pk string, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hset(keys.DataKey(kind, pk), fields)
	return nil
}

// Get returns a copy of the record fields, empty when absent.
func (m *MemoryStore) Get(_ context.Context, kind, pk string) (Fields, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hgetall(keys.DataKey(kind, pk)), nil
}

// Increment adds amount to an integer field and returns the new value.
func (m *MemoryStore) Increment(_ context.Context, kind, pk, field string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := keys.DataKey(kind, pk)
	h, ok := m.hashes[key]
	if !ok {
		return 0, errors.Wrapf(ErrNoRecord, "%s", key)
	}
	var current int64
	if raw, ok := h[field]; ok && raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, errors.Newf("field %s of %s is not an integer", field, key)
		}
		current = v
	}
	current += amount
	h[field] = strconv.FormatInt(current, 10)
	return current, nil
}

// RaiseField writes field and the index score together when score grows.
func (m *MemoryStore) RaiseField(_ context.Context, kind, pk, field, raw, index string, score float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := keys.DataKey(kind, pk)
	h, ok := m.hashes[key]
	if !ok {
		return false, errors.Wrapf(ErrNoRecord, "%s", key)
	}
	indexKey := keys.IndexKey(kind, index)
	if z, ok := m.zsets[indexKey]; ok {
		if current, ok := z.scores[pk]; ok && current >= score {
			return false, nil
		}
	}
	m.zadd(indexKey, pk, score)
	h[field] = raw
	return true, nil
}

// Delete drops the record and its metadata.
func (m *MemoryStore) Delete(_ context.Context, kind, pk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes, keys.DataKey(kind, pk))
	delete(m.hashes, keys.MetaKey(kind, pk))
	return nil
}

// SetMeta merges fields into the separately keyed metadata hash.
func (m *MemoryStore) SetMeta(_ context.Context, kind, pk string, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hset(keys.MetaKey(kind, pk), fields)
	return nil
}

// GetMeta returns the metadata hash, empty when absent.
func (m *MemoryStore) GetMeta(_ context.Context, kind, pk string) (Fields, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hgetall(keys.MetaKey(kind, pk)), nil
}

// AddToIndex inserts or moves pk in a sorted index.
func (m *MemoryStore) AddToIndex(_ context.Context, kind, pk, index string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zadd(keys.IndexKey(kind, index), pk, score)
	return nil
}

// RemoveFromIndex removes pk from a sorted index.
func (m *MemoryStore) RemoveFromIndex(_ context.Context, kind, pk, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zrem(keys.IndexKey(kind, index), pk)
	return nil
}

// List scans an index by rank.
func (m *MemoryStore) List(_ context.Context, kind, index string, offset, limit int, desc bool) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rangeEntries(keys.IndexKey(kind, index), kind, offset, limit, desc), nil
}

// Count returns the cardinality of an index.
func (m *MemoryStore) Count(_ context.Context, kind, index string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.zsets[keys.IndexKey(kind, index)]
	if !ok {
		return 0, nil
	}
	return int64(z.tree.Len()), nil
}

// AddRelation records a scored edge from one record to another.
func (m *MemoryStore) AddRelation(_ context.Context, fromKind, fromPK, toKind, toPK string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zadd(keys.RelationKey(fromKind, fromPK, toKind), toPK, score)
	return nil
}

// RemoveRelation drops one edge, or all of them when toPK is empty.
func (m *MemoryStore) RemoveRelation(_ context.Context, fromKind, fromPK, toKind, toPK string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := keys.RelationKey(fromKind, fromPK, toKind)
	if toPK == "" {
		delete(m.zsets, key)
		return nil
	}
	m.zrem(key, toPK)
	return nil
}

// ListRelations scans the related records of one instance by rank.
func (m *MemoryStore) ListRelations(_ context.Context, fromKind, fromPK, toKind string, offset, limit int, desc bool) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rangeEntries(keys.RelationKey(fromKind, fromPK, toKind), toKind, offset, limit, desc), nil
}

// AddToConstraint adds pk to the member set of a composite value.
func (m *MemoryStore) AddToConstraint(_ context.Context, kind, pk string, keyFields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := keys.ConstraintKey(kind, keyFields)
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[pk] = struct{}{}
	return nil
}

// ClaimConstraint inserts pk only into an empty constraint set.
func (m *MemoryStore) ClaimConstraint(_ context.Context, kind, pk string, keyFields map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := keys.ConstraintKey(kind, keyFields)
	set, ok := m.sets[key]
	if ok && len(set) > 0 {
		return smallest(set), nil
	}
	m.sets[key] = map[string]struct{}{pk: {}}
	return pk, nil
}

// RemoveFromConstraint removes pk from a constraint set.
func (m *MemoryStore) RemoveFromConstraint(_ context.Context, kind, pk string, keyFields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := keys.ConstraintKey(kind, keyFields)
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	delete(set, pk)
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

// ListByConstraint returns the members of a constraint set in lexical order.
func (m *MemoryStore) ListByConstraint(_ context.Context, kind string, keyFields map[string]string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.sets[keys.ConstraintKey(kind, keyFields)]
	out := make([]string, 0, len(set))
	for pk := range set {
		out = append(out, pk)
	}
	sort.Strings(out)
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) hset(key string, fields Fields) {
	h, ok := m.hashes[key]
	if !ok {
		h = make(Fields, len(fields))
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
}

func (m *MemoryStore) hgetall(key string) Fields {
	h, ok := m.hashes[key]
	if !ok {
		return Fields{}
	}
	return h.Clone()
}

func (m *MemoryStore) zadd(key, member string, score float64) {
	z, ok := m.zsets[key]
	if !ok {
		z = newSortedSet()
		m.zsets[key] = z
	}
	z.add(member, score)
}

func (m *MemoryStore) zrem(key, member string) {
	z, ok := m.zsets[key]
	if !ok {
		return
	}
	z.remove(member)
	if z.tree.Len() == 0 {
		delete(m.zsets, key)
	}
}

func (m *MemoryStore) rangeEntries(key, kind string, offset, limit int, desc bool) []Entry {
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	members := z.rank(offset, limit, desc)
	entries := make([]Entry, 0, len(members))
	for _, pk := range members {
		entries = append(entries, Entry{PK: pk, Fields: m.hgetall(keys.DataKey(kind, pk))})
	}
	return entries
}

func smallest(set map[string]struct{}) string {
	var out string
	for pk := range set {
		if out == "" || pk < out {
			out = pk
		}
	}
	return out
}

type zmember struct {
	score  float64
	member string
}

// zless orders by score, then member, matching Valkey's tie-break.
func zless(a, b zmember) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.member < b.member
}

type sortedSet struct {
	tree   *btree.BTreeG[zmember]
	scores map[string]float64
}

func newSortedSet() *sortedSet {
	return &sortedSet{
		tree:   btree.NewG[zmember](16, zless),
		scores: make(map[string]float64),
	}
}

func (z *sortedSet) add(member string, score float64) {
	if old, ok := z.scores[member]; ok {
		z.tree.Delete(zmember{score: old, member: member})
	}
	z.tree.ReplaceOrInsert(zmember{score: score, member: member})
	z.scores[member] = score
}

func (z *sortedSet) remove(member string) {
	old, ok := z.scores[member]
	if !ok {
		return
	}
	z.tree.Delete(zmember{score: old, member: member})
	delete(z.scores, member)
}

func (z *sortedSet) rank(offset, limit int, desc bool) []string {
	start, stop := rankRange(offset, limit)
	var out []string
	pos := 0
	visit := func(item zmember) bool {
		if pos < start {
			pos++
			return true
		}
		if stop >= 0 && pos > stop {
			return false
		}
		out = append(out, item.member)
		pos++
		return true
	}
	if desc {
		z.tree.Descend(visit)
	} else {
		z.tree.Ascend(visit)
	}
	return out
}
