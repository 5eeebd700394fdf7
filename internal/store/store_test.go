package store

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
)

// exerciseStore runs the substrate contract against any backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		pk, err := s.Add(ctx, "widget", Fields{"name": "foo", "size": "3"})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if pk == "" {
			t.Fatalf("expected generated pk")
		}
		got, err := s.Get(ctx, "widget", pk)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got["name"] != "foo" || got["size"] != "3" {
			t.Fatalf("unexpected fields: %+v", got)
		}

		if err := s.Set(ctx, "widget", pk, Fields{"size": "4"}); err != nil {
			t.Fatalf("set: %v", err)
		}
		got, _ = s.Get(ctx, "widget", pk)
		if got["name"] != "foo" || got["size"] != "4" {
			t.Fatalf("expected partial update, got %+v", got)
		}

		missing, err := s.Get(ctx, "widget", "missing")
		if err != nil {
			t.Fatalf("get missing: %v", err)
		}
		if len(missing) != 0 {
			t.Fatalf("expected empty fields for absent record, got %+v", missing)
		}
	})

	t.Run("metadata is kept apart", func(t *testing.T) {
		if err := s.Set(ctx, "doc", "d1", Fields{"title": "x"}); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := s.SetMeta(ctx, "doc", "d1", Fields{"payload": `{"a":1}`}); err != nil {
			t.Fatalf("set meta: %v", err)
		}
		fields, _ := s.Get(ctx, "doc", "d1")
		if _, ok := fields["payload"]; ok {
			t.Fatalf("metadata leaked into primary fields")
		}
		meta, _ := s.GetMeta(ctx, "doc", "d1")
		if meta["payload"] != `{"a":1}` {
			t.Fatalf("unexpected meta: %+v", meta)
		}
		if err := s.Delete(ctx, "doc", "d1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		fields, _ = s.Get(ctx, "doc", "d1")
		meta, _ = s.GetMeta(ctx, "doc", "d1")
		if len(fields) != 0 || len(meta) != 0 {
			t.Fatalf("expected record and metadata removed")
		}
	})

	t.Run("increment", func(t *testing.T) {
		if _, err := s.Increment(ctx, "counter", "absent", "count", 1); !errors.Is(err, ErrNoRecord) {
			t.Fatalf("expected ErrNoRecord for an absent record, got %v", err)
		}
		if fields, _ := s.Get(ctx, "counter", "absent"); len(fields) != 0 {
			t.Fatalf("increment must not create a partial record, got %+v", fields)
		}

		if err := s.Set(ctx, "counter", "c1", Fields{"name": "c"}); err != nil {
			t.Fatalf("set: %v", err)
		}
		v, err := s.Increment(ctx, "counter", "c1", "count", 1)
		if err != nil || v != 1 {
			t.Fatalf("expected 1, got %d (%v)", v, err)
		}
		v, err = s.Increment(ctx, "counter", "c1", "count", 41)
		if err != nil || v != 42 {
			t.Fatalf("expected 42, got %d (%v)", v, err)
		}
	})

	t.Run("raise field", func(t *testing.T) {
		if _, err := s.RaiseField(ctx, "group", "absent", "last_seen", "5", "last_seen", 5); !errors.Is(err, ErrNoRecord) {
			t.Fatalf("expected ErrNoRecord for an absent record, got %v", err)
		}
		if err := s.Set(ctx, "group", "g1", Fields{"last_seen": "10"}); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := s.AddToIndex(ctx, "group", "g1", "last_seen", 10); err != nil {
			t.Fatalf("add to index: %v", err)
		}

		wrote, err := s.RaiseField(ctx, "group", "g1", "last_seen", "7", "last_seen", 7)
		if err != nil || wrote {
			t.Fatalf("expected a lower score to be ignored, got %v (%v)", wrote, err)
		}
		wrote, err = s.RaiseField(ctx, "group", "g1", "last_seen", "12", "last_seen", 12)
		if err != nil || !wrote {
			t.Fatalf("expected a higher score to be written, got %v (%v)", wrote, err)
		}
		fields, _ := s.Get(ctx, "group", "g1")
		if fields["last_seen"] != "12" {
			t.Fatalf("expected field raised to 12, got %+v", fields)
		}
		_ = s.Set(ctx, "group", "g2", Fields{"last_seen": "11"})
		_ = s.AddToIndex(ctx, "group", "g2", "last_seen", 11)
		assertOrder(t, s, "group", "last_seen", false, "g2", "g1")
	})

	t.Run("index ordering", func(t *testing.T) {
		for pk, score := range map[string]float64{"a": 3, "b": 1, "c": 2} {
			if err := s.Set(ctx, "ranked", pk, Fields{"id": pk}); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := s.AddToIndex(ctx, "ranked", pk, "score", score); err != nil {
				t.Fatalf("add to index: %v", err)
			}
		}
		assertOrder(t, s, "ranked", "score", false, "b", "c", "a")
		assertOrder(t, s, "ranked", "score", true, "a", "c", "b")

		// re-adding moves the member instead of duplicating it
		if err := s.AddToIndex(ctx, "ranked", "b", "score", 10); err != nil {
			t.Fatalf("re-add: %v", err)
		}
		assertOrder(t, s, "ranked", "score", false, "c", "a", "b")
		if n, _ := s.Count(ctx, "ranked", "score"); n != 3 {
			t.Fatalf("expected 3 members, got %d", n)
		}

		page, err := s.List(ctx, "ranked", "score", 1, 1, false)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) != 1 || page[0].PK != "a" || page[0].Fields["id"] != "a" {
			t.Fatalf("unexpected page: %+v", page)
		}

		if err := s.RemoveFromIndex(ctx, "ranked", "c", "score"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		assertOrder(t, s, "ranked", "score", false, "a", "b")
	})

	t.Run("relations", func(t *testing.T) {
		_ = s.Set(ctx, "event", "e1", Fields{"n": "1"})
		_ = s.Set(ctx, "event", "e2", Fields{"n": "2"})
		if err := s.AddRelation(ctx, "group", "g1", "event", "e2", 20); err != nil {
			t.Fatalf("add relation: %v", err)
		}
		if err := s.AddRelation(ctx, "group", "g1", "event", "e1", 10); err != nil {
			t.Fatalf("add relation: %v", err)
		}
		if err := s.AddRelation(ctx, "group", "g1", "event", "e1", 10); err != nil {
			t.Fatalf("re-add relation: %v", err)
		}
		related, err := s.ListRelations(ctx, "group", "g1", "event", 0, 0, false)
		if err != nil {
			t.Fatalf("list relations: %v", err)
		}
		if len(related) != 2 || related[0].PK != "e1" || related[1].Fields["n"] != "2" {
			t.Fatalf("unexpected relations: %+v", related)
		}
		if err := s.RemoveRelation(ctx, "group", "g1", "event", "e1"); err != nil {
			t.Fatalf("remove relation: %v", err)
		}
		related, _ = s.ListRelations(ctx, "group", "g1", "event", 0, 0, true)
		if len(related) != 1 || related[0].PK != "e2" {
			t.Fatalf("unexpected relations after remove: %+v", related)
		}
		if err := s.RemoveRelation(ctx, "group", "g1", "event", ""); err != nil {
			t.Fatalf("remove all: %v", err)
		}
		related, _ = s.ListRelations(ctx, "group", "g1", "event", 0, 0, true)
		if len(related) != 0 {
			t.Fatalf("expected no relations, got %+v", related)
		}
	})

	t.Run("constraints", func(t *testing.T) {
		key := map[string]string{"type": "t", "hash": "h"}
		winner, err := s.ClaimConstraint(ctx, "group", "p1", key)
		if err != nil || winner != "p1" {
			t.Fatalf("expected p1 to claim, got %q (%v)", winner, err)
		}
		winner, err = s.ClaimConstraint(ctx, "group", "p0", key)
		if err != nil || winner != "p1" {
			t.Fatalf("expected existing claim p1, got %q (%v)", winner, err)
		}
		members, _ := s.ListByConstraint(ctx, "group", key)
		if len(members) != 1 || members[0] != "p1" {
			t.Fatalf("unexpected members: %v", members)
		}

		if err := s.AddToConstraint(ctx, "group", "p2", key); err != nil {
			t.Fatalf("add to constraint: %v", err)
		}
		members, _ = s.ListByConstraint(ctx, "group", key)
		if len(members) != 2 {
			t.Fatalf("expected two members, got %v", members)
		}
		_ = s.RemoveFromConstraint(ctx, "group", "p1", key)
		_ = s.RemoveFromConstraint(ctx, "group", "p2", key)
		members, _ = s.ListByConstraint(ctx, "group", key)
		if len(members) != 0 {
			t.Fatalf("expected empty constraint, got %v", members)
		}
		winner, _ = s.ClaimConstraint(ctx, "group", "p3", key)
		if winner != "p3" {
			t.Fatalf("expected emptied constraint to be claimable, got %q", winner)
		}
	})
}

func assertOrder(t *testing.T, s Store, kind, index string, desc bool, want ...string) {
	t.Helper()
	entries, err := s.List(context.Background(), kind, index, 0, 0, desc)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, pk := range want {
		if entries[i].PK != pk {
			t.Fatalf("position %d: expected %s, got %s", i, pk, entries[i].PK)
		}
	}
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreConcurrentIncrement(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Set(ctx, "tag", "t", Fields{"key": "level"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Increment(ctx, "tag", "t", "count", 1); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	fields, _ := s.Get(ctx, "tag", "t")
	if fields["count"] != "50" {
		t.Fatalf("expected 50 increments, got %s", fields["count"])
	}
}

func TestMemoryStoreConcurrentClaimHasSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := map[string]string{"hash": "abc"}

	winners := make(chan string, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pk := string(rune('a' + i))
			winner, err := s.ClaimConstraint(ctx, "tag", pk, key)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			winners <- winner
		}(i)
	}
	wg.Wait()
	close(winners)

	var first string
	for w := range winners {
		if first == "" {
			first = w
		}
		if w != first {
			t.Fatalf("expected a single canonical member, got %s and %s", first, w)
		}
	}
	members, _ := s.ListByConstraint(ctx, "tag", key)
	if len(members) != 1 {
		t.Fatalf("expected one member, got %v", members)
	}
}

func TestIncrementRejectsNonInteger(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Set(ctx, "k", "1", Fields{"name": "abc"})
	if _, err := s.Increment(ctx, "k", "1", "name", 1); err == nil {
		t.Fatalf("expected error incrementing a string field")
	}
}
