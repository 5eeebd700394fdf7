package retention

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/miradorstack/mirador-events/internal/engine"
	"github.com/miradorstack/mirador-events/internal/events"
	"github.com/miradorstack/mirador-events/internal/models"
	"github.com/miradorstack/mirador-events/internal/record"
	"github.com/miradorstack/mirador-events/internal/store"
)

type fixture struct {
	eng *engine.Engine
	reg *models.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg, err := models.NewRegistry(store.NewMemoryStore())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng, err := engine.New(reg, events.NewRegistry(), engine.Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return fixture{eng: eng, reg: reg}
}

func (f fixture) targets() []Target {
	return []Target{
		{Model: f.reg.Events, Field: "date", Delete: f.eng.DeleteEvent},
		{Model: f.reg.Groups, Field: "last_seen", Delete: f.eng.DeleteGroup},
	}
}

func (f fixture) store(t *testing.T, msg string, at time.Time) engine.Result {
	t.Helper()
	res, err := f.eng.Store(context.Background(), engine.Input{
		Type: "Message",
		Data: map[string]any{events.PayloadKey: map[string]any{"message": msg}},
		Date: at,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return res
}

func TestNewDisabledReturnsNil(t *testing.T) {
	if s := New(Config{}, nil); s != nil {
		t.Fatalf("expected nil sweeper when retention is disabled")
	}
}

func TestSweepOnceRemovesExpiredRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		f.store(t, fmt.Sprintf("old-%d", i), now.Add(-48*time.Hour-time.Duration(i)*time.Minute))
	}
	fresh := f.store(t, "fresh", now.Add(-time.Hour))

	s := New(Config{TruncateAfter: 24 * time.Hour, BatchSize: 2}, nil, f.targets()...)
	s.now = func() time.Time { return now }

	res, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Deleted[models.KindEvent] != 5 || res.Deleted[models.KindGroup] != 5 {
		t.Fatalf("unexpected deletions %v", res.Deleted)
	}

	groups, _ := f.eng.ListGroups(ctx, "", 0, 0)
	if len(groups) != 1 || groups[0].ID != fresh.Group.ID {
		t.Fatalf("expected only the fresh group to survive, got %+v", groups)
	}
	remaining, _ := f.reg.Events.All(ctx, 0, 0)
	if len(remaining) != 1 || remaining[0].PK != fresh.Event.ID {
		t.Fatalf("expected only the fresh event to survive, got %d", len(remaining))
	}
	types, _ := f.eng.EventTypes(ctx)
	if len(types) != 1 || types[0].Count != 1 {
		t.Fatalf("expected event type count released, got %+v", types)
	}

	again, err := s.SweepOnce(ctx)
	if err != nil || again.Deleted[models.KindEvent] != 0 {
		t.Fatalf("expected an idempotent second sweep, got %v (%v)", again.Deleted, err)
	}
}

// flakyStore fails the first call of the selected operation once armed.
type flakyStore struct {
	store.Store
	failRelation atomic.Bool
	failIndex    atomic.Bool
}

var errConnReset = errors.New("connection reset by peer")

func (s *flakyStore) RemoveRelation(ctx context.Context, fromKind, fromPK, toKind, toPK string) error {
	if s.failRelation.CompareAndSwap(true, false) {
		return errConnReset
	}
	return s.Store.RemoveRelation(ctx, fromKind, fromPK, toKind, toPK)
}

func (s *flakyStore) RemoveFromIndex(ctx context.Context, kind, pk, index string) error {
	if s.failIndex.CompareAndSwap(true, false) {
		return errConnReset
	}
	return s.Store.RemoveFromIndex(ctx, kind, pk, index)
}

func newFlakyFixture(t *testing.T) (fixture, *flakyStore) {
	t.Helper()
	fs := &flakyStore{Store: store.NewMemoryStore()}
	reg, err := models.NewRegistry(fs)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng, err := engine.New(reg, events.NewRegistry(), engine.Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return fixture{eng: eng, reg: reg}, fs
}

func TestSweepRetriesAfterFailedDelete(t *testing.T) {
	cases := []struct {
		name string
		arm  func(*flakyStore)
	}{
		{name: "relation removal fails", arm: func(fs *flakyStore) { fs.failRelation.Store(true) }},
		{name: "index removal fails", arm: func(fs *flakyStore) { fs.failIndex.Store(true) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f, fs := newFlakyFixture(t)
			now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
			old := f.store(t, "old", now.Add(-48*time.Hour))

			s := New(Config{TruncateAfter: 24 * time.Hour}, nil, f.targets()...)
			s.now = func() time.Time { return now }

			tc.arm(fs)
			if _, err := s.SweepOnce(ctx); !errors.Is(err, errConnReset) {
				t.Fatalf("expected the first sweep to fail, got %v", err)
			}

			if _, err := s.SweepOnce(ctx); err != nil {
				t.Fatalf("retry sweep: %v", err)
			}
			if _, err := f.reg.Events.Get(ctx, old.Event.ID); !errors.Is(err, record.ErrNotFound) {
				t.Fatalf("expected the expired event to be gone")
			}
			if n, _ := f.reg.Events.Count(ctx); n != 0 {
				t.Fatalf("expected no indexed events left, got %d", n)
			}
			if n, _ := f.eng.CountGroups(ctx); n != 0 {
				t.Fatalf("expected no groups left, got %d", n)
			}
		})
	}
}

func TestSweepHonoursCancellation(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.store(t, "old", now.Add(-72*time.Hour))

	s := New(Config{TruncateAfter: time.Hour}, nil, f.targets()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.SweepOnce(ctx); err == nil {
		t.Fatalf("expected cancelled sweep to fail")
	}

	s.Stop()
	res, err := s.SweepOnce(context.Background())
	if err != nil || res.Deleted[models.KindEvent] != 0 {
		t.Fatalf("stopped sweeper must not delete, got %v (%v)", res.Deleted, err)
	}
}

func TestStartSweepsImmediately(t *testing.T) {
	f := newFixture(t)
	f.store(t, "old", time.Now().Add(-72*time.Hour))

	s := New(Config{TruncateAfter: time.Hour, Interval: time.Hour}, nil, f.targets()...)
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _ := f.eng.CountGroups(context.Background())
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("startup sweep did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()
	s.Stop()
}
