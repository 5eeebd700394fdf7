package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/miradorstack/mirador-events/internal/events"
	"github.com/miradorstack/mirador-events/internal/keys"
	"github.com/miradorstack/mirador-events/internal/models"
	"github.com/miradorstack/mirador-events/internal/record"
	"github.com/miradorstack/mirador-events/internal/store"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *models.Registry) {
	t.Helper()
	reg, err := models.NewRegistry(store.NewMemoryStore())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng, err := New(reg, events.NewRegistry(), opts)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return eng, reg
}

func message(text string) map[string]any {
	return map[string]any{events.PayloadKey: map[string]any{"message": text}}
}

func tagCount(t *testing.T, reg *models.Registry, key, value string) int64 {
	t.Helper()
	inst, err := reg.Tags.GetBy(context.Background(), record.Values{"hash": keys.TagHash(key, value)})
	if err != nil {
		t.Fatalf("tag %s=%s: %v", key, value, err)
	}
	return inst.Int("count")
}

func TestStoreAggregatesMatchingEvents(t *testing.T) {
	ctx := context.Background()
	eng, reg := newTestEngine(t, Options{})
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	first, err := eng.Store(ctx, Input{
		Type:      "Message",
		Tags:      []keys.Tag{{Key: "server", Value: "foo.bar"}, {Key: "view", Value: "foo.bar.zoo.baz"}},
		Data:      message("hello world"),
		Date:      now,
		TimeSpent: 53,
		EventID:   "foobar",
	})
	if err != nil {
		t.Fatalf("store first: %v", err)
	}
	g := first.Group
	if g.Type != "events.Message" || g.Count != 1 || g.TimeSpent != 53 || len(g.Tags) != 2 {
		t.Fatalf("unexpected group after first event: %+v", g)
	}
	if g.Tags[0] != (keys.Tag{Key: "server", Value: "foo.bar"}) || g.Message != "hello world" {
		t.Fatalf("unexpected group snapshot: %+v", g)
	}
	if first.Event.ID != "foobar" || !g.LastSeen.Equal(now) {
		t.Fatalf("unexpected event %+v / last seen %v", first.Event, g.LastSeen)
	}

	second, err := eng.Store(ctx, Input{
		Type:      "events.Message",
		Tags:      []keys.Tag{{Key: "server", Value: "foo.bar"}},
		Data:      message("hello world"),
		Date:      now.Add(time.Second),
		TimeSpent: 100,
		EventID:   "foobar2",
	})
	if err != nil {
		t.Fatalf("store second: %v", err)
	}
	g = second.Group
	if g.ID != first.Group.ID || g.Count != 2 || g.TimeSpent != 153 {
		t.Fatalf("expected same group at count 2 / 153, got %+v", g)
	}
	if len(g.Tags) != 2 {
		t.Fatalf("group tags must keep the first snapshot, got %v", g.Tags)
	}
	if !g.LastSeen.Equal(now.Add(time.Second)) {
		t.Fatalf("expected last_seen advanced, got %v", g.LastSeen)
	}
	if tagCount(t, reg, "server", "foo.bar") != 2 || tagCount(t, reg, "view", "foo.bar.zoo.baz") != 1 {
		t.Fatalf("unexpected tag counts")
	}

	related, err := eng.ListGroupEvents(ctx, g.ID, 0, 0, false)
	if err != nil {
		t.Fatalf("list group events: %v", err)
	}
	if len(related) != 2 || related[0].Event.ID != "foobar" || related[1].Event.TimeSpent != 100 {
		t.Fatalf("unexpected related events: %+v", related)
	}
	back, err := eng.EventGroups(ctx, "foobar2")
	if err != nil || len(back) != 1 || back[0].ID != g.ID {
		t.Fatalf("expected reverse relation to the group, got %v (%v)", back, err)
	}

	third, err := eng.Store(ctx, Input{
		Type:      "Message",
		Tags:      []keys.Tag{{Key: "server", Value: "foo.bar"}},
		Data:      message("hello world 2"),
		Date:      now.Add(time.Second),
		TimeSpent: 100,
		EventID:   "foobar3",
	})
	if err != nil {
		t.Fatalf("store third: %v", err)
	}
	if third.Group.ID == g.ID || third.Group.Count != 1 || third.Group.TimeSpent != 100 {
		t.Fatalf("expected a distinct group, got %+v", third.Group)
	}
	groups, _ := eng.ListGroups(ctx, "", 0, 0)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if tagCount(t, reg, "server", "foo.bar") != 3 {
		t.Fatalf("expected server tag at 3")
	}

	top, err := eng.TopTags(ctx, 0)
	if err != nil || len(top) != 2 || top[0].Key != "server" || top[0].Count != 3 {
		t.Fatalf("unexpected top tags %+v (%v)", top, err)
	}
	types, _ := eng.EventTypes(ctx)
	if len(types) != 1 || types[0].Count != 2 {
		t.Fatalf("expected events.Message counted twice, got %+v", types)
	}
}

func TestExceptionFramesDoNotSplitGroups(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Options{})

	exc := func(local int) map[string]any {
		return map[string]any{events.PayloadKey: map[string]any{
			"exc_type":  "ValueError",
			"exc_value": "foo bar",
			"exc_frames": []any{map[string]any{
				"filename": "app.py", "lineno": 12, "function": "handle",
				"vars": map[string]any{"x": local},
			}},
		}}
	}
	a, err := eng.Store(ctx, Input{Type: "Exception", Data: exc(1)})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	b, err := eng.Store(ctx, Input{Type: "Exception", Data: exc(2)})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if a.Event.Hash != b.Event.Hash || a.Group.ID != b.Group.ID || b.Group.Count != 2 {
		t.Fatalf("expected frames to be ignored when grouping: %+v vs %+v", a.Group, b.Group)
	}
	if b.Group.Message != "ValueError: foo bar" {
		t.Fatalf("unexpected message %q", b.Group.Message)
	}
}

func TestConcurrentStoresShareOneGroup(t *testing.T) {
	ctx := context.Background()
	eng, reg := newTestEngine(t, Options{})

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Store(ctx, Input{
				Type:      "Message",
				Tags:      []keys.Tag{{Key: "level", Value: "error"}},
				Data:      message("contended"),
				TimeSpent: 1,
			})
			if err != nil {
				t.Errorf("store: %v", err)
			}
		}()
	}
	wg.Wait()

	groups, err := eng.ListGroups(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(groups) != 1 || groups[0].Count != n || groups[0].TimeSpent != n {
		t.Fatalf("expected one group with count %d, got %+v", n, groups)
	}
	if tagCount(t, reg, "level", "error") != n {
		t.Fatalf("expected tag count %d", n)
	}
	related, _ := eng.ListGroupEvents(ctx, groups[0].ID, 0, 0, true)
	if len(related) != n {
		t.Fatalf("expected %d related events, got %d", n, len(related))
	}
}

func TestSliceModeFansOut(t *testing.T) {
	ctx := context.Background()
	eng, reg := newTestEngine(t, Options{
		Mode: ModeSlices,
		Slices: []Slice{
			{Slug: "by-server", Tags: []string{"server"}},
			{Slug: "by-level", Events: []string{"Message"}, Tags: []string{"level"}},
			{Slug: "queries", Events: []string{"events.Query"}, Tags: []string{"server"}},
		},
	})

	in := Input{
		Type: "Message",
		Tags: []keys.Tag{{Key: "server", Value: "a"}, {Key: "level", Value: "warn"}},
		Data: message("sliced"),
	}
	res, err := eng.Store(ctx, in)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(res.Groups) != 2 || res.Group.ID != res.Groups[0].ID {
		t.Fatalf("expected two matching slices, got %+v", res.Groups)
	}
	if res.Groups[0].ID == res.Groups[1].ID {
		t.Fatalf("expected separate groups per slice")
	}
	wantHash := keys.TagsHash([]keys.Tag{{Key: "server", Value: "a"}}) + res.Event.Hash
	if res.Groups[0].Hash != wantHash {
		t.Fatalf("expected slice hash prefix, got %s", res.Groups[0].Hash)
	}

	res, err = eng.Store(ctx, in)
	if err != nil {
		t.Fatalf("store again: %v", err)
	}
	for _, g := range res.Groups {
		if g.Count != 2 {
			t.Fatalf("expected each slice group at 2, got %+v", g)
		}
	}
	ts, err := reg.TagSets.GetBy(ctx, record.Values{"hash": keys.TagsHash([]keys.Tag{{Key: "level", Value: "warn"}})})
	if err != nil || ts.Int("count") != 2 {
		t.Fatalf("expected tag set counted twice, got %v", err)
	}

	res, err = eng.Store(ctx, Input{Type: "Exception", Data: map[string]any{
		events.PayloadKey: map[string]any{"exc_type": "E"},
	}})
	if err != nil {
		t.Fatalf("store exception: %v", err)
	}
	if len(res.Groups) != 1 {
		t.Fatalf("expected only the unfiltered slice to match, got %d", len(res.Groups))
	}
}

func TestResolvedGroupReopens(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Options{})

	res, err := eng.Store(ctx, Input{Type: "Message", Data: message("flaky")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	resolved, err := eng.Resolve(ctx, res.Group.ID)
	if err != nil || resolved.State != models.StateResolved {
		t.Fatalf("resolve: %+v (%v)", resolved, err)
	}
	open, _ := eng.FilterGroups(ctx, map[string]string{"state": "0"})
	if len(open) != 0 {
		t.Fatalf("expected no unresolved groups, got %d", len(open))
	}

	res, err = eng.Store(ctx, Input{Type: "Message", Data: message("flaky")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if res.Group.State != models.StateUnresolved || res.Group.Count != 2 {
		t.Fatalf("expected group reopened, got %+v", res.Group)
	}
	byType, _ := eng.FilterGroups(ctx, map[string]string{"type": "Message"})
	if len(byType) != 1 {
		t.Fatalf("expected filter by type, got %d", len(byType))
	}
	if _, err := eng.Resolve(ctx, "missing"); !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Options{})

	if _, err := eng.Store(ctx, Input{Type: "Nope", Data: message("x")}); !errors.Is(err, events.ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
	if _, err := eng.Store(ctx, Input{Type: "Message", Data: map[string]any{}}); !errors.Is(err, events.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	if _, err := eng.Store(ctx, Input{Type: "Message", Data: message("x"), TimeSpent: -1}); !errors.Is(err, record.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := New(nil, events.NewRegistry(), Options{}); err == nil {
		t.Fatalf("expected constructor error")
	}
	reg, _ := models.NewRegistry(store.NewMemoryStore())
	if _, err := New(reg, events.NewRegistry(), Options{Mode: "weird"}); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}

func TestEventIDReuseOverwrites(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Options{})

	in := Input{Type: "Message", Data: message("dup"), EventID: "same", TimeSpent: 5}
	if _, err := eng.Store(ctx, in); err != nil {
		t.Fatalf("store: %v", err)
	}
	res, err := eng.Store(ctx, in)
	if err != nil {
		t.Fatalf("store again: %v", err)
	}
	related, _ := eng.ListGroupEvents(ctx, res.Group.ID, 0, 0, false)
	if len(related) != 1 || related[0].Event.ID != "same" {
		t.Fatalf("expected a single event record, got %+v", related)
	}
}

func TestLastSeenNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Options{})
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	if _, err := eng.Store(ctx, Input{Type: "Message", Data: message("late"), Date: now}); err != nil {
		t.Fatalf("store: %v", err)
	}
	res, err := eng.Store(ctx, Input{Type: "Message", Data: message("late"), Date: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !res.Group.LastSeen.Equal(now) {
		t.Fatalf("expected last_seen to stay at %v, got %v", now, res.Group.LastSeen)
	}
	if !res.Group.FirstSeen.Equal(now) {
		t.Fatalf("first_seen is fixed at creation, got %v", res.Group.FirstSeen)
	}
}

// jitterStore delays every read and write by a random amount so concurrent
// upserts interleave.
type jitterStore struct {
	store.Store
}

func (s jitterStore) pause() { time.Sleep(rand.N(300 * time.Microsecond)) }

func (s jitterStore) Get(ctx context.Context, kind, pk string) (store.Fields, error) {
	s.pause()
	return s.Store.Get(ctx, kind, pk)
}

func (s jitterStore) Set(ctx context.Context, kind, pk string, fields store.Fields) error {
	s.pause()
	return s.Store.Set(ctx, kind, pk, fields)
}

func (s jitterStore) Increment(ctx context.Context, kind, pk, field string, amount int64) (int64, error) {
	s.pause()
	return s.Store.Increment(ctx, kind, pk, field, amount)
}

func (s jitterStore) RaiseField(ctx context.Context, kind, pk, field, raw, index string, score float64) (bool, error) {
	s.pause()
	return s.Store.RaiseField(ctx, kind, pk, field, raw, index, score)
}

func TestConcurrentStoresKeepLatestLastSeenAndScore(t *testing.T) {
	ctx := context.Background()
	reg, err := models.NewRegistry(jitterStore{Store: store.NewMemoryStore()})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng, err := New(reg, events.NewRegistry(), Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	first, err := eng.Store(ctx, Input{Type: "Message", Data: message("racing"), Date: base})
	if err != nil {
		t.Fatalf("store first: %v", err)
	}

	const n = 64
	var wg sync.WaitGroup
	for _, i := range rand.Perm(n) {
		wg.Add(1)
		go func(minutes int) {
			defer wg.Done()
			_, err := eng.Store(ctx, Input{
				Type: "Message",
				Data: message("racing"),
				Date: base.Add(time.Duration(minutes) * time.Minute),
			})
			if err != nil {
				t.Errorf("store: %v", err)
			}
		}(i + 1)
	}
	wg.Wait()

	g, err := eng.GetGroup(ctx, first.Group.ID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	latest := base.Add(n * time.Minute)
	if g.Count != n+1 {
		t.Fatalf("expected count %d, got %d", n+1, g.Count)
	}
	if !g.LastSeen.Equal(latest) {
		t.Fatalf("expected last_seen %v, got %v", latest, g.LastSeen)
	}
	if want := ComputeScore(n+1, latest); math.Abs(g.Score-want) > 1e-6 {
		t.Fatalf("expected score %f, got %f", want, g.Score)
	}
}

// deletingStore removes a group right before its count is first incremented.
type deletingStore struct {
	store.Store
	once   sync.Once
	delete func(pk string)
}

func (s *deletingStore) Increment(ctx context.Context, kind, pk, field string, amount int64) (int64, error) {
	if kind == models.KindGroup && field == "count" {
		s.once.Do(func() { s.delete(pk) })
	}
	return s.Store.Increment(ctx, kind, pk, field, amount)
}

func TestStoreRecreatesGroupDeletedMidUpdate(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	ds := &deletingStore{Store: mem}
	reg, err := models.NewRegistry(ds)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng, err := New(reg, events.NewRegistry(), Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ds.delete = func(pk string) {
		if err := reg.Groups.Delete(ctx, pk); err != nil {
			t.Errorf("delete group: %v", err)
		}
	}

	first, err := eng.Store(ctx, Input{Type: "Message", Data: message("short lived")})
	if err != nil {
		t.Fatalf("store first: %v", err)
	}
	second, err := eng.Store(ctx, Input{Type: "Message", Data: message("short lived")})
	if err != nil {
		t.Fatalf("store second: %v", err)
	}
	if second.Group.ID == first.Group.ID || second.Group.Count != 1 {
		t.Fatalf("expected a fresh group, got %+v", second.Group)
	}
	if raw, _ := mem.Get(ctx, models.KindGroup, first.Group.ID); len(raw) != 0 {
		t.Fatalf("deleted group must not be recreated partially, got %v", raw)
	}
	groups, _ := eng.ListGroups(ctx, "", 0, 0)
	if len(groups) != 1 || groups[0].ID != second.Group.ID {
		t.Fatalf("expected only the recreated group, got %+v", groups)
	}
}

func TestComputeScore(t *testing.T) {
	seen := time.Unix(1_700_000_000, 0)
	if got := ComputeScore(1, seen); got != 1_700_000_000 {
		t.Fatalf("count 1 scores by recency only, got %v", got)
	}
	want := math.Log(10)*600 + 1_700_000_000
	if got := ComputeScore(10, seen); math.Abs(got-want) > 1e-6 {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if ComputeScore(100, seen) <= ComputeScore(10, seen) {
		t.Fatalf("score must grow with count")
	}
}

func TestGroupsRankByScore(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Options{})
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if _, err := eng.Store(ctx, Input{Type: "Message", Data: message("busy"), Date: now}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	if _, err := eng.Store(ctx, Input{Type: "Message", Data: message("quiet"), Date: now}); err != nil {
		t.Fatalf("store: %v", err)
	}
	ranked, err := eng.ListGroups(ctx, "-score", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ranked) != 2 || ranked[0].Message != "busy" {
		t.Fatalf("expected busy group first, got %+v", ranked)
	}
}

func TestDeleteGroupReleasesEventType(t *testing.T) {
	ctx := context.Background()
	eng, reg := newTestEngine(t, Options{})

	res, err := eng.Store(ctx, Input{Type: "Query", Data: map[string]any{
		events.PayloadKey: map[string]any{"sql_value": "SELECT 1"},
	}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := eng.DeleteGroup(ctx, res.Group.ID); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	if _, err := eng.GetGroup(ctx, res.Group.ID); !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("expected group gone, got %v", err)
	}
	if _, err := reg.EventTypes.GetBy(ctx, record.Values{"path": "events.Query"}); !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("expected event type released, got %v", err)
	}
	back, _ := eng.EventGroups(ctx, res.Event.ID)
	if len(back) != 0 {
		t.Fatalf("expected reverse edge removed, got %v", back)
	}
	if err := eng.DeleteGroup(ctx, res.Group.ID); err != nil {
		t.Fatalf("deleting twice must be harmless: %v", err)
	}
}

func TestListGroupEventsRendersPayload(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, Options{})

	res, err := eng.Store(ctx, Input{Type: "Message", Data: message("<b>hi</b>")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	views, err := eng.ListGroupEvents(ctx, res.Group.ID, 0, 10, true)
	if err != nil || len(views) != 1 {
		t.Fatalf("list: %v (%d)", err, len(views))
	}
	if views[0].Message != "<b>hi</b>" || strings.Contains(views[0].HTML, "<b>") {
		t.Fatalf("unexpected rendering %+v", views[0])
	}
	if _, err := eng.ListGroupEvents(ctx, "missing", 0, 0, false); !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
