package engine

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/miradorstack/mirador-events/internal/events"
	"github.com/miradorstack/mirador-events/internal/keys"
	"github.com/miradorstack/mirador-events/internal/metrics"
	"github.com/miradorstack/mirador-events/internal/models"
	"github.com/miradorstack/mirador-events/internal/record"
)

// Mode selects how events fan out into groups.
type Mode string

const (
	// ModeSingle keeps one group per (type, content hash).
	ModeSingle Mode = "single"
	// ModeSlices keeps one group per matching slice, keyed by the slice's tag subset.
	ModeSlices Mode = "slices"
)

// Slice is a grouping rule over a subset of an event's tags.
type Slice struct {
	Slug   string
	Name   string
	Events []string
	Tags   []string
}

// Matches reports whether the slice applies to eventType. A slice without an
// event filter applies to every type.
func (s Slice) Matches(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if events.ResolveType(e) == eventType {
			return true
		}
	}
	return false
}

func (s Slice) selectTags(tags []keys.Tag) []keys.Tag {
	out := make([]keys.Tag, 0, len(tags))
	for _, t := range tags {
		for _, k := range s.Tags {
			if t.Key == k {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// Input is one event handed to Store.
type Input struct {
	Type      string
	Tags      []keys.Tag
	Data      map[string]any
	Date      time.Time
	TimeSpent int64
	EventID   string
}

// Result is the outcome of Store. Group is the first entry of Groups and is
// the zero value when no slice matched.
type Result struct {
	Event  models.Event
	Group  models.Group
	Groups []models.Group
}

// Options configures an Engine.
type Options struct {
	Mode   Mode
	Slices []Slice
	Logger *slog.Logger
	Now    func() time.Time
}

// Engine implements the event to Group/Event/Tag write path.
type Engine struct {
	models   *models.Registry
	handlers *events.Registry
	mode     Mode
	slices   []Slice
	logger   *slog.Logger
	now      func() time.Time
}

// New builds an Engine over the record models and handler registry.
func New(reg *models.Registry, handlers *events.Registry, opts Options) (*Engine, error) {
	if reg == nil || handlers == nil {
		return nil, errors.New("engine: models and handlers are required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeSingle
	}
	if mode != ModeSingle && mode != ModeSlices {
		return nil, errors.Newf("engine: unknown aggregation mode %q", mode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		models:   reg,
		handlers: handlers,
		mode:     mode,
		slices:   opts.Slices,
		logger:   logger,
		now:      now,
	}, nil
}

// Handlers exposes the handler registry.
func (e *Engine) Handlers() *events.Registry { return e.handlers }

// ComputeScore blends frequency and recency into the default group ranking.
func ComputeScore(count int64, lastSeen time.Time) float64 {
	if count < 1 {
		count = 1
	}
	return math.Abs(math.Log(float64(count))*600 + keys.TimeScore(lastSeen))
}

// Store records one event: it counts the tags, creates the event, and creates
// or updates the group(s) it belongs to.
func (e *Engine) Store(ctx context.Context, in Input) (Result, error) {
	start := time.Now()
	res, err := e.store(ctx, in)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
		e.logger.Warn("store event failed",
			slog.String("type", in.Type),
			slog.String("event_id", in.EventID),
			slog.Any("error", err),
		)
	}
	metrics.ObserveStore(events.ResolveType(in.Type), time.Since(start), outcome)
	return res, err
}

func (e *Engine) store(ctx context.Context, in Input) (Result, error) {
	path, handler, err := e.handlers.Lookup(in.Type)
	if err != nil {
		return Result{}, err
	}
	payload, err := events.PayloadOf(in.Data)
	if err != nil {
		return Result{}, err
	}
	if in.TimeSpent < 0 {
		return Result{}, errors.Wrapf(record.ErrValidation, "negative time_spent %d", in.TimeSpent)
	}
	date := in.Date
	if date.IsZero() {
		date = e.now()
	}
	date = date.UTC()

	for _, tag := range in.Tags {
		if err := e.countTag(ctx, tag); err != nil {
			return Result{}, errors.Wrapf(err, "count tag %s", tag)
		}
	}

	eventHash := keys.EventHash(handler.HashFields(payload))
	eventInst, err := e.models.Events.CreateWithPK(ctx, in.EventID, record.Values{
		"type":       path,
		"hash":       eventHash,
		"date":       date,
		"time_spent": in.TimeSpent,
		"tags":       models.EncodeTags(in.Tags),
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "create event")
	}
	if err := e.models.Events.SetMeta(ctx, eventInst.PK, "data", in.Data); err != nil {
		return Result{}, errors.Wrap(err, "store event data")
	}
	event, err := models.EventFrom(eventInst)
	if err != nil {
		return Result{}, err
	}

	message := handler.String(payload)
	res := Result{Event: event}

	if e.mode == ModeSingle {
		g, err := e.upsertGroup(ctx, path, eventHash, in, date, message, event.ID)
		if err != nil {
			return Result{}, err
		}
		res.Groups = []models.Group{g}
	} else {
		for _, slice := range e.slices {
			if !slice.Matches(path) {
				continue
			}
			sliceTags := slice.selectTags(in.Tags)
			tagsHash := keys.TagsHash(sliceTags)
			if err := e.countTagSet(ctx, tagsHash, sliceTags); err != nil {
				return Result{}, errors.Wrapf(err, "count tag set for slice %s", slice.Slug)
			}
			g, err := e.upsertGroup(ctx, path, tagsHash+eventHash, in, date, message, event.ID)
			if err != nil {
				return Result{}, errors.Wrapf(err, "slice %s", slice.Slug)
			}
			res.Groups = append(res.Groups, g)
		}
	}
	if len(res.Groups) > 0 {
		res.Group = res.Groups[0]
	}

	e.logger.Debug("event stored",
		slog.String("event_id", event.ID),
		slog.String("type", path),
		slog.Int("groups", len(res.Groups)),
	)
	return res, nil
}

func (e *Engine) countTag(ctx context.Context, tag keys.Tag) error {
	return countUp(ctx, e.models.Tags,
		record.Values{"hash": keys.TagHash(tag.Key, tag.Value)},
		record.Values{"key": tag.Key, "value": tag.Value, "count": 1},
	)
}

func (e *Engine) countTagSet(ctx context.Context, hash string, tags []keys.Tag) error {
	return countUp(ctx, e.models.TagSets,
		record.Values{"hash": hash},
		record.Values{"count": 1, "tags": models.EncodeTags(tags)},
	)
}

func (e *Engine) countEventType(ctx context.Context, path string) error {
	return countUp(ctx, e.models.EventTypes,
		record.Values{"path": path},
		record.Values{"count": 1},
	)
}

// countUp creates the counter record for lookup with count 1, or increments
// the existing one. A record deleted between the lookup and the increment is
// created again rather than left half-written.
func countUp(ctx context.Context, m *record.Model, lookup, defaults record.Values) error {
	for attempt := 0; ; attempt++ {
		inst, created, err := m.GetOrCreate(ctx, lookup, defaults)
		if err != nil || created {
			return err
		}
		_, err = m.Increment(ctx, inst.PK, "count", 1)
		if errors.Is(err, record.ErrNotFound) && attempt == 0 {
			continue
		}
		return err
	}
}

func (e *Engine) upsertGroup(ctx context.Context, path, hash string, in Input, date time.Time, message, eventID string) (models.Group, error) {
	g, err := e.tryUpsertGroup(ctx, path, hash, in, date, message, eventID)
	if errors.Is(err, record.ErrNotFound) {
		// the group was deleted while this event was being added to it
		g, err = e.tryUpsertGroup(ctx, path, hash, in, date, message, eventID)
	}
	return g, err
}

func (e *Engine) tryUpsertGroup(ctx context.Context, path, hash string, in Input, date time.Time, message, eventID string) (models.Group, error) {
	groups := e.models.Groups
	inst, created, err := groups.GetOrCreate(ctx,
		record.Values{"type": path, "hash": hash},
		record.Values{
			"count":      1,
			"time_spent": in.TimeSpent,
			"tags":       models.EncodeTags(in.Tags),
			"message":    message,
			"state":      int64(models.StateUnresolved),
			"first_seen": date,
			"last_seen":  date,
			"score":      ComputeScore(1, date),
		},
	)
	if err != nil {
		return models.Group{}, errors.Wrap(err, "get or create group")
	}

	if created {
		if err := e.countEventType(ctx, path); err != nil {
			return models.Group{}, err
		}
		metrics.GroupCreated(path)
	} else {
		if _, err := groups.Increment(ctx, inst.PK, "count", 1); err != nil {
			return models.Group{}, errors.Wrap(err, "increment group count")
		}
		if in.TimeSpent > 0 {
			if _, err := groups.Increment(ctx, inst.PK, "time_spent", in.TimeSpent); err != nil {
				return models.Group{}, errors.Wrap(err, "increment group time spent")
			}
		}
		if models.GroupState(inst.Int("state")) == models.StateResolved {
			if _, err := groups.Update(ctx, inst.PK, record.Values{"state": int64(models.StateUnresolved)}); err != nil {
				return models.Group{}, errors.Wrap(err, "reopen group")
			}
		}
		if _, err := groups.Raise(ctx, inst.PK, "last_seen", date); err != nil {
			return models.Group{}, errors.Wrap(err, "raise group last seen")
		}
		// Score only grows with count and last_seen, so raising it from a
		// fresh read converges on the value for the final state.
		cur, err := groups.Get(ctx, inst.PK)
		if err != nil {
			return models.Group{}, errors.Wrap(err, "reload group")
		}
		score := ComputeScore(cur.Int("count"), cur.Time("last_seen"))
		if _, err := groups.Raise(ctx, inst.PK, "score", score); err != nil {
			return models.Group{}, errors.Wrap(err, "raise group score")
		}
	}

	if err := groups.AddRelation(ctx, inst.PK, models.KindEvent, eventID, keys.TimeScore(date)); err != nil {
		return models.Group{}, errors.Wrap(err, "relate event")
	}
	updated, err := groups.Get(ctx, inst.PK)
	if err != nil {
		return models.Group{}, errors.Wrap(err, "reload group")
	}
	return models.GroupFrom(updated)
}
