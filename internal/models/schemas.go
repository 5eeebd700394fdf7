package models

import (
	"time"

	"github.com/miradorstack/mirador-events/internal/keys"
	"github.com/miradorstack/mirador-events/internal/record"
	"github.com/miradorstack/mirador-events/internal/store"
)

// Record kinds.
const (
	KindGroup     = "group"
	KindEvent     = "event"
	KindTag       = "tag"
	KindEventType = "event_type"
	KindTagSet    = "tag_set"
)

func now() any { return time.Now().UTC() }

func emptyTags() any { return [][2]string{} }

// GroupSchema orders groups by recency and keeps frequency and score
// sortable for "most important" listings.
var GroupSchema = record.Schema{
	Kind: KindGroup,
	Fields: []record.Field{
		{Name: "type", Type: record.String},
		{Name: "hash", Type: record.String},
		{Name: "message", Type: record.String},
		{Name: "state", Type: record.Integer, Default: 0},
		{Name: "count", Type: record.Integer, Default: 0},
		{Name: "time_spent", Type: record.Integer, Default: 0},
		{Name: "score", Type: record.Float, Default: 0.0},
		{Name: "first_seen", Type: record.DateTime, Default: now},
		{Name: "last_seen", Type: record.DateTime, Default: now},
		{Name: "tags", Type: record.List, Default: emptyTags},
	},
	Ordering:    "last_seen",
	Sortables:   []string{"count", "time_spent", "first_seen", "score"},
	Constraints: [][]string{{"type", "hash"}, {"type"}, {"state"}},
	Relations:   []string{KindEvent},
}

// EventSchema orders events by occurrence date.
var EventSchema = record.Schema{
	Kind: KindEvent,
	Fields: []record.Field{
		{Name: "type", Type: record.String},
		{Name: "hash", Type: record.String},
		{Name: "date", Type: record.DateTime, Default: now},
		{Name: "time_spent", Type: record.Integer, Default: 0},
		{Name: "tags", Type: record.List, Default: emptyTags},
	},
	Ordering:    "date",
	Constraints: [][]string{{"type", "hash"}},
	Relations:   []string{KindGroup},
}

// TagSchema orders tags by how often they were seen.
var TagSchema = record.Schema{
	Kind: KindTag,
	Fields: []record.Field{
		{Name: "key", Type: record.String},
		{Name: "value", Type: record.String},
		{Name: "hash", Type: record.String},
		{Name: "count", Type: record.Integer, Default: 0},
	},
	Ordering:    "count",
	Constraints: [][]string{{"hash"}, {"key"}},
}

var EventTypeSchema = record.Schema{
	Kind: KindEventType,
	Fields: []record.Field{
		{Name: "path", Type: record.String},
		{Name: "count", Type: record.Integer, Default: 0},
	},
	Ordering:    "count",
	Constraints: [][]string{{"path"}},
}

var TagSetSchema = record.Schema{
	Kind: KindTagSet,
	Fields: []record.Field{
		{Name: "hash", Type: record.String},
		{Name: "count", Type: record.Integer, Default: 0},
		{Name: "tags", Type: record.List, Default: emptyTags},
	},
	Ordering:    "count",
	Constraints: [][]string{{"hash"}},
}

// Registry holds one record.Model per kind over a shared store.
type Registry struct {
	Groups     *record.Model
	Events     *record.Model
	Tags       *record.Model
	EventTypes *record.Model
	TagSets    *record.Model
}

// NewRegistry builds the models for every kind.
func NewRegistry(s store.Store) (*Registry, error) {
	var (
		r   Registry
		err error
	)
	targets := []struct {
		dst    **record.Model
		schema record.Schema
	}{
		{&r.Groups, GroupSchema},
		{&r.Events, EventSchema},
		{&r.Tags, TagSchema},
		{&r.EventTypes, EventTypeSchema},
		{&r.TagSets, TagSetSchema},
	}
	for _, t := range targets {
		if *t.dst, err = record.New(s, t.schema); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// EncodeTags converts tags into the stored [["key","value"], ...] form.
func EncodeTags(tags []keys.Tag) [][2]string {
	out := make([][2]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, [2]string{t.Key, t.Value})
	}
	return out
}

func decodeTags(inst *record.Instance) ([]keys.Tag, error) {
	var pairs [][2]string
	if err := inst.Decode("tags", &pairs); err != nil {
		return nil, err
	}
	out := make([]keys.Tag, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, keys.Tag{Key: p[0], Value: p[1]})
	}
	return out, nil
}

// GroupFrom decodes a group instance.
func GroupFrom(inst *record.Instance) (Group, error) {
	tags, err := decodeTags(inst)
	if err != nil {
		return Group{}, err
	}
	return Group{
		ID:        inst.PK,
		Type:      inst.Str("type"),
		Hash:      inst.Str("hash"),
		Message:   inst.Str("message"),
		State:     GroupState(inst.Int("state")),
		Count:     inst.Int("count"),
		TimeSpent: inst.Int("time_spent"),
		Score:     inst.Float("score"),
		FirstSeen: inst.Time("first_seen"),
		LastSeen:  inst.Time("last_seen"),
		Tags:      tags,
	}, nil
}

// EventFrom decodes an event instance.
func EventFrom(inst *record.Instance) (Event, error) {
	tags, err := decodeTags(inst)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        inst.PK,
		Type:      inst.Str("type"),
		Hash:      inst.Str("hash"),
		Date:      inst.Time("date"),
		TimeSpent: inst.Int("time_spent"),
		Tags:      tags,
	}, nil
}

// TagFrom decodes a tag instance.
func TagFrom(inst *record.Instance) Tag {
	return Tag{
		ID:    inst.PK,
		Key:   inst.Str("key"),
		Value: inst.Str("value"),
		Hash:  inst.Str("hash"),
		Count: inst.Int("count"),
	}
}

// EventTypeFrom decodes an event type instance.
func EventTypeFrom(inst *record.Instance) EventType {
	return EventType{ID: inst.PK, Path: inst.Str("path"), Count: inst.Int("count")}
}

// TagSetFrom decodes a tag set instance.
func TagSetFrom(inst *record.Instance) (TagSet, error) {
	tags, err := decodeTags(inst)
	if err != nil {
		return TagSet{}, err
	}
	return TagSet{ID: inst.PK, Hash: inst.Str("hash"), Count: inst.Int("count"), Tags: tags}, nil
}
