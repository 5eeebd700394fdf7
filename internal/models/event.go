package models

import (
	"time"

	"github.com/miradorstack/mirador-events/internal/keys"
)

// GroupState tracks whether a group still needs attention.
type GroupState int64

const (
	StateUnresolved GroupState = 0
	StateResolved   GroupState = 1
)

func (s GroupState) String() string {
	if s == StateResolved {
		return "resolved"
	}
	return "unresolved"
}

// Group aggregates every event sharing a type and content hash.
type Group struct {
	ID        string
	Type      string
	Hash      string
	Message   string
	State     GroupState
	Count     int64
	TimeSpent int64
	Score     float64
	FirstSeen time.Time
	LastSeen  time.Time
	Tags      []keys.Tag
}

// Event is a single stored occurrence. Its payload lives in metadata.
type Event struct {
	ID        string
	Type      string
	Hash      string
	Date      time.Time
	TimeSpent int64
	Tags      []keys.Tag
}

// Tag counts how often one key/value pair has been observed.
type Tag struct {
	ID    string
	Key   string
	Value string
	Hash  string
	Count int64
}

// EventType counts the groups created for one handler type.
type EventType struct {
	ID    string
	Path  string
	Count int64
}

// TagSet counts occurrences of a slice-scoped tag subset.
type TagSet struct {
	ID    string
	Hash  string
	Count int64
	Tags  []keys.Tag
}
