package keys

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tag is a single key/value classification attached to an event.
type Tag struct {
	Key   string
	Value string
}

// String renders the tag as "key=value".
func (t Tag) String() string {
	return t.Key + "=" + t.Value
}

// CompositeKey hashes a field tuple independently of map iteration order.
// Field names are sorted and joined as "name=value" pairs separated by ';'.
func CompositeKey(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+fields[name])
	}
	return Hash(strings.Join(parts, ";"))
}

// TagsHash hashes a tag set so that the same set collected in a different
// order yields the same value. Tags are stably sorted by key only, so repeated
// keys keep their relative order.
func TagsHash(tags []Tag) string {
	sorted := append([]Tag(nil), tags...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	parts := make([]string, 0, len(sorted))
	for _, tag := range sorted {
		parts = append(parts, tag.String())
	}
	return Hash(strings.Join(parts, " "))
}

// TagHash is the identity of a single tag pair.
func TagHash(key, value string) string {
	return Hash(key + "=" + value)
}

// EventHash joins the semantically identifying fields of a payload with '|'
// and hashes the result.
func EventHash(fields []string) string {
	return Hash(strings.Join(fields, "|"))
}

// Hash returns the hex md5 digest of value.
func Hash(value string) string {
	sum := md5.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a fresh 32 character random identifier.
func GenerateKey() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// TimeScore encodes a timestamp as fractional seconds since the epoch.
func TimeScore(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

// Substrate key layout. Backends prepend their own key prefix.

// DataKey addresses the primary field hash of a record.
func DataKey(kind, pk string) string {
	return "data:" + kind + ":" + pk
}

// MetaKey addresses the metadata hash of a record.
func MetaKey(kind, pk string) string {
	return "metadata:" + kind + ":" + pk
}

// IndexKey addresses a sorted index over a record kind.
func IndexKey(kind, index string) string {
	return "index:" + kind + ":" + index
}

// RelationKey addresses the sorted set of toKind records related to one record.
func RelationKey(fromKind, fromPK, toKind string) string {
	return "rindex:" + fromKind + ":" + fromPK + ":" + toKind
}

// ConstraintKey addresses the member set of a composite constraint value.
func ConstraintKey(kind string, fields map[string]string) string {
	return "cindex:" + kind + ":" + CompositeKey(fields)
}
