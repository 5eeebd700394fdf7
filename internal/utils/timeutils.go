package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var eventDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseEventDate accepts an ISO 8601 timestamp with or without fractional
// seconds and zone, or unix epoch seconds. Timestamps without a zone are UTC.
// An empty value yields the zero time.
func ParseEventDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		whole := int64(secs)
		nanos := int64((secs - float64(whole)) * float64(time.Second))
		return time.Unix(whole, nanos).UTC(), nil
	}
	for _, layout := range eventDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf("unrecognised date %q", value)
}
