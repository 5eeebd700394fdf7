package httpserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zlib"

	"github.com/miradorstack/mirador-events/internal/keys"
	"github.com/miradorstack/mirador-events/internal/utils"
)

// ContentTypeCompressed marks a base64(zlib(JSON)) body.
const ContentTypeCompressed = "application/octet-stream"

// maxInflatedBytes bounds a decompressed payload.
const maxInflatedBytes = 8 << 20

// ErrBadBody is returned for bodies that cannot be decoded.
var ErrBadBody = errors.New("malformed request body")

// EventDate is a timestamp that decodes from an ISO 8601 string or epoch
// seconds and encodes as RFC 3339 in UTC.
type EventDate time.Time

func (d EventDate) MarshalJSON() ([]byte, error) {
	t := time.Time(d)
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (d *EventDate) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var (
		t   time.Time
		err error
	)
	switch v := raw.(type) {
	case nil:
	case string:
		t, err = utils.ParseEventDate(v)
	case float64:
		whole := int64(v)
		t = time.Unix(whole, int64((v-float64(whole))*float64(time.Second))).UTC()
	default:
		err = errors.Newf("date must be a string or number, got %T", raw)
	}
	if err != nil {
		return err
	}
	*d = EventDate(t)
	return nil
}

// StorePayload is the wire form of one submitted event.
type StorePayload struct {
	EventType string         `json:"event_type"`
	Tags      [][2]string    `json:"tags,omitempty"`
	Date      EventDate      `json:"date"`
	TimeSpent float64        `json:"time_spent,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	Data      map[string]any `json:"data"`
}

// TagList converts the wire tags.
func (p StorePayload) TagList() []keys.Tag {
	out := make([]keys.Tag, 0, len(p.Tags))
	for _, t := range p.Tags {
		out = append(out, keys.Tag{Key: t[0], Value: t[1]})
	}
	return out
}

// Duration returns time_spent rounded to whole units. Clients may send
// fractional values.
func (p StorePayload) Duration() int64 {
	return int64(math.Round(p.TimeSpent))
}

// EncodePayload renders p as base64(zlib(JSON)).
func EncodePayload(p StorePayload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(out, buf.Bytes())
	return out, nil
}

// DecodePayload parses a request body. Compressed bodies are recognised by
// content type or by not starting with '{'.
func DecodePayload(contentType string, body []byte) (StorePayload, error) {
	raw := bytes.TrimSpace(body)
	if len(raw) == 0 {
		return StorePayload{}, errors.Wrap(ErrBadBody, "empty body")
	}
	if strings.HasPrefix(contentType, ContentTypeCompressed) || raw[0] != '{' {
		inflated, err := inflate(raw)
		if err != nil {
			return StorePayload{}, err
		}
		raw = inflated
	}

	var p StorePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return StorePayload{}, errors.Wrap(ErrBadBody, err.Error())
	}
	return p, nil
}

func inflate(encoded []byte) ([]byte, error) {
	compressed := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(compressed, encoded)
	if err != nil {
		return nil, errors.Wrap(ErrBadBody, "invalid base64")
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed[:n]))
	if err != nil {
		return nil, errors.Wrap(ErrBadBody, "invalid zlib stream")
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedBytes+1))
	if err != nil {
		return nil, errors.Wrap(ErrBadBody, "invalid zlib stream")
	}
	if len(out) > maxInflatedBytes {
		return nil, errors.Wrap(ErrBadBody, "payload too large")
	}
	return out, nil
}
