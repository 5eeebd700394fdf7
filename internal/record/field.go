package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/miradorstack/mirador-events/internal/keys"
)

// FieldType selects the storage coercion of a field.
type FieldType int

const (
	// String fields are stored verbatim.
	String FieldType = iota
	// Integer fields hold int64 values and may be incremented atomically.
	Integer
	// Float fields hold float64 values.
	Float
	// DateTime fields hold UTC timestamps in RFC3339Nano form.
	DateTime
	// List fields hold an opaque JSON document (usually an array).
	List
)

func (t FieldType) String() string {
	switch t {
	case String:
		return "string"
	case Integer:
		return "integer"
	case Float:
		return "float"
	case DateTime:
		return "datetime"
	case List:
		return "list"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// numeric reports whether values of this type can score an index.
func (t FieldType) numeric() bool {
	return t == Integer || t == Float || t == DateTime
}

// Field describes one declared attribute. Default is either a literal or a
// func() any generator evaluated on every create.
type Field struct {
	Name    string
	Type    FieldType
	Default any
}

func (f Field) defaultValue() (any, bool) {
	switch d := f.Default.(type) {
	case nil:
		return nil, false
	case func() any:
		return d(), true
	default:
		return d, true
	}
}

// toStorage converts a Go value into its canonical stored string.
func (f Field) toStorage(value any) (string, error) {
	switch f.Type {
	case String:
		switch v := value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		case fmt.Stringer:
			return v.String(), nil
		}
	case Integer:
		switch v := value.(type) {
		case int:
			return strconv.FormatInt(int64(v), 10), nil
		case int32:
			return strconv.FormatInt(int64(v), 10), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case uint32:
			return strconv.FormatUint(uint64(v), 10), nil
		case float64:
			if v == math.Trunc(v) {
				return strconv.FormatInt(int64(v), 10), nil
			}
		case string:
			if _, err := strconv.ParseInt(v, 10, 64); err == nil {
				return v, nil
			}
		}
	case Float:
		switch v := value.(type) {
		case float64:
			return formatFloat(v), nil
		case float32:
			return formatFloat(float64(v)), nil
		case int:
			return formatFloat(float64(v)), nil
		case int64:
			return formatFloat(float64(v)), nil
		case string:
			if p, err := strconv.ParseFloat(v, 64); err == nil {
				return formatFloat(p), nil
			}
		}
	case DateTime:
		switch v := value.(type) {
		case time.Time:
			if v.IsZero() {
				return "", nil
			}
			return v.UTC().Format(time.RFC3339Nano), nil
		case string:
			if v == "" {
				return "", nil
			}
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t.UTC().Format(time.RFC3339Nano), nil
			}
		}
	case List:
		switch v := value.(type) {
		case json.RawMessage:
			if !json.Valid(v) {
				break
			}
			return string(v), nil
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return "", errors.Wrapf(ErrValidation, "field %s: %v", f.Name, err)
			}
			return string(raw), nil
		}
	}
	return "", errors.Wrapf(ErrValidation, "field %s: cannot store %T as %s", f.Name, value, f.Type)
}

// fromStorage converts a stored string back into the field's Go type.
func (f Field) fromStorage(raw string) (any, error) {
	switch f.Type {
	case String:
		return raw, nil
	case Integer:
		if raw == "" {
			return int64(0), nil
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrValidation, "field %s: stored value %q is not an integer", f.Name, raw)
		}
		return v, nil
	case Float:
		if raw == "" {
			return float64(0), nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrValidation, "field %s: stored value %q is not a float", f.Name, raw)
		}
		return v, nil
	case DateTime:
		if raw == "" {
			return time.Time{}, nil
		}
		v, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, errors.Wrapf(ErrValidation, "field %s: stored value %q is not a timestamp", f.Name, raw)
		}
		return v.UTC(), nil
	case List:
		if raw == "" {
			return json.RawMessage("null"), nil
		}
		return json.RawMessage(raw), nil
	}
	return nil, errors.Wrapf(ErrValidation, "field %s: unknown type %s", f.Name, f.Type)
}

// score maps a decoded value onto an index score.
func (f Field) score(value any) float64 {
	switch v := value.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case time.Time:
		return keys.TimeScore(v)
	}
	return 0
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
