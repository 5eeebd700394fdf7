package events

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// PayloadKey is the entry of an event's data map holding the handler payload.
const PayloadKey = "__event__"

// Namespace is prepended to event types given in shorthand form.
const Namespace = "events"

var (
	// ErrUnknownType is returned for event types without a registered handler.
	ErrUnknownType = errors.New("unknown event type")
	// ErrInvalidPayload is returned when the handler payload is missing or malformed.
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Payload is the handler-specific part of an event's data.
type Payload map[string]any

// Handler implements one event type. HashFields must only return the fields
// that identify an occurrence semantically, so near-duplicates collapse into
// one group.
type Handler interface {
	// Capture builds a payload from caller-supplied parameters.
	Capture(params map[string]any) (Payload, error)
	HashFields(p Payload) []string
	String(p Payload) string
	HTML(p Payload) string
}

// Registry maps event type paths to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a registry holding the builtin Message, Exception and
// Query handlers.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register("Message", Message{})
	r.Register("Exception", Exception{})
	r.Register("Query", Query{})
	return r
}

// Register binds h to eventType, expanding shorthand names.
func (r *Registry) Register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[ResolveType(eventType)] = h
}

// Lookup returns the canonical type path and its handler.
func (r *Registry) Lookup(eventType string) (string, Handler, error) {
	path := ResolveType(eventType)
	r.mu.RLock()
	h, ok := r.handlers[path]
	r.mu.RUnlock()
	if !ok {
		return "", nil, errors.Wrapf(ErrUnknownType, "%q", eventType)
	}
	return path, h, nil
}

// Types lists the registered type paths.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for path := range r.handlers {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// ResolveType expands a bare name such as "Message" to "events.Message".
func ResolveType(eventType string) string {
	if eventType == "" || strings.Contains(eventType, ".") {
		return eventType
	}
	return Namespace + "." + eventType
}

// PayloadOf extracts the handler payload from an event's data map.
func PayloadOf(data map[string]any) (Payload, error) {
	raw, ok := data[PayloadKey]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidPayload, "missing %s", PayloadKey)
	}
	switch p := raw.(type) {
	case Payload:
		return p, nil
	case map[string]any:
		return Payload(p), nil
	default:
		return nil, errors.Wrapf(ErrInvalidPayload, "%s is %T, want object", PayloadKey, raw)
	}
}

// Text returns p[key] as a string; missing values are empty.
func (p Payload) Text(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
