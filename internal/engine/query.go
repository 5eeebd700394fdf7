package engine

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/miradorstack/mirador-events/internal/events"
	"github.com/miradorstack/mirador-events/internal/models"
	"github.com/miradorstack/mirador-events/internal/record"
)

// EventView is a stored event together with its payload and renderings.
type EventView struct {
	Event   models.Event
	Data    map[string]any
	Message string
	HTML    string
}

// GetGroup loads one group.
func (e *Engine) GetGroup(ctx context.Context, id string) (models.Group, error) {
	inst, err := e.models.Groups.Get(ctx, id)
	if err != nil {
		return models.Group{}, err
	}
	return models.GroupFrom(inst)
}

// ListGroups pages through groups using a sortable field; a leading '-'
// sorts descending and an empty order uses last_seen.
func (e *Engine) ListGroups(ctx context.Context, order string, offset, limit int) ([]models.Group, error) {
	insts, err := e.models.Groups.OrderBy(ctx, order, offset, limit)
	if err != nil {
		return nil, err
	}
	return groupsFrom(insts)
}

// CountGroups returns the total number of groups.
func (e *Engine) CountGroups(ctx context.Context) (int64, error) {
	return e.models.Groups.Count(ctx)
}

// FilterGroups returns the groups whose field equals value. Only constrained
// fields (type, state, or type+hash) can be filtered.
func (e *Engine) FilterGroups(ctx context.Context, filter map[string]string) ([]models.Group, error) {
	lookup := make(record.Values, len(filter))
	for k, v := range filter {
		lookup[k] = v
	}
	if t, ok := filter["type"]; ok {
		lookup["type"] = events.ResolveType(t)
	}
	insts, err := e.models.Groups.Filter(ctx, lookup)
	if err != nil {
		return nil, err
	}
	return groupsFrom(insts)
}

// ListGroupEvents pages through the events related to a group by date.
func (e *Engine) ListGroupEvents(ctx context.Context, groupID string, offset, limit int, desc bool) ([]EventView, error) {
	if _, err := e.models.Groups.Get(ctx, groupID); err != nil {
		return nil, err
	}
	insts, err := e.models.Groups.Relations(ctx, groupID, e.models.Events, offset, limit, desc)
	if err != nil {
		return nil, err
	}
	out := make([]EventView, 0, len(insts))
	for _, inst := range insts {
		view, err := e.eventView(ctx, inst)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

// EventGroups returns the groups an event was aggregated into.
func (e *Engine) EventGroups(ctx context.Context, eventID string) ([]models.Group, error) {
	insts, err := e.models.Events.Relations(ctx, eventID, e.models.Groups, 0, 0, false)
	if err != nil {
		return nil, err
	}
	return groupsFrom(insts)
}

// TopTags returns the most frequently seen tags.
func (e *Engine) TopTags(ctx context.Context, limit int) ([]models.Tag, error) {
	insts, err := e.models.Tags.OrderBy(ctx, "-count", 0, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.Tag, 0, len(insts))
	for _, inst := range insts {
		out = append(out, models.TagFrom(inst))
	}
	return out, nil
}

// TagsByKey returns every observed value of one tag key.
func (e *Engine) TagsByKey(ctx context.Context, key string) ([]models.Tag, error) {
	insts, err := e.models.Tags.Filter(ctx, record.Values{"key": key})
	if err != nil {
		return nil, err
	}
	out := make([]models.Tag, 0, len(insts))
	for _, inst := range insts {
		out = append(out, models.TagFrom(inst))
	}
	return out, nil
}

// EventTypes lists the event types by number of groups.
func (e *Engine) EventTypes(ctx context.Context) ([]models.EventType, error) {
	insts, err := e.models.EventTypes.OrderBy(ctx, "-count", 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]models.EventType, 0, len(insts))
	for _, inst := range insts {
		out = append(out, models.EventTypeFrom(inst))
	}
	return out, nil
}

// Resolve marks a group resolved. The next occurrence reopens it.
func (e *Engine) Resolve(ctx context.Context, groupID string) (models.Group, error) {
	inst, err := e.models.Groups.Update(ctx, groupID, record.Values{"state": int64(models.StateResolved)})
	if err != nil {
		return models.Group{}, err
	}
	return models.GroupFrom(inst)
}

// DeleteGroup removes a group with its relation edges and releases its
// event type count.
func (e *Engine) DeleteGroup(ctx context.Context, id string) error {
	inst, err := e.models.Groups.Get(ctx, id)
	if errors.Is(err, record.ErrNotFound) {
		// finishes an earlier delete that failed after the data was removed
		return e.models.Groups.Delete(ctx, id)
	}
	if err != nil {
		return err
	}
	if err := e.models.Groups.Delete(ctx, id); err != nil {
		return err
	}
	return e.releaseEventType(ctx, inst.Str("type"))
}

// DeleteEvent removes an event, its payload and its relation edges.
func (e *Engine) DeleteEvent(ctx context.Context, id string) error {
	return e.models.Events.Delete(ctx, id)
}

func (e *Engine) releaseEventType(ctx context.Context, path string) error {
	et, err := e.models.EventTypes.GetBy(ctx, record.Values{"path": path})
	if errors.Is(err, record.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	remaining, err := e.models.EventTypes.Increment(ctx, et.PK, "count", -1)
	if errors.Is(err, record.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if remaining <= 0 {
		return e.models.EventTypes.Delete(ctx, et.PK)
	}
	return nil
}

func (e *Engine) eventView(ctx context.Context, inst *record.Instance) (EventView, error) {
	event, err := models.EventFrom(inst)
	if err != nil {
		return EventView{}, err
	}
	view := EventView{Event: event}
	if err := e.models.Events.GetMeta(ctx, event.ID, "data", &view.Data); err != nil {
		if !errors.Is(err, record.ErrNotFound) {
			return EventView{}, err
		}
		return view, nil
	}
	_, handler, err := e.handlers.Lookup(event.Type)
	if err != nil {
		e.logger.Debug("no handler to render event", slog.String("type", event.Type))
		return view, nil
	}
	if payload, err := events.PayloadOf(view.Data); err == nil {
		view.Message = handler.String(payload)
		view.HTML = handler.HTML(payload)
	}
	return view, nil
}

func groupsFrom(insts []*record.Instance) ([]models.Group, error) {
	out := make([]models.Group, 0, len(insts))
	for _, inst := range insts {
		g, err := models.GroupFrom(inst)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}
