package api

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/miradorstack/mirador-events/internal/engine"
	"github.com/miradorstack/mirador-events/internal/httpserver"
	"github.com/miradorstack/mirador-events/internal/keys"
	"github.com/miradorstack/mirador-events/internal/models"
	"github.com/miradorstack/mirador-events/internal/services"
	"github.com/miradorstack/mirador-events/internal/utils"
)

// Collector is the service contract behind the gRPC handlers.
type Collector interface {
	Store(ctx context.Context, req services.StoreRequest) (engine.Result, error)
	GetGroup(ctx context.Context, id string) (models.Group, error)
	ListGroups(ctx context.Context, req services.ListGroupsRequest) (services.ListGroupsResponse, error)
	ListGroupEvents(ctx context.Context, groupID string, offset, limit int, desc bool) ([]engine.EventView, error)
	ResolveGroup(ctx context.Context, id string) (models.Group, error)
	TopTags(ctx context.Context, limit int) ([]models.Tag, error)
}

// Handlers implements CollectorServer over a Collector.
type Handlers struct {
	UnimplementedCollectorServer

	logger *slog.Logger
	svc    Collector
}

// NewHandlers constructs the gRPC handlers.
func NewHandlers(logger *slog.Logger, svc Collector) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{logger: logger, svc: svc}
}

// Store accepts the same document as the HTTP collector's JSON body.
func (h *Handlers) Store(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	storeReq, err := FromStoreStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := h.svc.Store(ctx, storeReq)
	if err != nil {
		return nil, h.statusError(err)
	}

	groupIDs := make([]interface{}, 0, len(res.Groups))
	for _, g := range res.Groups {
		groupIDs = append(groupIDs, g.ID)
	}
	return newStruct(map[string]interface{}{"id": res.Event.ID, "groups": groupIDs})
}

// GetGroup returns one group.
func (h *Handlers) GetGroup(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	g, err := h.svc.GetGroup(ctx, req.GetValue())
	if err != nil {
		return nil, h.statusError(err)
	}
	return newStruct(GroupToMap(g))
}

// ListGroups accepts order, offset, limit, and optional type/state filters.
func (h *Handlers) ListGroups(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	filter := map[string]string{}
	if v := fields["type"].GetStringValue(); v != "" {
		filter["type"] = v
	}
	if v, ok := fields["state"]; ok {
		filter["state"] = stateFilter(v)
	}
	resp, err := h.svc.ListGroups(ctx, services.ListGroupsRequest{
		Order:  fields["order"].GetStringValue(),
		Offset: int(fields["offset"].GetNumberValue()),
		Limit:  int(fields["limit"].GetNumberValue()),
		Filter: filter,
	})
	if err != nil {
		return nil, h.statusError(err)
	}
	groups := make([]interface{}, 0, len(resp.Groups))
	for _, g := range resp.Groups {
		groups = append(groups, GroupToMap(g))
	}
	return newStruct(map[string]interface{}{"groups": groups, "total": resp.Total})
}

// ListGroupEvents accepts group_id, offset, limit and desc.
func (h *Handlers) ListGroupEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	desc := true
	if v, ok := fields["desc"]; ok {
		desc = v.GetBoolValue()
	}
	views, err := h.svc.ListGroupEvents(ctx,
		fields["group_id"].GetStringValue(),
		int(fields["offset"].GetNumberValue()),
		int(fields["limit"].GetNumberValue()),
		desc,
	)
	if err != nil {
		return nil, h.statusError(err)
	}
	out := make([]interface{}, 0, len(views))
	for _, v := range views {
		out = append(out, map[string]interface{}{
			"id":         v.Event.ID,
			"type":       v.Event.Type,
			"date":       formatTime(v.Event.Date),
			"time_spent": v.Event.TimeSpent,
			"tags":       tagsToList(v.Event.Tags),
			"message":    v.Message,
			"html":       v.HTML,
			"data":       v.Data,
		})
	}
	return newStruct(map[string]interface{}{"events": out})
}

// ResolveGroup marks a group resolved.
func (h *Handlers) ResolveGroup(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	g, err := h.svc.ResolveGroup(ctx, req.GetValue())
	if err != nil {
		return nil, h.statusError(err)
	}
	return newStruct(GroupToMap(g))
}

// TopTags returns the most frequent tags.
func (h *Handlers) TopTags(ctx context.Context, req *wrapperspb.Int32Value) (*structpb.Struct, error) {
	tags, err := h.svc.TopTags(ctx, int(req.GetValue()))
	if err != nil {
		return nil, h.statusError(err)
	}
	out := make([]interface{}, 0, len(tags))
	for _, t := range tags {
		out = append(out, map[string]interface{}{"key": t.Key, "value": t.Value, "count": t.Count})
	}
	return newStruct(map[string]interface{}{"tags": out})
}

func (h *Handlers) statusError(err error) error {
	code := CodeFor(err)
	if code == codes.Internal {
		h.logger.Error("collector request failed", slog.Any("error", err))
	}
	return status.Error(code, utils.MessageOf(err))
}

// CodeFor maps a service error onto a gRPC status code.
func CodeFor(err error) codes.Code {
	switch utils.KindOf(err) {
	case utils.KindInvalid:
		return codes.InvalidArgument
	case utils.KindNotFound:
		return codes.NotFound
	case utils.KindUnauthorized:
		return codes.Unauthenticated
	case utils.KindUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// FromStoreStruct maps a Store request onto the service request using the
// HTTP collector's JSON decoding rules.
func FromStoreStruct(req *structpb.Struct) (services.StoreRequest, error) {
	raw, err := protojson.Marshal(req)
	if err != nil {
		return services.StoreRequest{}, err
	}
	payload, err := httpserver.DecodePayload("application/json", raw)
	if err != nil {
		return services.StoreRequest{}, err
	}
	return services.StoreRequest{
		Type:      payload.EventType,
		Tags:      payload.TagList(),
		Date:      time.Time(payload.Date),
		TimeSpent: payload.Duration(),
		EventID:   payload.EventID,
		Data:      payload.Data,
	}, nil
}

// GroupToMap renders a group with structpb-compatible values.
func GroupToMap(g models.Group) map[string]interface{} {
	return map[string]interface{}{
		"id":         g.ID,
		"type":       g.Type,
		"hash":       g.Hash,
		"message":    g.Message,
		"state":      g.State.String(),
		"count":      g.Count,
		"time_spent": g.TimeSpent,
		"score":      g.Score,
		"first_seen": formatTime(g.FirstSeen),
		"last_seen":  formatTime(g.LastSeen),
		"tags":       tagsToList(g.Tags),
	}
}

func stateFilter(v *structpb.Value) string {
	if s := v.GetStringValue(); s != "" {
		if s == models.StateResolved.String() {
			return "1"
		}
		if s == models.StateUnresolved.String() {
			return "0"
		}
		return s
	}
	if v.GetNumberValue() >= 1 {
		return "1"
	}
	return "0"
}

func tagsToList(tags []keys.Tag) []interface{} {
	out := make([]interface{}, 0, len(tags))
	for _, t := range tags {
		out = append(out, []interface{}{t.Key, t.Value})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func newStruct(m map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}
