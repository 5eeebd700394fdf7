package services

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/miradorstack/mirador-events/internal/engine"
	"github.com/miradorstack/mirador-events/internal/events"
	"github.com/miradorstack/mirador-events/internal/keys"
	"github.com/miradorstack/mirador-events/internal/models"
	"github.com/miradorstack/mirador-events/internal/record"
	"github.com/miradorstack/mirador-events/internal/search"
	"github.com/miradorstack/mirador-events/internal/store"
	"github.com/miradorstack/mirador-events/internal/utils"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// StoreRequest is one event submitted through a transport.
type StoreRequest struct {
	Type      string
	Tags      []keys.Tag
	Date      time.Time
	TimeSpent int64
	EventID   string
	Data      map[string]any
}

// ListGroupsRequest pages through groups. Filter restricts the listing to a
// constrained field (type or state); filtered pages are ordered by last_seen
// descending and Order is ignored.
type ListGroupsRequest struct {
	Order  string
	Offset int
	Limit  int
	Filter map[string]string
}

// ListGroupsResponse carries one page and the overall group count.
type ListGroupsResponse struct {
	Groups []models.Group
	Total  int64
}

// CollectorService is the transport-neutral facade over the aggregation
// engine used by the gRPC and HTTP servers and the local client fallback.
type CollectorService struct {
	logger    *slog.Logger
	engine    *engine.Engine
	indexer   search.Indexer
	latencies *utils.LatencyTracker
}

// NewCollectorService constructs the service. indexer may be nil.
func NewCollectorService(logger *slog.Logger, eng *engine.Engine, indexer search.Indexer) *CollectorService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollectorService{
		logger:    logger,
		engine:    eng,
		indexer:   indexer,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Store aggregates one event and mirrors the touched groups into the search
// index. Index failures are logged only.
func (s *CollectorService) Store(ctx context.Context, req StoreRequest) (engine.Result, error) {
	if req.Type == "" {
		return engine.Result{}, utils.NewAppError("store", utils.KindInvalid, "event type is required", nil)
	}

	start := time.Now()
	res, err := s.engine.Store(ctx, engine.Input{
		Type:      req.Type,
		Tags:      req.Tags,
		Data:      req.Data,
		Date:      req.Date,
		TimeSpent: req.TimeSpent,
		EventID:   req.EventID,
	})
	if err != nil {
		return engine.Result{}, classify("store", err)
	}

	duration := time.Since(start)
	s.latencies.Observe(duration)
	if count := s.latencies.Count(); count >= 100 && count%100 == 0 {
		s.logger.Info("store latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}

	for _, g := range res.Groups {
		s.index(ctx, g)
	}
	return res, nil
}

// GetGroup returns one group.
func (s *CollectorService) GetGroup(ctx context.Context, id string) (models.Group, error) {
	if id == "" {
		return models.Group{}, utils.NewAppError("get group", utils.KindInvalid, "group id is required", nil)
	}
	g, err := s.engine.GetGroup(ctx, id)
	if err != nil {
		return models.Group{}, classify("get group", err)
	}
	return g, nil
}

// ListGroups returns a page of groups.
func (s *CollectorService) ListGroups(ctx context.Context, req ListGroupsRequest) (ListGroupsResponse, error) {
	offset, limit := page(req.Offset, req.Limit)

	if len(req.Filter) > 0 {
		groups, err := s.engine.FilterGroups(ctx, req.Filter)
		if err != nil {
			return ListGroupsResponse{}, classify("list groups", err)
		}
		slices.SortFunc(groups, func(a, b models.Group) int {
			return b.LastSeen.Compare(a.LastSeen)
		})
		total := int64(len(groups))
		if offset >= len(groups) {
			return ListGroupsResponse{Groups: []models.Group{}, Total: total}, nil
		}
		end := min(offset+limit, len(groups))
		return ListGroupsResponse{Groups: groups[offset:end], Total: total}, nil
	}

	groups, err := s.engine.ListGroups(ctx, req.Order, offset, limit)
	if err != nil {
		return ListGroupsResponse{}, classify("list groups", err)
	}
	total, err := s.engine.CountGroups(ctx)
	if err != nil {
		return ListGroupsResponse{}, classify("list groups", err)
	}
	return ListGroupsResponse{Groups: groups, Total: total}, nil
}

// ListGroupEvents returns a page of a group's events ordered by date.
func (s *CollectorService) ListGroupEvents(ctx context.Context, groupID string, offset, limit int, desc bool) ([]engine.EventView, error) {
	if groupID == "" {
		return nil, utils.NewAppError("list group events", utils.KindInvalid, "group id is required", nil)
	}
	offset, limit = page(offset, limit)
	views, err := s.engine.ListGroupEvents(ctx, groupID, offset, limit, desc)
	if err != nil {
		return nil, classify("list group events", err)
	}
	return views, nil
}

// TopTags returns the most frequent tags.
func (s *CollectorService) TopTags(ctx context.Context, limit int) ([]models.Tag, error) {
	_, limit = page(0, limit)
	tags, err := s.engine.TopTags(ctx, limit)
	if err != nil {
		return nil, classify("top tags", err)
	}
	return tags, nil
}

// EventTypes lists the event types with their group counts.
func (s *CollectorService) EventTypes(ctx context.Context) ([]models.EventType, error) {
	types, err := s.engine.EventTypes(ctx)
	if err != nil {
		return nil, classify("event types", err)
	}
	return types, nil
}

// ResolveGroup marks a group resolved.
func (s *CollectorService) ResolveGroup(ctx context.Context, id string) (models.Group, error) {
	if id == "" {
		return models.Group{}, utils.NewAppError("resolve group", utils.KindInvalid, "group id is required", nil)
	}
	g, err := s.engine.Resolve(ctx, id)
	if err != nil {
		return models.Group{}, classify("resolve group", err)
	}
	s.index(ctx, g)
	return g, nil
}

// DeleteGroup removes a group and its search object.
func (s *CollectorService) DeleteGroup(ctx context.Context, id string) error {
	if id == "" {
		return utils.NewAppError("delete group", utils.KindInvalid, "group id is required", nil)
	}
	if err := s.engine.DeleteGroup(ctx, id); err != nil {
		return classify("delete group", err)
	}
	if s.indexer != nil {
		if err := s.indexer.DeleteGroup(ctx, id); err != nil {
			s.logger.Warn("search unindex failed", slog.String("group_id", id), slog.Any("error", err))
		}
	}
	return nil
}

// SearchGroups runs a free-text query against the search index.
func (s *CollectorService) SearchGroups(ctx context.Context, query string, limit int) ([]search.Hit, error) {
	if s.indexer == nil {
		return nil, utils.NewAppError("search groups", utils.KindUnavailable, "search is not configured", nil)
	}
	_, limit = page(0, limit)
	hits, err := s.indexer.Search(ctx, query, limit)
	if err != nil {
		return nil, utils.NewAppError("search groups", utils.KindUnavailable, "search backend failed", err)
	}
	return hits, nil
}

func (s *CollectorService) index(ctx context.Context, g models.Group) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.IndexGroup(ctx, g); err != nil {
		s.logger.Warn("search index failed", slog.String("group_id", g.ID), slog.Any("error", err))
	}
}

func page(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return offset, limit
}

// classify wraps engine errors into AppErrors carrying a transport-neutral kind.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, record.ErrNotFound):
		return utils.NewAppError(op, utils.KindNotFound, "not found", err)
	case errors.Is(err, events.ErrUnknownType):
		return utils.NewAppError(op, utils.KindInvalid, "unknown event type", err)
	case errors.Is(err, events.ErrInvalidPayload), errors.Is(err, record.ErrValidation):
		return utils.NewAppError(op, utils.KindInvalid, "invalid request", err)
	case errors.Is(err, record.ErrMultipleMatches):
		// a constraint matched more than one record: the store is inconsistent
		return utils.NewAppError(op, utils.KindInternal, "internal error", err)
	case store.IsTransient(err):
		return utils.NewAppError(op, utils.KindUnavailable, "storage unavailable", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return utils.NewAppError(op, utils.KindUnavailable, "request cancelled", err)
	default:
		return utils.NewAppError(op, utils.KindInternal, "internal error", err)
	}
}
