package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/miradorstack/mirador-events/internal/auth"
	"github.com/miradorstack/mirador-events/internal/engine"
	"github.com/miradorstack/mirador-events/internal/keys"
	"github.com/miradorstack/mirador-events/internal/metrics"
	"github.com/miradorstack/mirador-events/internal/models"
	"github.com/miradorstack/mirador-events/internal/search"
	"github.com/miradorstack/mirador-events/internal/services"
	"github.com/miradorstack/mirador-events/internal/utils"
)

// maxBodyBytes bounds a raw request body.
const maxBodyBytes = 1 << 20

// Collector is the service contract required by the HTTP API.
type Collector interface {
	Store(ctx context.Context, req services.StoreRequest) (engine.Result, error)
	GetGroup(ctx context.Context, id string) (models.Group, error)
	ListGroups(ctx context.Context, req services.ListGroupsRequest) (services.ListGroupsResponse, error)
	ListGroupEvents(ctx context.Context, groupID string, offset, limit int, desc bool) ([]engine.EventView, error)
	ResolveGroup(ctx context.Context, id string) (models.Group, error)
	TopTags(ctx context.Context, limit int) ([]models.Tag, error)
	SearchGroups(ctx context.Context, query string, limit int) ([]search.Hit, error)
}

// Options configures the HTTP collector.
type Options struct {
	Addr string
	// Key verifies signed submissions; ignored when PublicWrites is set.
	Key          string
	PublicWrites bool
	Logger       *slog.Logger
}

// Server accepts events over HTTP and exposes read-only group queries.
type Server struct {
	addr      string
	svc       Collector
	verifier  *auth.Verifier
	logger    *slog.Logger
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP collector.
func NewServer(svc Collector, opts Options) *Server {
	addr := opts.Addr
	if addr == "" {
		addr = "0.0.0.0:9000"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var verifier *auth.Verifier
	if !opts.PublicWrites {
		verifier = &auth.Verifier{Key: opts.Key, MaxSkew: auth.DefaultMaxSkew}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		svc:       svc,
		verifier:  verifier,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.observe)

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.POST("/store/", s.handleStore)
	api.GET("/groups", s.handleListGroups)
	api.GET("/groups/:id", s.handleGetGroup)
	api.GET("/groups/:id/events", s.handleGroupEvents)
	api.POST("/groups/:id/resolve", s.handleResolve)
	api.GET("/tags", s.handleTopTags)
	api.GET("/search", s.handleSearch)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.addr)
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http collector exited", slog.Any("error", err))
		}
	}()
	return nil
}

// Address exposes the bound listener address.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	status := c.Writer.Status()
	metrics.CollectorRequest(route, status)
	s.logger.Debug("http request",
		slog.String("method", c.Request.Method),
		slog.String("route", route),
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
	)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStore(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(body) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	client := ""
	if s.verifier != nil {
		creds, err := s.verifier.Verify(c.GetHeader("Authorization"), body)
		if err != nil {
			s.logger.Warn("rejected unsigned or invalid submission",
				slog.String("remote", c.ClientIP()),
				slog.Any("error", err),
			)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing signature"})
			return
		}
		client = creds.Client
	}

	payload, err := DecodePayload(c.ContentType(), body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.svc.Store(c.Request.Context(), services.StoreRequest{
		Type:      payload.EventType,
		Tags:      payload.TagList(),
		Date:      time.Time(payload.Date),
		TimeSpent: payload.Duration(),
		EventID:   payload.EventID,
		Data:      payload.Data,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	s.logger.Debug("event accepted",
		slog.String("event_id", res.Event.ID),
		slog.String("client", client),
	)
	groupIDs := make([]string, 0, len(res.Groups))
	for _, g := range res.Groups {
		groupIDs = append(groupIDs, g.ID)
	}
	c.JSON(http.StatusOK, gin.H{
		"id":     res.Event.ID,
		"groups": groupIDs,
	})
}

func (s *Server) handleListGroups(c *gin.Context) {
	filter := map[string]string{}
	if v := c.Query("type"); v != "" {
		filter["type"] = v
	}
	if v := c.Query("state"); v != "" {
		filter["state"] = v
	}
	resp, err := s.svc.ListGroups(c.Request.Context(), services.ListGroupsRequest{
		Order:  c.Query("order"),
		Offset: queryInt(c, "offset"),
		Limit:  queryInt(c, "limit"),
		Filter: filter,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	groups := make([]gin.H, 0, len(resp.Groups))
	for _, g := range resp.Groups {
		groups = append(groups, groupJSON(g))
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups, "total": resp.Total})
}

func (s *Server) handleGetGroup(c *gin.Context) {
	g, err := s.svc.GetGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, groupJSON(g))
}

func (s *Server) handleGroupEvents(c *gin.Context) {
	desc := c.DefaultQuery("desc", "true") != "false"
	views, err := s.svc.ListGroupEvents(c.Request.Context(), c.Param("id"), queryInt(c, "offset"), queryInt(c, "limit"), desc)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(views))
	for _, v := range views {
		out = append(out, gin.H{
			"id":         v.Event.ID,
			"type":       v.Event.Type,
			"date":       v.Event.Date,
			"time_spent": v.Event.TimeSpent,
			"tags":       tagsJSON(v.Event.Tags),
			"message":    v.Message,
			"html":       v.HTML,
			"data":       v.Data,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (s *Server) handleResolve(c *gin.Context) {
	g, err := s.svc.ResolveGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, groupJSON(g))
}

func (s *Server) handleTopTags(c *gin.Context) {
	tags, err := s.svc.TopTags(c.Request.Context(), queryInt(c, "limit"))
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(tags))
	for _, t := range tags {
		out = append(out, gin.H{"key": t.Key, "value": t.Value, "count": t.Count})
	}
	c.JSON(http.StatusOK, gin.H{"tags": out})
}

func (s *Server) handleSearch(c *gin.Context) {
	hits, err := s.svc.SearchGroups(c.Request.Context(), c.Query("q"), queryInt(c, "limit"))
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(hits))
	for _, h := range hits {
		out = append(out, gin.H{
			"group_id":  h.GroupID,
			"type":      h.Type,
			"message":   h.Message,
			"count":     h.Count,
			"last_seen": h.LastSeen,
		})
	}
	c.JSON(http.StatusOK, gin.H{"hits": out})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("http request failed", slog.String("route", c.FullPath()), slog.Any("error", err))
	}
	c.JSON(status, gin.H{"error": utils.MessageOf(err)})
}

// StatusFor maps a service error onto an HTTP status code.
func StatusFor(err error) int {
	switch utils.KindOf(err) {
	case utils.KindInvalid:
		return http.StatusBadRequest
	case utils.KindNotFound:
		return http.StatusNotFound
	case utils.KindUnauthorized:
		return http.StatusUnauthorized
	case utils.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(c *gin.Context, name string) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return n
}

func groupJSON(g models.Group) gin.H {
	return gin.H{
		"id":         g.ID,
		"type":       g.Type,
		"hash":       g.Hash,
		"message":    g.Message,
		"state":      g.State.String(),
		"count":      g.Count,
		"time_spent": g.TimeSpent,
		"score":      g.Score,
		"first_seen": g.FirstSeen,
		"last_seen":  g.LastSeen,
		"tags":       tagsJSON(g.Tags),
	}
}

func tagsJSON(tags []keys.Tag) [][2]string {
	out := make([][2]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, [2]string{t.Key, t.Value})
	}
	return out
}
