// Package client captures events in-process and submits them to remote
// collectors, falling back to local storage.
package client

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/miradorstack/mirador-events/internal/auth"
	"github.com/miradorstack/mirador-events/internal/engine"
	"github.com/miradorstack/mirador-events/internal/events"
	"github.com/miradorstack/mirador-events/internal/httpserver"
	"github.com/miradorstack/mirador-events/internal/keys"
	"github.com/miradorstack/mirador-events/internal/services"
)

// ErrNoDestination is returned when no remote accepted an event and there is
// no local store to fall back to.
var ErrNoDestination = errors.New("event could not be delivered")

// LocalStore receives events when no remote is configured or reachable.
type LocalStore interface {
	Store(ctx context.Context, req services.StoreRequest) (engine.Result, error)
}

// Options configures a Client.
type Options struct {
	// Remotes are collector store URLs, e.g. http://host:9000/api/store/.
	Remotes []string
	Key     string
	// ServerName is attached to every event as the "server" tag.
	ServerName string
	Timeout    time.Duration
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Event is one occurrence to capture. Params are handed to the type's
// handler to build its payload; Data carries extra, unhashed context.
type Event struct {
	Type      string
	Params    map[string]any
	Tags      []keys.Tag
	Data      map[string]any
	Date      time.Time
	TimeSpent int64
	EventID   string
}

// Client builds payloads with the registered handlers and delivers them.
type Client struct {
	handlers   *events.Registry
	local      LocalStore
	remotes    []string
	key        string
	serverName string
	logger     *slog.Logger
	httpClient *http.Client
	now        func() time.Time
}

// New constructs a client. local may be nil when every event must go remote.
func New(handlers *events.Registry, local LocalStore, opts Options) *Client {
	if handlers == nil {
		handlers = events.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		handlers:   handlers,
		local:      local,
		remotes:    append([]string(nil), opts.Remotes...),
		key:        opts.Key,
		serverName: opts.ServerName,
		logger:     logger,
		httpClient: &http.Client{Transport: httpClient.Transport, Timeout: timeout},
		now:        time.Now,
	}
}

// Capture builds the event payload and delivers it. It returns the event id,
// which is assigned here so that retries and fallbacks overwrite rather than
// duplicate.
func (c *Client) Capture(ctx context.Context, ev Event) (string, error) {
	path, handler, err := c.handlers.Lookup(ev.Type)
	if err != nil {
		return "", err
	}
	payload, err := handler.Capture(ev.Params)
	if err != nil {
		return "", errors.Wrapf(err, "capture %s", path)
	}

	data := make(map[string]any, len(ev.Data)+1)
	for k, v := range ev.Data {
		data[k] = v
	}
	data[events.PayloadKey] = map[string]any(payload)

	tags := append([]keys.Tag(nil), ev.Tags...)
	if c.serverName != "" && !hasTag(tags, "server") {
		tags = append(tags, keys.Tag{Key: "server", Value: c.serverName})
	}

	date := ev.Date
	if date.IsZero() {
		date = c.now()
	}
	eventID := ev.EventID
	if eventID == "" {
		eventID = keys.GenerateKey()
	}

	req := services.StoreRequest{
		Type:      path,
		Tags:      tags,
		Date:      date.UTC(),
		TimeSpent: ev.TimeSpent,
		EventID:   eventID,
		Data:      data,
	}
	if err := c.send(ctx, req); err != nil {
		return "", err
	}
	return eventID, nil
}

func (c *Client) send(ctx context.Context, req services.StoreRequest) error {
	if len(c.remotes) == 0 {
		return c.storeLocal(ctx, req)
	}

	body, err := httpserver.EncodePayload(toWire(req))
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	var errs []error
	delivered := 0
	for _, remote := range c.remotes {
		if err := c.sendRemote(ctx, remote, body); err != nil {
			c.logger.Warn("remote submission failed",
				slog.String("remote", remote),
				slog.String("event_id", req.EventID),
				slog.Any("error", err),
			)
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		return nil
	}
	if c.local != nil {
		c.logger.Info("falling back to local storage", slog.String("event_id", req.EventID))
		return c.storeLocal(ctx, req)
	}
	return errors.Mark(errors.Wrapf(errs[len(errs)-1], "%d remote(s) failed", len(errs)), ErrNoDestination)
}

// sendRemote posts body once and retries one time without backoff.
func (c *Client) sendRemote(ctx context.Context, remote string, body []byte) error {
	err := c.post(ctx, remote, body)
	if err == nil || ctx.Err() != nil {
		return err
	}
	return c.post(ctx, remote, body)
}

func (c *Client) post(ctx context.Context, remote string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, remote, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", httpserver.ContentTypeCompressed)
	req.Header.Set("User-Agent", "mirador-events-client")
	if c.key != "" {
		req.Header.Set("Authorization", auth.NewCredentials(c.key, c.serverName, body, c.now()).Header())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post %s", remote)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Newf("post %s: %d %s", remote, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) storeLocal(ctx context.Context, req services.StoreRequest) error {
	if c.local == nil {
		return errors.Wrap(ErrNoDestination, "no remotes or local store configured")
	}
	_, err := c.local.Store(ctx, req)
	return err
}

func toWire(req services.StoreRequest) httpserver.StorePayload {
	tags := make([][2]string, 0, len(req.Tags))
	for _, t := range req.Tags {
		tags = append(tags, [2]string{t.Key, t.Value})
	}
	return httpserver.StorePayload{
		EventType: req.Type,
		Tags:      tags,
		Date:      httpserver.EventDate(req.Date),
		TimeSpent: float64(req.TimeSpent),
		EventID:   req.EventID,
		Data:      req.Data,
	}
}

func hasTag(tags []keys.Tag, key string) bool {
	for _, t := range tags {
		if t.Key == key {
			return true
		}
	}
	return false
}
