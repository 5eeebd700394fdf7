// Package search mirrors group summaries into Weaviate for free-text lookup.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/miradorstack/mirador-events/internal/models"
)

// DefaultClass is the Weaviate class holding group summaries.
const DefaultClass = "MiradorEventGroup"

// Hit is one search match.
type Hit struct {
	GroupID  string
	Type     string
	Message  string
	Count    int64
	LastSeen time.Time
}

// Indexer is implemented by search backends.
type Indexer interface {
	IndexGroup(ctx context.Context, group models.Group) error
	DeleteGroup(ctx context.Context, groupID string) error
	Search(ctx context.Context, query string, limit int) ([]Hit, error)
}

// WeaviateIndexer talks to the Weaviate REST and GraphQL endpoints. With an
// empty endpoint every call is a no-op.
type WeaviateIndexer struct {
	endpoint   string
	apiKey     string
	class      string
	httpClient *http.Client
}

// NewWeaviateIndexer constructs an indexer.
func NewWeaviateIndexer(endpoint, apiKey, class string, timeout time.Duration) *WeaviateIndexer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if class == "" {
		class = DefaultClass
	}
	return &WeaviateIndexer{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		class:      class,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether an endpoint is configured.
func (w *WeaviateIndexer) Enabled() bool {
	return w != nil && w.endpoint != ""
}

// IndexGroup upserts the group summary. Weaviate rejects a POST for an
// existing id with 422, in which case the object is replaced.
func (w *WeaviateIndexer) IndexGroup(ctx context.Context, group models.Group) error {
	if !w.Enabled() {
		return nil
	}
	id, err := objectID(group.ID)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"class":      w.class,
		"id":         id,
		"properties": buildGroupProperties(group),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	status, msg, err := w.send(ctx, http.MethodPost, "/v1/objects", body)
	if err != nil {
		return err
	}
	if status == http.StatusUnprocessableEntity {
		status, msg, err = w.send(ctx, http.MethodPut, "/v1/objects/"+w.class+"/"+id, body)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return errors.Newf("index group %s failed: %d %s", group.ID, status, msg)
	}
	return nil
}

// DeleteGroup removes the group's object. A missing object is not an error.
func (w *WeaviateIndexer) DeleteGroup(ctx context.Context, groupID string) error {
	if !w.Enabled() {
		return nil
	}
	id, err := objectID(groupID)
	if err != nil {
		return err
	}
	status, msg, err := w.send(ctx, http.MethodDelete, "/v1/objects/"+w.class+"/"+id, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || (status >= 200 && status < 300) {
		return nil
	}
	return errors.Newf("delete group %s failed: %d %s", groupID, status, msg)
}

// Search runs a BM25 query over group messages, best matches first.
func (w *WeaviateIndexer) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if !w.Enabled() || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	gql := map[string]interface{}{
		"query": fmt.Sprintf(`{
          Get {
            %s(
              limit: %d
              bm25: {query: %s, properties: ["message"]}
            ) {
              groupId
              eventType
              message
              count
              lastSeen
            }
          }
        }`, w.class, limit, strconv.Quote(query)),
	}
	body, err := json.Marshal(gql)
	if err != nil {
		return nil, err
	}

	req, err := w.newRequest(ctx, http.MethodPost, "/v1/graphql", body)
	if err != nil {
		return nil, err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "search groups")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, errors.Newf("search groups failed: %d %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var response struct {
		Data struct {
			Get map[string][]struct {
				GroupID   string    `json:"groupId"`
				EventType string    `json:"eventType"`
				Message   string    `json:"message"`
				Count     float64   `json:"count"`
				LastSeen  time.Time `json:"lastSeen"`
			} `json:"Get"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, errors.Wrap(err, "decode search response")
	}
	if len(response.Errors) > 0 {
		return nil, errors.Newf("search groups failed: %s", response.Errors[0].Message)
	}

	records := response.Data.Get[w.class]
	hits := make([]Hit, 0, len(records))
	for _, rec := range records {
		hits = append(hits, Hit{
			GroupID:  rec.GroupID,
			Type:     rec.EventType,
			Message:  rec.Message,
			Count:    int64(rec.Count),
			LastSeen: rec.LastSeen,
		})
	}
	return hits, nil
}

func (w *WeaviateIndexer) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.endpoint+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}
	return req, nil
}

func (w *WeaviateIndexer) send(ctx context.Context, method, path string, body []byte) (int, string, error) {
	req, err := w.newRequest(ctx, method, path, body)
	if err != nil {
		return 0, "", err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, "", errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(data)), nil
}

// objectID renders a group id (32 hex digits) in the dashed UUID form
// Weaviate requires.
func objectID(groupID string) (string, error) {
	id, err := uuid.Parse(groupID)
	if err != nil {
		return "", errors.Wrapf(err, "group id %q", groupID)
	}
	return id.String(), nil
}

func buildGroupProperties(group models.Group) map[string]interface{} {
	tags := make([]string, 0, len(group.Tags))
	for _, t := range group.Tags {
		tags = append(tags, t.String())
	}
	return map[string]interface{}{
		"groupId":   group.ID,
		"eventType": group.Type,
		"message":   group.Message,
		"state":     group.State.String(),
		"count":     group.Count,
		"firstSeen": group.FirstSeen.UTC().Format(time.RFC3339Nano),
		"lastSeen":  group.LastSeen.UTC().Format(time.RFC3339Nano),
		"tags":      tags,
	}
}
