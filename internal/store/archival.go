package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"memoryorch/internal/memevent"
)

// ArchivalClient writes events to, and queries, the archival
// conversational store. The real backend is an external collaborator
// (spec.md §1 Non-goals); this is the client side the fanout archival
// sink and the retrieval engine's archival source talk to, over HTTP.
type ArchivalClient interface {
	PutBatch(ctx context.Context, events []memevent.Event) error
	Search(ctx context.Context, project, query string, limit int) ([]ArchivalHit, error)
}

// ArchivalHit is one passage returned by the archival store's top-k
// search, scored by text match against its parsed header+summary.
type ArchivalHit struct {
	EventID string `json:"event_id"`
	Project string `json:"project"`
	File    string `json:"file"`
	Summary string `json:"summary"`
	Score   float64 `json:"score"`
}

// HTTPArchivalClient posts events one-by-one to an external archival
// service, bounded to a fixed fan-out concurrency via errgroup.SetLimit so
// a large batch can't open unbounded connections. Grounded on the
// teacher's intelligence_gatherer.go errgroup.WithContext parallel-fetch
// idiom.
type HTTPArchivalClient struct {
	endpoint   string
	client     *http.Client
	fanoutSize int
}

// NewHTTPArchivalClient builds a client posting to endpoint, fanning out
// up to fanoutSize concurrent requests per PutBatch call.
func NewHTTPArchivalClient(endpoint string, fanoutSize int) *HTTPArchivalClient {
	if fanoutSize <= 0 {
		fanoutSize = 4
	}
	return &HTTPArchivalClient{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: 10 * time.Second},
		fanoutSize: fanoutSize,
	}
}

// PutBatch posts each event to the archival endpoint concurrently, bounded
// by fanoutSize, stopping at the first failure encountered.
func (c *HTTPArchivalClient) PutBatch(ctx context.Context, events []memevent.Event) error {
	if len(events) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanoutSize)

	for _, ev := range events {
		ev := ev
		g.Go(func() error {
			return c.putOne(gctx, ev)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("store: archival batch: %w", err)
	}
	return nil
}

func (c *HTTPArchivalClient) putOne(ctx context.Context, ev memevent.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: marshal archival event %s: %w", ev.EventID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("store: build archival request %s: %w", ev.EventID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("store: archival request %s: %w", ev.EventID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("store: archival endpoint returned %d for event %s", resp.StatusCode, ev.EventID)
	}
	return nil
}

// Search performs the archival store's top-k passage search, tag-filtered
// by project, against c.endpoint's sibling /search path.
func (c *HTTPArchivalClient) Search(ctx context.Context, project, query string, limit int) ([]ArchivalHit, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("store: parse archival endpoint: %w", err)
	}
	u.Path = archivalSearchPath(u.Path)
	q := u.Query()
	q.Set("project", project)
	q.Set("query", query)
	q.Set("limit", fmt.Sprintf("%d", limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("store: build archival search request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store: archival search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("store: archival search endpoint returned %d", resp.StatusCode)
	}

	var hits []ArchivalHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return nil, fmt.Errorf("store: decode archival search response: %w", err)
	}
	return hits, nil
}

func archivalSearchPath(putPath string) string {
	if putPath == "" || putPath == "/" {
		return "/search"
	}
	return putPath + "/search"
}
