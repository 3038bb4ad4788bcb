package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/circuitbreaker"
	ometrics "github.com/borderdesk/borderdesk/internal/metrics"
	"github.com/borderdesk/borderdesk/internal/tracing"
)

// Client is a minimal Qdrant HTTP client
type Client struct {
	cfg   Config
	http  *http.Client
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

var global *Client

func Initialize(cfg Config, logger *zap.Logger) *Client {
	c := cfg
	if c.Port == 0 {
		c.Port = 6333
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	httpClient := &http.Client{Timeout: c.Timeout}
	httpw := circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", "vectordb", logger)
	client := &Client{cfg: c, http: httpClient, base: fmt.Sprintf("http://%s:%d", c.Host, c.Port), httpw: httpw, log: logger}
	global = client
	return client
}

func Get() *Client { return global }

// qdrant search request/response (simplified)
type qdrantQueryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
	Status string        `json:"status"`
}

// qdrantQueryResponse for the /points/query endpoint which has nested structure
type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

func (c *Client) post(ctx context.Context, method, url string, body interface{}) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	return c.httpw.Do(req)
}

// postRetry retries transient failures (transport errors and 5xx) with linear
// backoff. Only used for idempotent operations: searches, scrolls, filtered
// deletes, and fixed-id upserts.
func (c *Client) postRetry(ctx context.Context, method, url string, body interface{}) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
			}
		}
		resp, err := c.post(ctx, method, url, body)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("qdrant status %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("qdrant request failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

// Search runs a dense similarity search against a collection. Prefers the
// modern /points/query endpoint and falls back to /points/search for older
// Qdrant versions.
func (c *Client) Search(ctx context.Context, collection string, vec []float32, limit int, threshold float64, filter Filter) ([]Point, error) {
	if c == nil {
		return nil, fmt.Errorf("vectordb: client not initialized")
	}
	if err := validateVector(vec, c.cfg.ExpectedEmbeddingDim); err != nil {
		return nil, err
	}
	start := time.Now()

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", fmt.Sprintf("%s/collections/%s/points/query", c.base, collection))
	defer span.End()

	var thr *float64
	if threshold > 0 {
		thr = &threshold
	}
	reqBody := qdrantQueryRequest{Query: vec, Limit: limit, ScoreThreshold: thr, WithPayload: true, Filter: filter}

	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, collection)
	resp, err := c.postRetry(ctx, http.MethodPost, urlQuery, reqBody)
	if err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// fallback to /points/search
		urlSearch := fmt.Sprintf("%s/collections/%s/points/search", c.base, collection)
		legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true}
		if threshold > 0 {
			legacy["score_threshold"] = threshold
		}
		if filter != nil {
			legacy["filter"] = filter
		}
		resp2, err2 := c.postRetry(ctx, http.MethodPost, urlSearch, legacy)
		if err2 != nil {
			ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("qdrant query/search failed: %w", err2)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("qdrant status %d", resp2.StatusCode)
		}
		var qr qdrantSearchResponse
		if err := json.NewDecoder(resp2.Body).Decode(&qr); err != nil {
			ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, err
		}
		ometrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
		return convertPoints(qr.Result), nil
	}
	var qr qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	ometrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
	return convertPoints(qr.Result.Points), nil
}

func convertPoints(pts []qdrantPoint) []Point {
	out := make([]Point, 0, len(pts))
	for _, p := range pts {
		payload := p.Payload
		if payload == nil {
			payload = make(map[string]interface{})
		}
		out = append(out, Point{
			ID:      fmt.Sprintf("%v", p.ID),
			Score:   p.Score,
			Payload: payload,
		})
	}
	return out
}

// Upsert inserts or updates one or more points into a collection
func (c *Client) Upsert(ctx context.Context, collection string, points []UpsertItem) (*UpsertResponse, error) {
	if c == nil {
		return nil, fmt.Errorf("vectordb: client not initialized")
	}
	for _, p := range points {
		if err := validateVector(p.Vector, c.cfg.ExpectedEmbeddingDim); err != nil {
			return nil, err
		}
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "PUT", url)
	defer span.End()

	resp, err := c.postRetry(ctx, http.MethodPut, url, map[string]interface{}{"points": points})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	var r UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

type qdrantScrollResponse struct {
	Result struct {
		Points         []qdrantPoint `json:"points"`
		NextPageOffset interface{}   `json:"next_page_offset"`
	} `json:"result"`
	Status string `json:"status"`
}

const scrollPageSize = 100

// Scroll pages through points matching a filter, without vectors. limit caps
// the total returned; 0 means exhaustive. Used for conversation history reads
// and expiry sweeps, where ordering is applied by the caller.
func (c *Client) Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error) {
	if c == nil {
		return nil, fmt.Errorf("vectordb: client not initialized")
	}
	url := fmt.Sprintf("%s/collections/%s/points/scroll", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	var all []Point
	var offset interface{}
	for {
		page := scrollPageSize
		if limit > 0 && limit-len(all) < page {
			page = limit - len(all)
		}
		body := map[string]interface{}{
			"limit":        page,
			"with_payload": true,
		}
		if filter != nil {
			body["filter"] = filter
		}
		if offset != nil {
			body["offset"] = offset
		}
		resp, err := c.postRetry(ctx, http.MethodPost, url, body)
		if err != nil {
			return nil, err
		}
		var sr qdrantScrollResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&sr)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, decodeErr
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("qdrant scroll status %d", resp.StatusCode)
		}
		all = append(all, convertPoints(sr.Result.Points)...)
		if limit > 0 && len(all) >= limit {
			return all[:limit], nil
		}
		if sr.Result.NextPageOffset == nil {
			return all, nil
		}
		offset = sr.Result.NextPageOffset
	}
}

// DeleteByFilter removes all points matching a payload filter.
func (c *Client) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	if c == nil {
		return fmt.Errorf("vectordb: client not initialized")
	}
	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", c.base, collection)
	resp, err := c.postRetry(ctx, http.MethodPost, url, map[string]interface{}{"filter": filter})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant delete status %d", resp.StatusCode)
	}
	return nil
}

// CollectionExists reports whether a collection is present.
func (c *Client) CollectionExists(ctx context.Context, collection string) (bool, error) {
	if c == nil {
		return false, fmt.Errorf("vectordb: client not initialized")
	}
	url := fmt.Sprintf("%s/collections/%s", c.base, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("qdrant collection check status %d", resp.StatusCode)
	}
}

// CreateCollection creates a cosine-distance collection with the given vector size.
func (c *Client) CreateCollection(ctx context.Context, collection string, dim int) error {
	if c == nil {
		return fmt.Errorf("vectordb: client not initialized")
	}
	url := fmt.Sprintf("%s/collections/%s", c.base, collection)
	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     dim,
			"distance": "Cosine",
		},
	}
	resp, err := c.post(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant create collection status %d", resp.StatusCode)
	}
	return nil
}

// DropCollection deletes a collection. Missing collections are not an error.
func (c *Client) DropCollection(ctx context.Context, collection string) error {
	if c == nil {
		return fmt.Errorf("vectordb: client not initialized")
	}
	url := fmt.Sprintf("%s/collections/%s", c.base, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant drop collection status %d", resp.StatusCode)
	}
	return nil
}
