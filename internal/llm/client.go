package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/circuitbreaker"
	ometrics "github.com/borderdesk/borderdesk/internal/metrics"
	"github.com/borderdesk/borderdesk/internal/tracing"
)

// Endpoint is one OpenAI-compatible chat completion backend
type Endpoint struct {
	BaseURL     string
	AccessToken string
	ModelName   string
}

// Config holds the endpoint registry and request policy
type Config struct {
	Endpoints  map[string]Endpoint // keyed by model id
	DefaultID  string
	Timeout    time.Duration
	MaxTokens  int
	MaxRetries int
}

// Message is a chat message in OpenAI wire format
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Delta is one streamed increment. Exactly one of Content or Reasoning is
// usually set; reasoning models emit Reasoning before Content.
type Delta struct {
	Content   string
	Reasoning string
}

// Options tune a single request
type Options struct {
	Temperature *float64
	MaxTokens   int
}

// Client talks to the configured chat completion endpoints
type Client struct {
	cfg    Config
	http   *http.Client
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

var globalClient *Client

func Initialize(cfg Config, logger *zap.Logger) *Client {
	c := cfg
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	httpClient := &http.Client{Timeout: c.Timeout}
	httpw := circuitbreaker.NewHTTPWrapper(httpClient, "llm", "chat", logger)
	cl := &Client{cfg: c, http: httpClient, httpw: httpw, logger: logger}
	globalClient = cl
	return cl
}

func Get() *Client { return globalClient }

// Resolve maps a model id to its endpoint, falling back to the default
func (c *Client) Resolve(modelID string) (string, Endpoint, error) {
	id := modelID
	if id == "" {
		id = c.cfg.DefaultID
	}
	ep, ok := c.cfg.Endpoints[id]
	if !ok {
		ep, ok = c.cfg.Endpoints[c.cfg.DefaultID]
		if !ok {
			return "", Endpoint{}, fmt.Errorf("llm: no endpoint for model %q and no default", modelID)
		}
		id = c.cfg.DefaultID
	}
	return id, ep, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Delta struct {
		Content          string `json:"content"`
		ReasoningContent string `json:"reasoning_content"`
	} `json:"delta"`
	Message struct {
		Content          string `json:"content"`
		ReasoningContent string `json:"reasoning_content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

func (c *Client) newRequest(ctx context.Context, ep Endpoint, body []byte) (*http.Request, error) {
	url := strings.TrimSuffix(ep.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+ep.AccessToken)
	}
	tracing.InjectTraceparent(ctx, req)
	return req, nil
}

// Complete runs a non-streaming chat completion and returns the full content.
// Transient failures are retried up to MaxRetries with linear backoff.
func (c *Client) Complete(ctx context.Context, modelID string, messages []Message, opts Options) (string, error) {
	if c == nil {
		return "", fmt.Errorf("llm client not initialized")
	}
	id, ep, err := c.Resolve(modelID)
	if err != nil {
		return "", err
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	body, _ := json.Marshal(chatRequest{
		Model:       ep.ModelName,
		Messages:    messages,
		Stream:      false,
		Temperature: opts.Temperature,
		MaxTokens:   maxTokens,
	})

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		start := time.Now()
		req, err := c.newRequest(ctx, ep, body)
		if err != nil {
			return "", err
		}
		resp, err := c.httpw.Do(req)
		if err != nil {
			ometrics.RecordLLMMetrics(id, "error", time.Since(start).Seconds())
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			ometrics.RecordLLMMetrics(id, "error", time.Since(start).Seconds())
			lastErr = fmt.Errorf("llm status %d: %s", resp.StatusCode, truncate(string(b), 200))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return "", lastErr
			}
			continue
		}
		var cr chatResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&cr)
		resp.Body.Close()
		if decodeErr != nil {
			lastErr = decodeErr
			continue
		}
		if len(cr.Choices) == 0 {
			lastErr = fmt.Errorf("llm: empty choices")
			continue
		}
		ometrics.RecordLLMMetrics(id, "ok", time.Since(start).Seconds())
		return cr.Choices[0].Message.Content, nil
	}
	return "", fmt.Errorf("llm complete failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

// Stream runs a streaming chat completion, invoking emit for every delta.
// Returns the accumulated content once the stream ends.
func (c *Client) Stream(ctx context.Context, modelID string, messages []Message, opts Options, emit func(Delta) error) (string, error) {
	if c == nil {
		return "", fmt.Errorf("llm client not initialized")
	}
	id, ep, err := c.Resolve(modelID)
	if err != nil {
		return "", err
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	body, _ := json.Marshal(chatRequest{
		Model:       ep.ModelName,
		Messages:    messages,
		Stream:      true,
		Temperature: opts.Temperature,
		MaxTokens:   maxTokens,
	})

	start := time.Now()
	req, err := c.newRequest(ctx, ep, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpw.Do(req)
	if err != nil {
		ometrics.RecordLLMMetrics(id, "error", time.Since(start).Seconds())
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		ometrics.RecordLLMMetrics(id, "error", time.Since(start).Seconds())
		return "", fmt.Errorf("llm status %d: %s", resp.StatusCode, truncate(string(b), 200))
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream chunk", zap.String("data", truncate(data, 120)))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		d := Delta{
			Content:   chunk.Choices[0].Delta.Content,
			Reasoning: chunk.Choices[0].Delta.ReasoningContent,
		}
		if d.Content == "" && d.Reasoning == "" {
			continue
		}
		full.WriteString(d.Content)
		if err := emit(d); err != nil {
			ometrics.RecordLLMMetrics(id, "aborted", time.Since(start).Seconds())
			return full.String(), err
		}
	}
	if err := scanner.Err(); err != nil {
		ometrics.RecordLLMMetrics(id, "error", time.Since(start).Seconds())
		return full.String(), fmt.Errorf("llm stream read: %w", err)
	}
	ometrics.RecordLLMMetrics(id, "ok", time.Since(start).Seconds())
	return full.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Temperature helpers for the two generation profiles: deterministic extraction
// and conversational answering.
func TempDeterministic() *float64 { t := 0.0; return &t }
func TempConversational() *float64 { t := 0.5; return &t }
