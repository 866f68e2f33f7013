// Package planner asks an OpenAI-compatible chat model for the next browser
// steps toward a goal.
//
// Requests are rate limited, admitted through the shared scheduler and,
// when a cache is configured, coalesced and memoized under the
// "planner.plan" namespace: identical goals on identical snapshots share
// one upstream call.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"golang.org/x/time/rate"

	"github.com/entrhq/pilot/pkg/cache"
	"github.com/entrhq/pilot/pkg/logging"
)

const (
	// DefaultBaseURL is the default OpenAI API base URL
	DefaultBaseURL = "https://api.openai.com/v1"

	DefaultModel           = "gpt-4o"
	DefaultMaxPromptTokens = 6000
	DefaultCacheTTL        = 5 * time.Minute

	// Namespace is the cache namespace of plan requests.
	Namespace = "planner.plan"
)

const systemPrompt = `You plan browser automation steps.
Reply with JSON only: {"steps": [{"action": "...", "selector": "...", "value": "...", "reason": "..."}]}.
Allowed actions: navigate, click, fill, wait, extract, done.
Use CSS selectors that exist in the page snapshot. Keep plans short.`

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("planner")
	if err != nil {
		debugLog.Warnf("Failed to initialize planner logger, using stderr fallback: %v", err)
	}
}

// Client requests plans from a chat completions endpoint.
type Client struct {
	httpClient      *http.Client
	apiKey          string
	baseURL         string
	model           string
	maxPromptTokens int
	limiter         *rate.Limiter
	runner          cache.Runner
	cache           *cache.Cache
	cacheTTL        time.Duration
	tokenizer       *Tokenizer
	logger          *logging.Logger

	plan cache.Producer[Request, Plan]
}

// Option configures a Client.
type Option func(*Client)

// WithModel sets the model to use for completions.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL sets a custom base URL for OpenAI-compatible APIs.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMaxPromptTokens bounds the snapshot part of the prompt.
func WithMaxPromptTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxPromptTokens = n
		}
	}
}

// WithRateLimit allows rps requests per second with the given burst.
// A non-positive rps removes the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRunner admits upstream calls through r. Ignored when WithCache is
// also given; the cache's own runner applies then.
func WithRunner(r cache.Runner) Option {
	return func(c *Client) {
		c.runner = r
	}
}

// WithCache memoizes plans in cc for ttl.
func WithCache(cc *cache.Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cc
		c.cacheTTL = ttl
	}
}

// WithTokenizer sets the tokenizer used for prompt budgeting.
func WithTokenizer(t *Tokenizer) Option {
	return func(c *Client) {
		if t != nil {
			c.tokenizer = t
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a planner client.
//
// If apiKey is empty, OPENAI_API_KEY is used. If no base URL is given,
// OPENAI_BASE_URL is used when set.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (provide via parameter or OPENAI_API_KEY environment variable)")
	}

	c := &Client{
		httpClient:      &http.Client{Timeout: 2 * time.Minute},
		apiKey:          apiKey,
		baseURL:         DefaultBaseURL,
		model:           DefaultModel,
		maxPromptTokens: DefaultMaxPromptTokens,
		cacheTTL:        DefaultCacheTTL,
		logger:          debugLog,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.baseURL == DefaultBaseURL {
		if envBaseURL := os.Getenv("OPENAI_BASE_URL"); envBaseURL != "" {
			c.baseURL = strings.TrimRight(envBaseURL, "/")
		}
	}

	if c.tokenizer == nil {
		tok, err := NewTokenizer()
		if err != nil {
			c.logger.Warnf("Tokenizer unavailable, estimating prompt size: %v", err)
		}
		c.tokenizer = tok
	}

	switch {
	case c.cache != nil:
		c.plan = cache.Wrap(c.cache, Namespace, c.cacheTTL, c.requestPlan)
	case c.runner != nil:
		c.plan = func(ctx context.Context, req Request) (Plan, error) {
			v, err := c.runner.Submit(ctx, func(ctx context.Context) (any, error) {
				return c.requestPlan(ctx, req)
			})
			if err != nil {
				return Plan{}, err
			}
			p, _ := v.(Plan)
			return p, nil
		}
	default:
		c.plan = c.requestPlan
	}

	return c, nil
}

// Model returns the model name being used.
func (c *Client) Model() string {
	return c.model
}

// BaseURL returns the base URL being used.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Plan returns the steps the model proposes for req. The snapshot is
// trimmed to the prompt budget first, so requests that only differ past
// the budget share a cache entry.
func (c *Client) Plan(ctx context.Context, req Request) (*Plan, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, fmt.Errorf("planner: goal is required")
	}

	snapshot, cut := c.tokenizer.Truncate(req.Snapshot, c.maxPromptTokens)
	if cut {
		c.logger.Debugf("Trimmed snapshot of %s to %d tokens", req.URL, c.maxPromptTokens)
		req.Snapshot = snapshot
	}

	p, err := c.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// requestPlan performs one upstream call.
func (c *Client) requestPlan(ctx context.Context, req Request) (Plan, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Plan{}, fmt.Errorf("planner: rate limit: %w", err)
		}
	}

	started := time.Now()
	reply, err := c.complete(ctx, buildMessages(req))
	if err != nil {
		return Plan{}, err
	}
	c.logger.Infof("Plan for %s received in %s", req.URL, time.Since(started).Round(time.Millisecond))

	message, thinking := splitThinking(reply)
	steps, err := parseSteps(message)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Steps: steps, Reasoning: thinking, Model: c.model}, nil
}

func buildMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	var user strings.Builder
	fmt.Fprintf(&user, "Goal: %s\n", req.Goal)
	fmt.Fprintf(&user, "URL: %s\n", req.URL)
	if req.Fingerprint != "" {
		fmt.Fprintf(&user, "App fingerprint: %s\n", req.Fingerprint)
	}
	user.WriteString("\nPage snapshot:\n")
	user.WriteString(req.Snapshot)

	return []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(user.String()),
	}
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// complete sends a non-streaming chat completion and returns the reply text.
func (c *Client) complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	reqBody := map[string]interface{}{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("API response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
