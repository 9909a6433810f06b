package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"persona-chat/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 90 * time.Second

	pathChat       = "/chat/completions"
	pathModeration = "/moderations"

	maxErrorBody    = 4 << 10
	maxResponseBody = 1 << 20
)

// ErrTimeout is returned when a completion does not finish within its timeout.
var ErrTimeout = errors.New("openai: completion timed out")

type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	Temperature    *float64             `json:"temperature,omitempty"`
	MaxTokens      int                  `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string     `json:"type"`
	JSONSchema schemaSpec `json:"json_schema"`
}

type schemaSpec struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message      domain.ChatMessage `json:"message"`
		FinishReason string             `json:"finish_reason"`
	} `json:"choices"`
}

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
}

// The token parameter holds {"token": "..."}.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError is a non-2xx answer from the API.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to an OpenAI-compatible API. It serves persona completions,
// the pending action classifier and input moderation.
type Client struct {
	baseURL    string
	httpClient *http.Client
	getter     Getter
	tokenParam string
	model      string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithDefaultModel sets the model used when a call does not name one.
func WithDefaultModel(model string) Option {
	return func(c *Client) {
		c.model = strings.TrimSpace(model)
	}
}

// NewClient reads the API token from <paramPrefix>/open-ai-token on first use
// and keeps it for the life of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		getter:     ps,
		tokenParam: paramPrefix + "/open-ai-token",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete returns the content of the first choice. A call that outlives
// opts.Timeout fails with ErrTimeout; a non-2xx answer fails with
// *HTTPStatusError.
func (c *Client) Complete(ctx context.Context, messages []domain.ChatMessage, opts domain.CompletionOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	if len(messages) == 0 {
		return "", errors.New("openai: messages must not be empty")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	temp := opts.Temperature
	in := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: &temp,
		MaxTokens:   opts.MaxOutputLength,
	}
	if s := opts.Schema; s != nil {
		in.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: schemaSpec{Name: s.Name, Strict: true, Schema: s.Schema},
		}
	}

	var out chatResponse
	if err := c.post(ctx, pathChat, in, &out); err != nil {
		if isTimeout(ctx, err) {
			return "", fmt.Errorf("openai: complete: %w", errors.Join(ErrTimeout, err))
		}
		return "", fmt.Errorf("openai: complete: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("openai: complete: no choices in response")
	}
	return out.Choices[0].Message.Content, nil
}

// Moderate reports whether the moderation endpoint flags input.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	var out moderationResponse
	if err := c.post(ctx, pathModeration, moderationRequest{Input: input}, &out); err != nil {
		return false, fmt.Errorf("openai: moderate: %w", err)
	}
	if len(out.Results) == 0 {
		return false, errors.New("openai: moderate: no results in response")
	}
	return out.Results[0].Flagged, nil
}

// post sends in as JSON to path and decodes the answer into out.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	apiKey, err := c.token(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := endpoint(c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	hc := c.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	res, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = loadToken(ctx, c.getter, c.tokenParam)
	})
	return c.apiKey, c.keyErr
}

func loadToken(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: read token: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal token parameter: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("openai: API token is empty")
	}
	return tp.Token, nil
}

// endpoint joins base and path, adding /v1 when base lacks it.
func endpoint(base, path string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

// isTimeout separates a deadline from a caller cancellation.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
