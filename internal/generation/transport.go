package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/legisdraft/internal/api/openai"
)

// maxErrorBody bounds how much of a failed response is read for diagnostics.
const maxErrorBody = 64 * 1024

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets the key sent as a bearer token and apikey header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// Client is the Transport Invoker: one POST to the generation endpoint per
// call, no retries.
type Client struct {
	endpoint   string
	apiKey     string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a client for the generation endpoint URL.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		userAgent:  "legisdraft/1.0",
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Body is an open response from the generation endpoint. The caller must
// close it.
type Body struct {
	StatusCode int
	io.ReadCloser
}

// Open sends req and returns the response body once headers arrive.
// Connection failures and non-2xx statuses return *TransportError; a
// response without a body returns *EmptyBodyError.
func (c *Client) Open(ctx context.Context, req Request) (*Body, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, req.Stream)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: errorFromBody(resp.StatusCode, respBody)}
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, &EmptyBodyError{StatusCode: resp.StatusCode}
	}

	return &Body{StatusCode: resp.StatusCode, ReadCloser: resp.Body}, nil
}

type completeResponse struct {
	GeneratedText *string `json:"generatedText"`
}

// Complete sends req in non-streaming mode and returns the generatedText
// field of the response.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	body, err := c.Open(ctx, req.NonStreaming())
	if err != nil {
		return "", err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) == 0 {
		return "", &EmptyBodyError{StatusCode: body.StatusCode}
	}

	var out completeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if out.GeneratedText == nil {
		return "", fmt.Errorf("response has no generatedText field")
	}
	if *out.GeneratedText == "" {
		return "", ErrNoText
	}
	return *out.GeneratedText, nil
}

func (c *Client) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("apikey", c.apiKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
}

// errorFromBody prefers the endpoint's structured error when there is one.
func errorFromBody(status int, body []byte) error {
	if apiErr, err := openai.ParseErrorResponse(body); err == nil && apiErr != nil {
		return apiErr.ToCanonical(status)
	}
	if len(body) == 0 {
		return fmt.Errorf("%s", http.StatusText(status))
	}
	return fmt.Errorf("%s", bytes.TrimSpace(body))
}
