// Package sms is a client for the outbound message channel provider.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/resilience"
)

const defaultBaseURL = "https://api.sms.example.com/v1"

// Client defines the send operation.
type Client interface {
	Send(ctx context.Context, req SendRequest) (*SendResponse, error)
}

// SendRequest is the body for POST /messages.
type SendRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// SendResponse reports whether the provider accepted the message. A 2xx
// response may still carry Success=false with a provider error string.
type SendResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// APIError is returned when the provider responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sms: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates an SMS channel client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	if req.From == "" || req.To == "" {
		return nil, eris.New("sms: from and to are required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "sms: marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "sms: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "sms: send to %s", req.To)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "sms: read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.WrapStatus(&APIError{StatusCode: resp.StatusCode, Body: string(data)}, resp.StatusCode)
	}

	var out SendResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "sms: decode response")
	}
	return &out, nil
}
