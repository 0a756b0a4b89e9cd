// Package contactscore is a client for the contact-scoring provider, which
// grades a single phone number for activity, line type and reachability.
package contactscore

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
	"golang.org/x/time/rate"

	"github.com/sells-group/outreach-cli/internal/resilience"
)

const defaultBaseURL = "https://api.contactscore.example.com/v1"

// Client defines the contact-scoring API operations.
type Client interface {
	Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error)
}

// ScoreRequest is the body for POST /score. Identity fields are optional and
// only feed the provider's name-match check.
type ScoreRequest struct {
	Phone     string `json:"phone"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Company   string `json:"company,omitempty"`
	Street    string `json:"street,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Zip       string `json:"zip,omitempty"`
}

// ScoreResponse is the provider's result for one phone. IsValid and
// IsReachable are nil when the provider omits them.
type ScoreResponse struct {
	ActivityScore int    `json:"activity_score"`
	ContactGrade  string `json:"contact_grade"`
	LineType      string `json:"line_type"`
	NameMatch     bool   `json:"name_match"`
	IsValid       *bool  `json:"is_valid,omitempty"`
	IsReachable   *bool  `json:"is_reachable,omitempty"`
}

// APIError is returned when the provider responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("contactscore: HTTP %d: %s", e.StatusCode, e.Body)
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

// WithRateLimit overrides the default limit of 5 req/s. Zero or negative
// disables throttling.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a contact-scoring client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error) {
	if strings.TrimSpace(req.Phone) == "" {
		return nil, eris.New("contactscore: phone is required")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "contactscore: rate limit")
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "contactscore: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "contactscore: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "contactscore: score %s", req.Phone)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "contactscore: read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.WrapStatus(&APIError{StatusCode: resp.StatusCode, Body: string(data)}, resp.StatusCode)
	}

	var out ScoreResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "contactscore: decode response")
	}
	return &out, nil
}
