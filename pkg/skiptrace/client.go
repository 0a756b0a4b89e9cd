// Package skiptrace is a client for the batch skip-trace provider: submit a
// batch of rows, poll until the job completes, then fetch its result rows.
package skiptrace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/resilience"
)

const defaultBaseURL = "https://api.skiptrace.example.com/v1"

// Depth selects how thorough a trace is.
type Depth string

const (
	DepthBasic    Depth = "basic"
	DepthEnhanced Depth = "enhanced"
)

// ParseDepth validates a depth name.
func ParseDepth(s string) (Depth, error) {
	switch d := Depth(strings.ToLower(strings.TrimSpace(s))); d {
	case DepthBasic, DepthEnhanced:
		return d, nil
	case "":
		return DepthBasic, nil
	default:
		return "", eris.Errorf("skiptrace: unknown depth %q", s)
	}
}

// Client defines the skip-trace API operations.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
	Status(ctx context.Context, jobID string) (*StatusResponse, error)
	Results(ctx context.Context, jobID, downloadURL string) ([]ResultRow, error)
}

// SubmitRequest is the body for POST /jobs. ColumnMapping maps provider
// field names onto the keys used in Rows.
type SubmitRequest struct {
	ColumnMapping map[string]string   `json:"column_mapping"`
	Rows          []map[string]string `json:"rows"`
	Depth         Depth               `json:"depth"`
}

// SubmitResponse is the response from POST /jobs.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// StatusResponse is the response from GET /jobs/{id}.
type StatusResponse struct {
	Pending     bool   `json:"pending"`
	DownloadURL string `json:"download_url,omitempty"`
}

type resultsResponse struct {
	Rows []ResultRow `json:"rows"`
}

// APIError is returned when the provider responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("skiptrace: HTTP %d: %s", e.StatusCode, e.Body)
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

// NewClient creates a skip-trace client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if req.Depth == "" {
		req.Depth = DepthBasic
	}
	var resp SubmitResponse
	if err := c.post(ctx, "/jobs", req, &resp); err != nil {
		return nil, eris.Wrap(err, "skiptrace: submit")
	}
	if resp.JobID == "" {
		return nil, eris.New("skiptrace: submit returned no job id")
	}
	return &resp, nil
}

func (c *httpClient) Status(ctx context.Context, jobID string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.get(ctx, c.baseURL+"/jobs/"+url.PathEscape(jobID), &resp); err != nil {
		return nil, eris.Wrapf(err, "skiptrace: status %s", jobID)
	}
	return &resp, nil
}

// Results fetches the job's rows, from downloadURL when the status call
// supplied one.
func (c *httpClient) Results(ctx context.Context, jobID, downloadURL string) ([]ResultRow, error) {
	target := downloadURL
	if target == "" {
		target = c.baseURL + "/jobs/" + url.PathEscape(jobID) + "/results"
	}
	var resp resultsResponse
	if err := c.get(ctx, target, &resp); err != nil {
		return nil, eris.Wrapf(err, "skiptrace: results %s", jobID)
	}
	return resp.Rows, nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) get(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resilience.WrapStatus(&APIError{StatusCode: resp.StatusCode, Body: string(data)}, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
