package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/defirisk/internal/analyzer"
	"github.com/mbd888/defirisk/internal/risk"
)

// Config holds the configuration for reaching the risk API.
type Config struct {
	APIURL  string        // Base URL, e.g. "http://localhost:8080"
	Timeout time.Duration // per request; 0 means 60s
}

// Client is a thin HTTP client for the risk API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		// Cold comparisons fan out to several upstream calls.
		cfg.Timeout = 60 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// do sends a request and decodes a successful JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.cfg.APIURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Analyze fetches a fresh assessment for one protocol.
func (c *Client) Analyze(ctx context.Context, name string) (*risk.Assessment, error) {
	var out risk.Assessment
	if err := c.do(ctx, http.MethodGet, "/v1/protocols/"+url.PathEscape(name)+"/risk", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Compare ranks several protocols by risk.
func (c *Client) Compare(ctx context.Context, names []string) (*risk.Comparison, error) {
	var out risk.Comparison
	body := map[string][]string{"protocols": names}
	if err := c.do(ctx, http.MethodPost, "/v1/compare", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Incidents returns a protocol's correlated incidents, optionally filtered
// by minimum severity.
func (c *Client) Incidents(ctx context.Context, name, minSeverity string) (*analyzer.IncidentReport, error) {
	q := url.Values{}
	if minSeverity != "" {
		q.Set("min_severity", minSeverity)
	}
	var out analyzer.IncidentReport
	if err := c.do(ctx, http.MethodGet, "/v1/protocols/"+url.PathEscape(name)+"/incidents", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists recorded assessments for a slug, most recent first.
func (c *Client) History(ctx context.Context, slug string, limit int) ([]*risk.Assessment, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Assessments []*risk.Assessment `json:"assessments"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/protocols/"+url.PathEscape(slug)+"/history", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Assessments, nil
}
