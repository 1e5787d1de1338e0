// Package extractor provides a client for a remote document extraction
// service that exposes one endpoint per extraction stream plus a
// classification endpoint.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the extraction service operations.
type Client interface {
	// Extract runs one named stream over a document.
	Extract(ctx context.Context, stream string, doc Document) (*ExtractResponse, error)
	// Classify labels a document with its type.
	Classify(ctx context.Context, doc Document) (*ClassifyResponse, error)
}

// Document is the request payload describing the document to process.
type Document struct {
	ID       string            `json:"id"`
	URI      string            `json:"uri"`
	MimeType string            `json:"mime_type,omitempty"`
	Pages    []int             `json:"pages,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ExtractResponse is the parsed extraction response. Fields holds a nested
// JSON object; a leaf may be a plain value or an object carrying its own
// "value" and "confidence".
type ExtractResponse struct {
	Fields     map[string]any `json:"fields"`
	Confidence float64        `json:"confidence"`
	Model      string         `json:"model,omitempty"`
	Usage      Usage          `json:"usage"`
}

// Usage reports what the call consumed.
type Usage struct {
	Pages  int `json:"pages"`
	Tokens int `json:"tokens"`
}

// ClassifyResponse is the parsed classification response.
type ClassifyResponse struct {
	DocumentType string  `json:"document_type"`
	Confidence   float64 `json:"confidence"`
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("extractor: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the extractor client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
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

// NewClient creates a new extraction service client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "http://localhost:8081",
		http: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// post sends body as JSON and decodes a 2xx response into out. Retries are
// left to the caller, which owns the backoff policy.
func (c *httpClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "extractor: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "extractor: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "extractor: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "extractor: read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "extractor: unmarshal response")
	}
	return nil
}

func (c *httpClient) Extract(ctx context.Context, stream string, doc Document) (*ExtractResponse, error) {
	if stream == "" {
		return nil, eris.New("extractor: empty stream name")
	}
	var result ExtractResponse
	if err := c.post(ctx, "/v1/streams/"+url.PathEscape(stream)+"/extract", doc, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpClient) Classify(ctx context.Context, doc Document) (*ClassifyResponse, error) {
	var result ClassifyResponse
	if err := c.post(ctx, "/v1/classify", doc, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
