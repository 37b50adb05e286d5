package remote

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

	"offlinequeue/internal/models"
)

const maxErrorBody = 512

// HTTPClient talks to a PostgREST-compatible endpoint: one path per collection,
// filters encoded as query parameters (field=eq.v, field=in.(a,b)).
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient constructs a client for baseURL authenticated with apiKey.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Create(ctx context.Context, target string, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPost, target, payload, nil)
}

func (c *HTTPClient) Update(ctx context.Context, target string, payload json.RawMessage, filters models.Filters) error {
	return c.do(ctx, http.MethodPatch, target, payload, filters)
}

func (c *HTTPClient) Delete(ctx context.Context, target string, filters models.Filters) error {
	return c.do(ctx, http.MethodDelete, target, nil, filters)
}

func (c *HTTPClient) do(ctx context.Context, method, target string, payload json.RawMessage, filters models.Filters) error {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(target))
	if query := EncodeFilters(filters); query != "" {
		endpoint += "?" + query
	}

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%w: %w: build request: %v", ErrRemoteApply, ErrPermanent, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Prefer", "return=minimal")
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrRemoteApply, method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method: method,
			Target: target,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *HTTPClient) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// StatusError is a non-2xx response from the remote endpoint.
type StatusError struct {
	Method string
	Target string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: http %d", e.Method, e.Target, e.Code)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Target, e.Code, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed.
// Client errors are permanent except request timeout and rate limiting.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

func (e *StatusError) Unwrap() []error {
	if e.Permanent() {
		return []error{ErrRemoteApply, ErrPermanent}
	}
	return []error{ErrRemoteApply}
}

// EncodeFilters renders filters as PostgREST query parameters in field order.
func EncodeFilters(filters models.Filters) string {
	if len(filters) == 0 {
		return ""
	}

	parts := make([]string, 0, len(filters))
	for _, field := range filters.Fields() {
		f := filters[field]
		var expr string
		if f.IsIn() {
			values := make([]string, 0, len(f.In))
			for _, v := range f.In {
				values = append(values, quoteListValue(formatValue(v)))
			}
			expr = "in.(" + strings.Join(values, ",") + ")"
		} else {
			expr = "eq." + formatValue(f.Eq)
		}
		parts = append(parts, url.QueryEscape(field)+"="+url.QueryEscape(expr))
	}
	return strings.Join(parts, "&")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// quoteListValue wraps values containing list delimiters in double quotes.
func quoteListValue(s string) string {
	if !strings.ContainsAny(s, `,()"`) {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
