// Package httpapi holds the request plumbing shared by the HTTP-based
// collaborator adapters.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lokvaani/internal/collab"
)

const (
	DefaultTimeout = 10 * time.Second
	errorBodyLimit = 4096
)

// TokenSource resolves an API token by parameter name.
// *paramstore.TokenSet implements it.
type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses. URL has no query
// string and Error leaves Body out, since either may echo user text.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Client performs authenticated requests against one base URL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
	TokenName  string
	// BodyLimit caps successful response bodies.
	BodyLimit int64
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: DefaultTimeout}
}

// URL joins path onto the base URL.
func (c *Client) URL(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// PostJSON marshals body, posts it and returns the raw response body and
// its content type.
func (c *Client) PostJSON(ctx context.Context, path string, body any) ([]byte, string, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}
	url := c.URL(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

// Get issues a GET request for url.
func (c *Client) Get(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// Do sends req with the bearer token, if any, and reads the body.
func (c *Client) Do(req *http.Request) ([]byte, string, error) {
	if c.Tokens != nil {
		tok, err := c.Tokens.Token(req.Context(), c.TokenName)
		if err != nil {
			return nil, "", err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = RedactURL(req.URL)
		}
		return nil, "", err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, errorBodyLimit))
		return nil, "", &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        RedactURL(req.URL),
			Body:       string(buf),
		}
	}

	limit := c.BodyLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read response body: %w", err)
	}
	if int64(len(buf)) > limit {
		return nil, "", fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return buf, res.Header.Get("Content-Type"), nil
}

// RedactURL renders u without its query, fragment or user info.
func RedactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	r := url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	return r.String()
}

// Classify turns a transport or status failure into a collab.ServiceError.
// Context errors pass through so callers see their own cancellation.
// Status codes 429 and 5xx are transient, as are network failures.
func Classify(dependency string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *collab.ServiceError
	if errors.As(err, &se) {
		return err
	}
	var sc httpStatusCoder
	if errors.As(err, &sc) {
		return StatusError(dependency, sc.HTTPStatusCode(), err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &collab.ServiceError{Dependency: dependency, Transient: true, Err: err}
	}
	return &collab.ServiceError{Dependency: dependency, Err: err}
}

// StatusError wraps err for an upstream that answered with status.
func StatusError(dependency string, status int, err error) error {
	return &collab.ServiceError{
		Dependency: dependency,
		Transient:  collab.TransientStatus(status),
		StatusCode: status,
		Err:        err,
	}
}

// DecodeStrict decodes exactly one JSON value into out, rejecting unknown
// fields and trailing data.
func DecodeStrict(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("decode response: multiple JSON values")
		}
		return fmt.Errorf("decode response trailing data: %w", err)
	}
	return nil
}
