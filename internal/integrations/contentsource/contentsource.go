// Package contentsource is the client for the authoritative content
// service that answers user queries.
package contentsource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"lokvaani/internal/collab"
	"lokvaani/internal/integrations/httpapi"
)

// Client implements collab.ContentSource.
type Client struct {
	http *httpapi.Client
}

type Option func(*httpapi.Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpapi.Client) { c.HTTPClient = hc }
}

func NewClient(baseURL string, tokens httpapi.TokenSource, tokenName string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("contentsource: base URL must not be empty")
	}
	if tokens == nil {
		return nil, errors.New("contentsource: token source must not be nil")
	}
	hc := &httpapi.Client{BaseURL: baseURL, Tokens: tokens, TokenName: tokenName}
	for _, opt := range opts {
		opt(hc)
	}
	return &Client{http: hc}, nil
}

func (c *Client) Fetch(ctx context.Context, query string) (collab.Content, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return collab.Content{}, errors.New("contentsource: query must not be empty")
	}
	u := c.http.URL("/v1/content") + "?" + url.Values{"q": {query}}.Encode()
	raw, _, err := c.http.Get(ctx, u)
	if err != nil {
		return collab.Content{}, httpapi.Classify(collab.DepContent, fmt.Errorf("contentsource: fetch: %w", err))
	}

	var out collab.Content
	if err := httpapi.DecodeStrict(raw, &out); err != nil {
		return collab.Content{}, httpapi.Classify(collab.DepContent, fmt.Errorf("contentsource: fetch: %w", err))
	}
	if strings.TrimSpace(out.Content) == "" {
		return collab.Content{}, &collab.ServiceError{Dependency: collab.DepContent, Err: errors.New("contentsource: empty content")}
	}
	return out, nil
}
