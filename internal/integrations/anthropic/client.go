// Package anthropic implements content simplification and summarization
// on the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"lokvaani/internal/collab"
	"lokvaani/internal/integrations/httpapi"
)

type Options struct {
	Model      string
	MaxTokens  int64
	BaseURL    string
	HTTPClient *http.Client
}

// Client implements collab.Simplifier.
type Client struct {
	tokens    httpapi.TokenSource
	tokenName string
	opts      Options

	mu     sync.RWMutex
	client *anthropic.Client
}

func NewClient(tokens httpapi.TokenSource, tokenName string, optFns ...func(*Options)) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("anthropic: token source must not be nil")
	}
	tokenName = strings.TrimSpace(tokenName)
	if tokenName == "" {
		return nil, errors.New("anthropic: token name must not be empty")
	}
	opts := Options{
		Model:     string(anthropic.ModelClaude3_5Sonnet20241022),
		MaxTokens: 1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxTokens <= 0 {
		return nil, errors.New("anthropic: max tokens must be positive")
	}
	return &Client{tokens: tokens, tokenName: tokenName, opts: opts}, nil
}

func (c *Client) resolveClient(ctx context.Context) (*anthropic.Client, error) {
	c.mu.RLock()
	if c.client != nil {
		defer c.mu.RUnlock()
		return c.client, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	key, err := c.tokens.Token(ctx, c.tokenName)
	if err != nil {
		return nil, err
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(key), option.WithMaxRetries(0)}
	if c.opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(c.opts.BaseURL))
	}
	if c.opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(c.opts.HTTPClient))
	}
	client := anthropic.NewClient(reqOpts...)
	c.client = &client
	return c.client, nil
}

func (c *Client) message(ctx context.Context, dep, system, text string) (string, error) {
	client, err := c.resolveClient(ctx)
	if err != nil {
		return "", &collab.ServiceError{Dependency: dep, Transient: true, Err: fmt.Errorf("anthropic: resolve token: %w", err)}
	}
	resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.opts.Model),
		MaxTokens:   c.opts.MaxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(text))},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", httpapi.StatusError(dep, apiErr.StatusCode, fmt.Errorf("anthropic: unexpected status %d", apiErr.StatusCode))
		}
		return "", httpapi.Classify(dep, fmt.Errorf("anthropic: %w", err))
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", &collab.ServiceError{Dependency: dep, Err: errors.New("anthropic: empty response")}
	}
	return out, nil
}

// Simplify rewrites text for the audience level and lists the points the
// rewrite kept.
func (c *Client) Simplify(ctx context.Context, text string, level collab.AudienceLevel) (collab.Simplified, error) {
	if strings.TrimSpace(text) == "" {
		return collab.Simplified{}, errors.New("anthropic: text must not be empty")
	}
	raw, err := c.message(ctx, collab.DepSimplify, simplifyPrompt(level), text)
	if err != nil {
		return collab.Simplified{}, err
	}
	out, err := parseSimplified(raw)
	if err != nil {
		return collab.Simplified{}, &collab.ServiceError{Dependency: collab.DepSimplify, Err: err}
	}
	return out, nil
}

// Summarize condenses text to at most maxLength characters.
func (c *Client) Summarize(ctx context.Context, text string, maxLength int) (string, error) {
	if maxLength <= 0 {
		return "", errors.New("anthropic: max length must be positive")
	}
	if len([]rune(text)) <= maxLength {
		return strings.TrimSpace(text), nil
	}
	out, err := c.message(ctx, collab.DepSummarize, summarizePrompt(maxLength), text)
	if err != nil {
		return "", err
	}
	return truncateRunes(out, maxLength), nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	cut := string(r[:n])
	// Prefer ending on a word boundary.
	if i := strings.LastIndexAny(cut, " \n"); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
