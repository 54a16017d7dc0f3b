// Package openai implements language detection and translation on the
// OpenAI chat completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"lokvaani/internal/collab"
	"lokvaani/internal/integrations/httpapi"
)

type Options struct {
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// Client implements collab.Translator. The SDK client is built on first
// use, once the API token has been read from the token source.
type Client struct {
	tokens    httpapi.TokenSource
	tokenName string
	opts      Options

	mu     sync.RWMutex
	client *openai.Client
}

func NewClient(tokens httpapi.TokenSource, tokenName string, optFns ...func(*Options)) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("openai: token source must not be nil")
	}
	tokenName = strings.TrimSpace(tokenName)
	if tokenName == "" {
		return nil, errors.New("openai: token name must not be empty")
	}
	opts := Options{Model: openai.ChatModelGPT4oMini}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{tokens: tokens, tokenName: tokenName, opts: opts}, nil
}

func (c *Client) resolveClient(ctx context.Context) (*openai.Client, error) {
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
	// The guard owns retries.
	reqOpts := []option.RequestOption{option.WithAPIKey(key), option.WithMaxRetries(0)}
	if c.opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(c.opts.BaseURL))
	}
	if c.opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(c.opts.HTTPClient))
	}
	client := openai.NewClient(reqOpts...)
	c.client = &client
	return c.client, nil
}

func (c *Client) complete(ctx context.Context, dep string, params openai.ChatCompletionNewParams) (string, error) {
	client, err := c.resolveClient(ctx)
	if err != nil {
		return "", &collab.ServiceError{Dependency: dep, Transient: true, Err: fmt.Errorf("openai: resolve token: %w", err)}
	}
	params.Model = c.opts.Model
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(dep, err)
	}
	if len(resp.Choices) == 0 {
		return "", &collab.ServiceError{Dependency: dep, Err: errors.New("openai: no choices in response")}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Detect identifies the language of text.
func (c *Client) Detect(ctx context.Context, text string) (collab.Detection, error) {
	raw, err := c.complete(ctx, collab.DepDetection, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(detectPrompt),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: detectionSchema()},
		},
	})
	if err != nil {
		return collab.Detection{}, err
	}
	det, err := parseDetection(raw)
	if err != nil {
		return collab.Detection{}, &collab.ServiceError{Dependency: collab.DepDetection, Err: err}
	}
	return det, nil
}

// Translate renders text in targetLanguage.
func (c *Client) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	targetLanguage = strings.TrimSpace(targetLanguage)
	if targetLanguage == "" {
		return "", errors.New("openai: target language must not be empty")
	}
	out, err := c.complete(ctx, collab.DepTranslation, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(translatePrompt(targetLanguage)),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", &collab.ServiceError{Dependency: collab.DepTranslation, Err: errors.New("openai: empty translation")}
	}
	return out, nil
}

func classify(dep string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return httpapi.StatusError(dep, apiErr.StatusCode, fmt.Errorf("openai: unexpected status %d", apiErr.StatusCode))
	}
	return httpapi.Classify(dep, fmt.Errorf("openai: %w", err))
}
