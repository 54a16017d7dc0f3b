// Package speech is the client for the speech gateway that fronts the
// speech-to-text and text-to-speech engines.
package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"lokvaani/internal/collab"
	"lokvaani/internal/integrations/httpapi"
)

const maxAudioBytes = 10 << 20

type transcribeRequest struct {
	Audio        string `json:"audio"`
	Format       string `json:"format"`
	LanguageHint string `json:"languageHint,omitempty"`
}

type transcribeResponse struct {
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	DetectedLanguage string  `json:"detectedLanguage"`
}

type synthesizeRequest struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Voice    string  `json:"voice,omitempty"`
	Rate     float64 `json:"rate,omitempty"`
	Format   string  `json:"format,omitempty"`
}

// Client implements collab.SpeechToText and collab.TextToSpeech.
type Client struct {
	http *httpapi.Client
}

type Option func(*httpapi.Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpapi.Client) { c.HTTPClient = hc }
}

// NewClient creates a Client for the gateway at baseURL. The bearer token
// is read from tokens under tokenName on first use.
func NewClient(baseURL string, tokens httpapi.TokenSource, tokenName string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("speech: base URL must not be empty")
	}
	if tokens == nil {
		return nil, errors.New("speech: token source must not be nil")
	}
	hc := &httpapi.Client{
		BaseURL:   baseURL,
		Tokens:    tokens,
		TokenName: tokenName,
		BodyLimit: maxAudioBytes,
	}
	for _, opt := range opts {
		opt(hc)
	}
	return &Client{http: hc}, nil
}

// Transcribe sends audio for recognition. The gateway answers 422 when it
// cannot produce a usable transcript; that maps to collab.ErrLowConfidence.
func (c *Client) Transcribe(ctx context.Context, audio []byte, format, languageHint string) (collab.Transcript, error) {
	if len(audio) == 0 {
		return collab.Transcript{}, errors.New("speech: audio must not be empty")
	}
	raw, _, err := c.http.PostJSON(ctx, "/v1/transcribe", transcribeRequest{
		Audio:        base64.StdEncoding.EncodeToString(audio),
		Format:       format,
		LanguageHint: languageHint,
	})
	if err != nil {
		var hs *httpapi.HTTPStatusError
		if errors.As(err, &hs) && hs.StatusCode == http.StatusUnprocessableEntity {
			return collab.Transcript{}, collab.ErrLowConfidence
		}
		return collab.Transcript{}, httpapi.Classify(collab.DepSpeechToText, fmt.Errorf("speech: transcribe: %w", err))
	}

	var out transcribeResponse
	if err := httpapi.DecodeStrict(raw, &out); err != nil {
		return collab.Transcript{}, httpapi.Classify(collab.DepSpeechToText, fmt.Errorf("speech: transcribe: %w", err))
	}
	return collab.Transcript{
		Text:             strings.TrimSpace(out.Text),
		Confidence:       out.Confidence,
		DetectedLanguage: out.DetectedLanguage,
	}, nil
}

// Synthesize returns encoded audio for text.
func (c *Client) Synthesize(ctx context.Context, text, language string, voice collab.VoiceConfig) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("speech: text must not be empty")
	}
	raw, ct, err := c.http.PostJSON(ctx, "/v1/synthesize", synthesizeRequest{
		Text:     text,
		Language: language,
		Voice:    voice.Voice,
		Rate:     voice.Rate,
		Format:   voice.Format,
	})
	if err != nil {
		return nil, httpapi.Classify(collab.DepTextToSpeech, fmt.Errorf("speech: synthesize: %w", err))
	}
	if len(raw) == 0 || strings.HasPrefix(ct, "application/json") {
		return nil, &collab.ServiceError{Dependency: collab.DepTextToSpeech, Err: fmt.Errorf("speech: synthesize: unexpected %q response", ct)}
	}
	return raw, nil
}
