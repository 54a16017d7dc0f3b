package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lokvaani/internal/collab"
)

type staticTokens map[string]string

func (s staticTokens) Token(_ context.Context, name string) (string, error) {
	return s[name], nil
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, staticTokens{"speech": "tok"}, "speech", WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(" ", staticTokens{}, "t")
	require.Error(t, err)
	_, err = NewClient("http://x", nil, "t")
	require.Error(t, err)
}

func TestTranscribe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transcribe", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req transcribeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		audio, err := base64.StdEncoding.DecodeString(req.Audio)
		assert.NoError(t, err)
		assert.Equal(t, "pcm", string(audio))
		assert.Equal(t, "wav", req.Format)
		assert.Equal(t, "hi", req.LanguageHint)
		_, _ = w.Write([]byte(`{"text":" namaste ","confidence":0.92,"detectedLanguage":"hi"}`))
	})

	tr, err := c.Transcribe(context.Background(), []byte("pcm"), "wav", "hi")
	require.NoError(t, err)
	require.Equal(t, collab.Transcript{Text: "namaste", Confidence: 0.92, DetectedLanguage: "hi"}, tr)
}

func TestTranscribe_Failures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		lowConf   bool
		transient bool
	}{
		{"unintelligible", http.StatusUnprocessableEntity, `{"error":"low confidence"}`, true, false},
		{"overloaded", http.StatusTooManyRequests, "", false, true},
		{"engine down", http.StatusBadGateway, "", false, true},
		{"bad request", http.StatusBadRequest, "", false, false},
		{"malformed", http.StatusOK, `{"text":"x","extra":1}`, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.Transcribe(context.Background(), []byte("pcm"), "wav", "")
			require.Error(t, err)
			if tc.lowConf {
				require.ErrorIs(t, err, collab.ErrLowConfidence)
				return
			}
			var se *collab.ServiceError
			require.True(t, errors.As(err, &se))
			require.Equal(t, collab.DepSpeechToText, se.Dependency)
			require.Equal(t, tc.transient, se.Transient)
		})
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) { t.Error("unexpected call") })
	_, err := c.Transcribe(context.Background(), nil, "wav", "")
	require.Error(t, err)
}

func TestSynthesize(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/synthesize", r.URL.Path)
		var req synthesizeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, synthesizeRequest{Text: "namaste", Language: "hi", Rate: 0.75, Format: "mp3"}, req)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3"))
	})

	audio, err := c.Synthesize(context.Background(), "namaste", "hi", collab.VoiceConfig{Rate: 0.75, Format: "mp3"})
	require.NoError(t, err)
	require.Equal(t, []byte("ID3"), audio)
}

func TestSynthesize_Failures(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.Synthesize(context.Background(), "x", "hi", collab.VoiceConfig{})
	require.True(t, collab.IsTransient(err))

	c = newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"voice missing"}`))
	})
	_, err = c.Synthesize(context.Background(), "x", "hi", collab.VoiceConfig{})
	var se *collab.ServiceError
	require.ErrorAs(t, err, &se)
	require.False(t, se.Transient)
}
