package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lokvaani/internal/collab"
)

type fakeTokens struct {
	calls atomic.Int32
	err   error
}

func (f *fakeTokens) Token(_ context.Context, name string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "key-" + name, nil
}

func message(text string) string {
	b, _ := json.Marshal(text)
	return fmt.Sprintf(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet-20241022",`+
		`"content":[{"type":"text","text":%s}],"stop_reason":"end_turn","stop_sequence":null,`+
		`"usage":{"input_tokens":10,"output_tokens":5}}`, b)
}

type recorded struct {
	mu     sync.Mutex
	apiKey string
	body   map[string]any
	calls  int
}

func newTestClient(t *testing.T, tokens *fakeTokens, status int, reply string) (*Client, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"), r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.calls++
		rec.apiKey = r.Header.Get("X-Api-Key")
		rec.body = nil
		_ = json.Unmarshal(raw, &rec.body)
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(message(reply)))
			return
		}
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(tokens, "anthropic-token", func(o *Options) {
		o.BaseURL = srv.URL
		o.HTTPClient = srv.Client()
	})
	require.NoError(t, err)
	return c, rec
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "t")
	require.Error(t, err)
	_, err = NewClient(&fakeTokens{}, "")
	require.Error(t, err)
	_, err = NewClient(&fakeTokens{}, "t", func(o *Options) { o.MaxTokens = 0 })
	require.Error(t, err)
}

func TestSimplify(t *testing.T) {
	tokens := &fakeTokens{}
	c, rec := newTestClient(t, tokens, http.StatusOK,
		"```json\n{\"text\":\"Apply by July.\",\"preserved_points\":[\"deadline July\"]}\n```")

	out, err := c.Simplify(context.Background(), "Applications must be submitted before July.", collab.AudienceSimple)
	require.NoError(t, err)
	require.Equal(t, collab.Simplified{Text: "Apply by July.", PreservedPoints: []string{"deadline July"}}, out)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, "key-anthropic-token", rec.apiKey)
	system, err := json.Marshal(rec.body["system"])
	require.NoError(t, err)
	require.Contains(t, string(system), "limited literacy")
}

func TestSimplify_MalformedReply(t *testing.T) {
	for _, reply := range []string{"plain prose", `{"text":""}`, `{"text":"x","extra":1}`} {
		c, _ := newTestClient(t, &fakeTokens{}, http.StatusOK, reply)
		_, err := c.Simplify(context.Background(), "text", collab.AudienceGeneral)
		var se *collab.ServiceError
		require.ErrorAs(t, err, &se, reply)
		require.False(t, se.Transient)
		require.Equal(t, collab.DepSimplify, se.Dependency)
	}
}

func TestSimplify_Overloaded(t *testing.T) {
	c, _ := newTestClient(t, &fakeTokens{}, 529, "")
	_, err := c.Simplify(context.Background(), "text", collab.AudienceGeneral)
	var se *collab.ServiceError
	require.ErrorAs(t, err, &se)
	require.True(t, se.Transient)
	require.Equal(t, 529, se.StatusCode)

	c, _ = newTestClient(t, &fakeTokens{}, http.StatusBadRequest, "")
	_, err = c.Simplify(context.Background(), "text", collab.AudienceGeneral)
	require.False(t, collab.IsTransient(err))
}

func TestSummarize(t *testing.T) {
	c, rec := newTestClient(t, &fakeTokens{}, http.StatusOK, "Farmers can enrol until the end of July at any bank branch nearby.")

	short, err := c.Summarize(context.Background(), "already short", 100)
	require.NoError(t, err)
	require.Equal(t, "already short", short)
	rec.mu.Lock()
	require.Zero(t, rec.calls)
	rec.mu.Unlock()

	long := strings.Repeat("long text ", 20)
	out, err := c.Summarize(context.Background(), long, 40)
	require.NoError(t, err)
	require.LessOrEqual(t, len([]rune(out)), 40)
	require.True(t, strings.HasPrefix(out, "Farmers can enrol"))

	_, err = c.Summarize(context.Background(), long, 0)
	require.Error(t, err)
}

func TestSummarize_FailureNamesSummarization(t *testing.T) {
	c, _ := newTestClient(t, &fakeTokens{}, http.StatusInternalServerError, "")
	_, err := c.Summarize(context.Background(), strings.Repeat("long text ", 20), 40)
	var se *collab.ServiceError
	require.ErrorAs(t, err, &se)
	require.Equal(t, collab.DepSummarize, se.Dependency)
	require.True(t, se.Transient)
	require.NotContains(t, err.Error(), "busy")
}

func TestSummarize_AsksForSameLanguage(t *testing.T) {
	c, rec := newTestClient(t, &fakeTokens{}, http.StatusOK, "छोटा सार")
	_, err := c.Summarize(context.Background(), strings.Repeat("लंबा पाठ ", 20), 40)
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	system, err := json.Marshal(rec.body["system"])
	require.NoError(t, err)
	require.Contains(t, string(system), "same language")
	require.Contains(t, string(system), "40 characters")
}

func TestTokenResolvedOnce(t *testing.T) {
	tokens := &fakeTokens{}
	c, _ := newTestClient(t, tokens, http.StatusOK, `{"text":"ok","preserved_points":[]}`)
	for i := 0; i < 3; i++ {
		_, err := c.Simplify(context.Background(), "text", collab.AudienceGeneral)
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, tokens.calls.Load())

	failing := &fakeTokens{err: errors.New("ssm down")}
	c, _ = newTestClient(t, failing, http.StatusOK, "")
	_, err := c.Simplify(context.Background(), "text", collab.AudienceGeneral)
	require.True(t, collab.IsTransient(err))
}

func TestTruncateRunes(t *testing.T) {
	require.Equal(t, "abc", truncateRunes("abc", 5))
	require.Equal(t, "नमस्ते", truncateRunes("नमस्ते दुनिया", 7))
	require.Equal(t, "one two", truncateRunes("one two three", 9))
}
