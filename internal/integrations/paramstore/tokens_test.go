package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBatch struct {
	values map[string]string
	err    error
	calls  int
}

func (f *fakeBatch) GetParameters(_ context.Context, names ...string) (map[string]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		out[n] = f.values[n]
	}
	return out, nil
}

func TestNewTokenSet_Validation(t *testing.T) {
	_, err := NewTokenSet(nil, "a")
	require.Error(t, err)
	_, err = NewTokenSet(&fakeBatch{})
	require.Error(t, err)
}

func TestTokenSet_LoadsOnceInOneBatch(t *testing.T) {
	g := &fakeBatch{values: map[string]string{
		"/lokvaani/openai-token":    `{"token":"sk-1"}`,
		"/lokvaani/anthropic-token": `{"token":" sk-2 "}`,
	}}
	ts, err := NewTokenSet(g, "/lokvaani/openai-token", "/lokvaani/anthropic-token")
	require.NoError(t, err)

	tok, err := ts.Token(context.Background(), "/lokvaani/openai-token")
	require.NoError(t, err)
	require.Equal(t, "sk-1", tok)
	tok, err = ts.Token(context.Background(), "/lokvaani/anthropic-token")
	require.NoError(t, err)
	require.Equal(t, "sk-2", tok)
	require.Equal(t, 1, g.calls)

	_, err = ts.Token(context.Background(), "/lokvaani/other")
	require.ErrorContains(t, err, "not part of the set")
}

func TestTokenSet_RetriesAfterFailure(t *testing.T) {
	g := &fakeBatch{err: errors.New("throttled")}
	ts, err := NewTokenSet(g, "t")
	require.NoError(t, err)

	_, err = ts.Token(context.Background(), "t")
	require.ErrorContains(t, err, "throttled")

	g.err = nil
	g.values = map[string]string{"t": `{"token":"ok"}`}
	tok, err := ts.Token(context.Background(), "t")
	require.NoError(t, err)
	require.Equal(t, "ok", tok)
	require.Equal(t, 2, g.calls)
}

func TestTokenSet_BadPayload(t *testing.T) {
	cases := map[string]string{
		"not json":    "sk-raw",
		"empty token": `{"token":""}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			ts, err := NewTokenSet(&fakeBatch{values: map[string]string{"t": raw}}, "t")
			require.NoError(t, err)
			_, err = ts.Token(context.Background(), "t")
			require.Error(t, err)
		})
	}
}
