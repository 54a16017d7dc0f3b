package collab

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(errors.New("plain")))
	require.False(t, IsTransient(&ServiceError{Dependency: DepTranslation, StatusCode: 400, Err: errors.New("bad")}))

	wrapped := fmt.Errorf("outer: %w", &ServiceError{Dependency: DepTranslation, Transient: true, Err: errors.New("503")})
	require.True(t, IsTransient(wrapped))
}

func TestServiceError_Message(t *testing.T) {
	inner := errors.New("upstream down")
	err := &ServiceError{Dependency: DepTextToSpeech, StatusCode: 503, Err: inner}
	require.Equal(t, "collab: text-to-speech: status 503: upstream down", err.Error())
	require.ErrorIs(t, err, inner)
}

func TestTransientStatus(t *testing.T) {
	for code, want := range map[int]bool{200: false, 400: false, 404: false, 429: true, 500: true, 503: true} {
		require.Equal(t, want, TransientStatus(code), code)
	}
}
