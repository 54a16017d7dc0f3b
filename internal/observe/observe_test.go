package observe

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNewLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "shown", lines[0]["msg"])
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewLogger("info", "text", &buf).Info("hello", "k", "v")
	require.Contains(t, buf.String(), "msg=hello")
	require.Contains(t, buf.String(), "k=v")
}

func TestLogSink_BreakerTransition(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(NewLogger("debug", "json", &buf))
	sink.BreakerTransition(TransitionEvent{Dependency: "tts", From: "closed", To: "open", Failures: 3, At: time.Now()})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "WARN", lines[0]["level"])
	require.Equal(t, "tts", lines[0]["dependency"])
	require.Equal(t, "open", lines[0]["to"])
}

func TestLogSink_AdmissionRejectedIsWarn(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(NewLogger("info", "json", &buf))
	sink.AdmissionDecision(AdmissionEvent{Class: "voice", Decision: "admitted"})
	sink.AdmissionDecision(AdmissionEvent{Class: "voice", Decision: "rejected"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "rejected", lines[0]["decision"])
}

func TestLogSink_TurnFailedIsError(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(NewLogger("info", "json", &buf))
	sink.TurnCompleted(TurnEvent{SessionID: "s1", Outcome: "failed", ErrorCode: "ADMISSION_REJECTED"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "ERROR", lines[0]["level"])
	require.Equal(t, "s1", lines[0]["session_id"])
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("what is the weather"))
	require.Len(t, a, 16)
	require.Equal(t, a, Fingerprint([]byte("what is the weather")))
	require.NotEqual(t, a, Fingerprint([]byte("what is the time")))
	require.Empty(t, Fingerprint(nil))
}

func TestNilLoggerSinkDoesNotPanic(t *testing.T) {
	sink := NewLogSink(nil)
	sink.TurnCompleted(TurnEvent{})
	NopSink{}.TurnCompleted(TurnEvent{})
}
