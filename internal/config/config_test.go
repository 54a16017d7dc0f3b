package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lokvaani/internal/admission"
	"lokvaani/internal/collab"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

var minimalEnv = map[string]string{
	"STATE_TABLE":  "lokvaani-sessions",
	"PARAM_PREFIX": "/lokvaani/",
	"SPEECH_URL":   "https://speech.internal",
	"CONTENT_URL":  "https://content.internal",
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	cfg, err := LoadBytes(nil, env(minimalEnv))
	require.NoError(t, err)
	require.Equal(t, BackendDynamoDB, cfg.Store.Backend)
	require.Equal(t, "lokvaani-sessions", cfg.Store.Table)
	require.Equal(t, "/lokvaani/openai-token", cfg.Params.TokenName("openai-token"))
	require.Equal(t, 15*time.Minute, cfg.Session.TTL)
	require.Equal(t, 20, cfg.Session.ContextCap)
	require.Equal(t, 50, cfg.Admission.GlobalCap)
	require.Equal(t, 5, cfg.Breakers.Defaults.FailureThreshold)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	doc := `
log:
  level: debug
store:
  backend: redis
  redisAddr: localhost:6379
params:
  prefix: /lokvaani
services:
  speechURL: https://speech.internal
  contentURL: https://content.internal
session:
  ttl: 10m
  contextCap: 5
admission:
  globalCap: 30
  classes:
    voice:
      capacity: 10
      queueSize: 5
breakers:
  overrides:
    text-to-speech:
      failureThreshold: 2
      cooldown: 5s
guard:
  callTimeouts:
    content-source: 4s
turn:
  warningLead: 90s
`
	path := filepath.Join(t.TempDir(), "lokvaani.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path, env(map[string]string{"MAX_CONTEXT_ITEMS": "7", "LOG_FORMAT": "text"}))
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
	require.Equal(t, BackendRedis, cfg.Store.Backend)
	require.Equal(t, 10*time.Minute, cfg.Session.TTL)
	require.Equal(t, 7, cfg.Session.ContextCap, "env overrides the file")
	require.Equal(t, 30, cfg.Admission.GlobalCap)
	require.Equal(t, admission.ClassConfig{Capacity: 10, QueueSize: 5}, cfg.Admission.Classes[admission.ClassVoice])
	require.Contains(t, cfg.Admission.Classes, admission.ClassText, "unlisted classes keep their defaults")
	require.Equal(t, 2, cfg.Breakers.Overrides[collab.DepTextToSpeech].FailureThreshold)
	require.Equal(t, 4*time.Second, cfg.Guard.CallTimeouts[collab.DepContent])
	require.Equal(t, 90*time.Second, cfg.Turn.WarningLead)
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]struct {
		doc string
		env map[string]string
	}{
		"unknown field":      {doc: "sesion:\n  ttl: 1m\n", env: minimalEnv},
		"bad duration":       {doc: "session:\n  ttl: soon\n", env: minimalEnv},
		"missing table":      {env: map[string]string{"PARAM_PREFIX": "/p", "SPEECH_URL": "x", "CONTENT_URL": "y"}},
		"missing prefix":     {env: map[string]string{"STATE_TABLE": "t", "SPEECH_URL": "x", "CONTENT_URL": "y"}},
		"unknown backend":    {doc: "store:\n  backend: etcd\n", env: minimalEnv},
		"bad env int":        {env: merge(minimalEnv, map[string]string{"GLOBAL_CAP": "many"})},
		"bad env duration":   {env: merge(minimalEnv, map[string]string{"SESSION_TTL": "15"})},
		"lead exceeds ttl":   {env: merge(minimalEnv, map[string]string{"SESSION_TTL": "1m", "WARNING_LEAD": "2m"})},
		"component invalid":  {doc: "admission:\n  globalCap: 0\n", env: minimalEnv},
		"bad breaker":        {doc: "breakers:\n  overrides:\n    x:\n      failureRate: 2\n", env: minimalEnv},
		"memory sweep":       {doc: "store:\n  backend: memory\n  sweepInterval: 0s\n", env: minimalEnv},
		"redis without addr": {doc: "store:\n  backend: redis\n", env: minimalEnv},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tc.doc), env(tc.env))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), env(minimalEnv))
	require.ErrorContains(t, err, "config: read")
}

func merge(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
