// Package config loads service configuration.
//
// Values are resolved in a fixed order: built-in defaults, then an
// optional YAML document, then environment variables. The result is
// validated before use. Only cmd/ reads configuration; components receive
// plain values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lokvaani/internal/admission"
	"lokvaani/internal/breaker"
	"lokvaani/internal/guard"
	"lokvaani/internal/session"
)

// Store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Config struct {
	Log       LogConfig        `yaml:"log"`
	Store     StoreConfig      `yaml:"store"`
	Params    ParamsConfig     `yaml:"params"`
	Services  ServicesConfig   `yaml:"services"`
	Session   session.Config   `yaml:"session"`
	Admission admission.Config `yaml:"admission"`
	Breakers  BreakersConfig   `yaml:"breakers"`
	Guard     guard.Config     `yaml:"guard"`
	Turn      TurnConfig       `yaml:"turn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Table is the DynamoDB table name.
	Table       string `yaml:"table"`
	RedisAddr   string `yaml:"redisAddr"`
	RedisPrefix string `yaml:"redisPrefix"`
	// SweepInterval drives expiry sweeps for the memory backend.
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// ParamsConfig names the SSM parameters holding API tokens. Each value is
// a JSON document of the form {"token": "..."}.
type ParamsConfig struct {
	Prefix string `yaml:"prefix"`
}

// TokenName returns the full parameter name for a token.
func (p ParamsConfig) TokenName(name string) string {
	return strings.TrimRight(p.Prefix, "/") + "/" + name
}

type ServicesConfig struct {
	SpeechURL        string `yaml:"speechURL"`
	ContentURL       string `yaml:"contentURL"`
	OpenAIModel      string `yaml:"openaiModel"`
	OpenAIBaseURL    string `yaml:"openaiBaseURL"`
	AnthropicModel   string `yaml:"anthropicModel"`
	AnthropicBaseURL string `yaml:"anthropicBaseURL"`
}

type BreakersConfig struct {
	Defaults breaker.Config `yaml:"defaults"`
	// Overrides replace the defaults for one dependency. Unset fields fall
	// back to the breaker package defaults.
	Overrides map[string]breaker.Config `yaml:"overrides"`
}

type TurnConfig struct {
	WarningLead         time.Duration `yaml:"warningLead"`
	MaxQueryLength      int           `yaml:"maxQueryLength"`
	MaxAudioBytes       int           `yaml:"maxAudioBytes"`
	MinSTTConfidence    float64       `yaml:"minSTTConfidence"`
	MinDetectConfidence float64       `yaml:"minDetectConfidence"`
	ContentLanguage     string        `yaml:"contentLanguage"`
	AudioFormat         string        `yaml:"audioFormat"`
}

func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Backend:       BackendDynamoDB,
			RedisPrefix:   "lokvaani:",
			SweepInterval: time.Minute,
		},
		Services: ServicesConfig{
			OpenAIModel:    "gpt-4o-mini",
			AnthropicModel: "claude-3-5-sonnet-20241022",
		},
		Session:   session.DefaultConfig(),
		Admission: admission.DefaultConfig(),
		Breakers:  BreakersConfig{Defaults: breaker.DefaultConfig()},
		Guard:     guard.DefaultConfig(),
		Turn: TurnConfig{
			WarningLead:         60 * time.Second,
			MaxQueryLength:      1000,
			MaxAudioBytes:       10 << 20,
			MinSTTConfidence:    0.6,
			MinDetectConfidence: 0.5,
			ContentLanguage:     "en",
			AudioFormat:         "mp3",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment read through getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	var doc []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		doc = b
	}
	return LoadBytes(doc, getenv)
}

// LoadBytes is Load for a document already in memory, such as one read
// from the parameter store.
func LoadBytes(doc []byte, getenv func(string) string) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(doc)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(doc))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse: %w", err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = d
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("STORE_BACKEND", &cfg.Store.Backend)
	str("STATE_TABLE", &cfg.Store.Table)
	str("REDIS_ADDR", &cfg.Store.RedisAddr)
	str("REDIS_PREFIX", &cfg.Store.RedisPrefix)
	str("PARAM_PREFIX", &cfg.Params.Prefix)
	str("SPEECH_URL", &cfg.Services.SpeechURL)
	str("CONTENT_URL", &cfg.Services.ContentURL)
	str("OPENAI_MODEL", &cfg.Services.OpenAIModel)
	str("ANTHROPIC_MODEL", &cfg.Services.AnthropicModel)
	dur("SESSION_TTL", &cfg.Session.TTL)
	num("MAX_CONTEXT_ITEMS", &cfg.Session.ContextCap)
	num("GLOBAL_CAP", &cfg.Admission.GlobalCap)
	dur("QUEUE_TIMEOUT", &cfg.Admission.QueueTimeout)
	num("MAX_QUERY_LENGTH", &cfg.Turn.MaxQueryLength)
	dur("WARNING_LEAD", &cfg.Turn.WarningLead)
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendDynamoDB:
		if c.Store.Table == "" {
			errs = append(errs, errors.New("config: store.table is required for the dynamodb backend"))
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("config: store.redisAddr is required for the redis backend"))
		}
	case BackendMemory:
		if c.Store.SweepInterval <= 0 {
			errs = append(errs, errors.New("config: store.sweepInterval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown store backend %q", c.Store.Backend))
	}
	if strings.TrimRight(c.Params.Prefix, "/") == "" {
		errs = append(errs, errors.New("config: params.prefix is required"))
	}
	if c.Services.SpeechURL == "" {
		errs = append(errs, errors.New("config: services.speechURL is required"))
	}
	if c.Services.ContentURL == "" {
		errs = append(errs, errors.New("config: services.contentURL is required"))
	}
	if c.Turn.WarningLead >= c.Session.TTL {
		errs = append(errs, errors.New("config: turn.warningLead must be shorter than session.ttl"))
	}
	if c.Turn.MinSTTConfidence < 0 || c.Turn.MinSTTConfidence > 1 || c.Turn.MinDetectConfidence < 0 || c.Turn.MinDetectConfidence > 1 {
		errs = append(errs, errors.New("config: confidence thresholds must be between 0 and 1"))
	}

	errs = append(errs, c.Session.Validate(), c.Admission.Validate(), c.Breakers.Defaults.Validate(), c.Guard.Validate())
	for dep, bc := range c.Breakers.Overrides {
		if err := bc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("config: breakers.overrides.%s: %w", dep, err))
		}
	}
	return errors.Join(errs...)
}
