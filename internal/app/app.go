// Package app wires configuration into a ready request handler. Both
// entrypoints under cmd/ share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"lokvaani/handler"
	"lokvaani/internal/admission"
	"lokvaani/internal/breaker"
	"lokvaani/internal/clock"
	"lokvaani/internal/config"
	"lokvaani/internal/guard"
	"lokvaani/internal/integrations/anthropic"
	"lokvaani/internal/integrations/contentsource"
	"lokvaani/internal/integrations/openai"
	"lokvaani/internal/integrations/paramstore"
	"lokvaani/internal/integrations/speech"
	"lokvaani/internal/observe"
	"lokvaani/internal/repository"
	"lokvaani/internal/session"
	"lokvaani/internal/usecase"
)

// Token parameter names under the configured prefix.
const (
	TokenOpenAI    = "openai-token"
	TokenAnthropic = "anthropic-token"
	TokenSpeech    = "speech-token"
	TokenContent   = "content-token"
)

type App struct {
	Handler *handler.Handler
	Service *usecase.TurnService

	closers []func() error
}

// Close releases store connections and stops background work.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Build constructs every component from cfg. ctx bounds background work
// such as the memory store sweeper.
func Build(ctx context.Context, cfg config.Config, awsCfg aws.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = observe.Discard()
	}
	clk := clock.Real()
	sink := observe.NewLogSink(logger)
	a := &App{}

	store, err := a.buildStore(ctx, cfg.Store, awsCfg, clk)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	tokens, err := paramstore.NewTokenSet(ps,
		cfg.Params.TokenName(TokenOpenAI),
		cfg.Params.TokenName(TokenAnthropic),
		cfg.Params.TokenName(TokenSpeech),
		cfg.Params.TokenName(TokenContent),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	collabs, err := buildCollaborators(cfg, tokens)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	sessions, err := session.NewManager(store, cfg.Session, clk, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	adm, err := admission.New(cfg.Admission, clk, sink)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	registry := breaker.NewRegistry(cfg.Breakers.Defaults, cfg.Breakers.Overrides, clk, sink)
	g, err := guard.New(cfg.Guard, registry, clk, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	svc, err := usecase.NewTurnService(sessions, adm, g, collabs, usecase.Options{
		WarningLead:         cfg.Turn.WarningLead,
		MaxQueryLen:         cfg.Turn.MaxQueryLength,
		MaxAudioBytes:       cfg.Turn.MaxAudioBytes,
		MinSTTConfidence:    cfg.Turn.MinSTTConfidence,
		MinDetectConfidence: cfg.Turn.MinDetectConfidence,
		ContentLanguage:     cfg.Turn.ContentLanguage,
		AudioFormat:         cfg.Turn.AudioFormat,
		Clock:               clk,
		Logger:              logger,
		Sink:                sink,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	h, err := handler.NewHandler(svc, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Handler = h
	a.Service = svc
	return a, nil
}

func (a *App) buildStore(ctx context.Context, cfg config.StoreConfig, awsCfg aws.Config, clk clock.Clock) (repository.StoreLocker, error) {
	switch cfg.Backend {
	case config.BackendDynamoDB:
		return repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.Table, clk)
	case config.BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		a.closers = append(a.closers, client.Close)
		store, err := repository.NewRedisStore(client, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendMemory:
		store := repository.NewMemoryStore(clk)
		sweepCtx, cancel := context.WithCancel(ctx)
		go store.RunSweeper(sweepCtx, cfg.SweepInterval)
		a.closers = append(a.closers, func() error { cancel(); return nil })
		return store, nil
	}
	return nil, fmt.Errorf("app: unknown store backend %q", cfg.Backend)
}

func buildCollaborators(cfg config.Config, tokens *paramstore.TokenSet) (usecase.Collaborators, error) {
	sp, err := speech.NewClient(cfg.Services.SpeechURL, tokens, cfg.Params.TokenName(TokenSpeech))
	if err != nil {
		return usecase.Collaborators{}, err
	}
	content, err := contentsource.NewClient(cfg.Services.ContentURL, tokens, cfg.Params.TokenName(TokenContent))
	if err != nil {
		return usecase.Collaborators{}, err
	}
	translator, err := openai.NewClient(tokens, cfg.Params.TokenName(TokenOpenAI), func(o *openai.Options) {
		if cfg.Services.OpenAIModel != "" {
			o.Model = cfg.Services.OpenAIModel
		}
		o.BaseURL = cfg.Services.OpenAIBaseURL
	})
	if err != nil {
		return usecase.Collaborators{}, err
	}
	simplifier, err := anthropic.NewClient(tokens, cfg.Params.TokenName(TokenAnthropic), func(o *anthropic.Options) {
		if cfg.Services.AnthropicModel != "" {
			o.Model = cfg.Services.AnthropicModel
		}
		o.BaseURL = cfg.Services.AnthropicBaseURL
	})
	if err != nil {
		return usecase.Collaborators{}, err
	}
	return usecase.Collaborators{
		SpeechToText:  sp,
		TextToSpeech:  sp,
		Translator:    translator,
		Simplifier:    simplifier,
		ContentSource: content,
	}, nil
}
