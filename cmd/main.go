package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"lokvaani/internal/app"
	"lokvaani/internal/config"
	"lokvaani/internal/integrations/paramstore"
	"lokvaani/internal/observe"
)

func main() {
	ctx := context.Background()

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Configuration (read only here) ----
	// CONFIG_PARAM names an optional SSM parameter holding a YAML document;
	// CONFIG_FILE is used when it is unset. Environment variables override
	// either.
	var cfg config.Config
	if name := os.Getenv("CONFIG_PARAM"); name != "" {
		ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		doc, err := ps.GetParameter(ctx, name)
		if err != nil {
			slog.Error("failed to read config parameter", "param", name, "err", err)
			os.Exit(1)
		}
		cfg, err = config.LoadBytes([]byte(doc), os.Getenv)
		if err != nil {
			slog.Error("invalid configuration", "err", err)
			os.Exit(1)
		}
	} else {
		cfg, err = config.Load(os.Getenv("CONFIG_FILE"), os.Getenv)
		if err != nil {
			slog.Error("invalid configuration", "err", err)
			os.Exit(1)
		}
	}

	logger := observe.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)

	// ---- Wiring ----
	a, err := app.Build(ctx, cfg, awsCfg, logger)
	if err != nil {
		slog.Error("failed to build application", "err", err)
		os.Exit(1)
	}

	lambda.Start(a.Handler.Handle)
}
