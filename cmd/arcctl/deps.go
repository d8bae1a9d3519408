package main

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"arc-sync/internal/config"
	"arc-sync/internal/gateway"
)

// deps holds what commands need to talk to the upstream API.
type deps struct {
	cfg    *config.Config
	logger *zap.Logger
	client *gateway.Client
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalConfig)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// withDeps loads config, builds the upstream client, then calls fn.
func withDeps(fn func(*deps) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if globalVerbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
	}
	defer logger.Sync() //nolint:errcheck

	client := gateway.New(cfg.Upstream.BaseURL,
		gateway.WithToken(cfg.Upstream.Token),
		gateway.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond}),
		gateway.WithLogger(logger),
	)

	return fn(&deps{cfg: cfg, logger: logger, client: client})
}
