package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/adlens/adlens/internal/media"
	"github.com/adlens/adlens/internal/pipeline"
	"github.com/adlens/adlens/internal/progress"
	"github.com/adlens/adlens/internal/store"
	"github.com/adlens/adlens/pkg/audio"
	"github.com/adlens/adlens/pkg/disclosure"
	"github.com/adlens/adlens/pkg/visual"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "adlens.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initProgress(ctx context.Context) (progress.Channel, error) {
	ttl := time.Duration(cfg.Progress.TTLSecs) * time.Second
	switch cfg.Progress.Backend {
	case "memory":
		return progress.NewMemory(ttl), nil
	case "redis":
		return progress.NewRedis(ctx, cfg.Progress.RedisAddr, cfg.Progress.RedisPassword, ttl)
	default:
		return nil, eris.Errorf("unsupported progress backend: %s", cfg.Progress.Backend)
	}
}

// analysisEnv holds the store, progress channel, and pipeline shared by the
// serve and analyze commands.
type analysisEnv struct {
	Store    store.Store
	Progress progress.Channel
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the environment.
func (env *analysisEnv) Close() {
	if env.Progress != nil {
		_ = env.Progress.Close()
	}
	if env.Store != nil {
		_ = env.Store.Close()
	}
}

// initEnv sets up the store, progress channel, detector clients, and the
// pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context) (*analysisEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	ch, err := initProgress(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var visualOpts []visual.Option
	if cfg.Visual.BaseURL != "" {
		visualOpts = append(visualOpts, visual.WithBaseURL(cfg.Visual.BaseURL))
	}
	visualClient := visual.NewClient(cfg.Visual.Key, visualOpts...)

	var audioOpts []audio.Option
	if cfg.Audio.BaseURL != "" {
		audioOpts = append(audioOpts, audio.WithBaseURL(cfg.Audio.BaseURL))
	}
	audioClient := audio.NewClient(cfg.Audio.Key, audioOpts...)

	disclosureOpts := []disclosure.Option{disclosure.WithMaxTokens(cfg.Disclosure.MaxTokens)}
	if cfg.Disclosure.Model != "" {
		disclosureOpts = append(disclosureOpts, disclosure.WithModel(cfg.Disclosure.Model))
	}
	if cfg.Disclosure.AnthropicKey == "" {
		zap.L().Info("anthropic key not set, disclosure detection runs pattern-only")
	}
	disclosureClient := disclosure.NewClient(cfg.Disclosure.AnthropicKey, disclosureOpts...)

	acquirer := media.NewFFprobe(cfg.Media)

	pipe := pipeline.New(cfg, st, ch, acquirer, visualClient, audioClient, disclosureClient)

	return &analysisEnv{
		Store:    st,
		Progress: ch,
		Pipeline: pipe,
	}, nil
}
