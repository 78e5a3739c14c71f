package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aixgo-dev/convo"
	"github.com/aixgo-dev/convo/internal/logging"
	"github.com/aixgo-dev/convo/internal/observability"
	"github.com/aixgo-dev/convo/pkg/api"
	"github.com/aixgo-dev/convo/pkg/config"
	"github.com/aixgo-dev/convo/pkg/generation"
	"github.com/aixgo-dev/convo/pkg/llm"
	"github.com/aixgo-dev/convo/pkg/persist"
	"github.com/aixgo-dev/convo/pkg/session"

	metrics "github.com/aixgo-dev/convo/pkg/observability"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configFile string
	logLevel   string
	offline    bool
}

// app holds everything a command needs, built from the config file.
type app struct {
	cfg    *config.Config
	engine *convo.Engine
	logger *slog.Logger

	server  *metrics.Server
	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// bootstrap loads configuration and wires the engine. onUpdate receives
// streaming progress; it may be nil.
func bootstrap(flags *globalFlags, onUpdate func(generation.Update)) (*app, error) {
	cfg, err := config.LoadConfig(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.offline {
		cfg.Persistence.Offline = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	if err := a.wire(onUpdate); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) wire(onUpdate func(generation.Update)) error {
	cfg := a.cfg

	traceCfg := observability.ConfigFromEnv()
	if cfg.Observability.TraceExporter != "" {
		traceCfg.Exporter = cfg.Observability.TraceExporter
	}
	if cfg.Observability.OTLPEndpoint != "" {
		traceCfg.OTLPEndpoint = cfg.Observability.OTLPEndpoint
	}
	if err := observability.Init(traceCfg); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, closerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return observability.Shutdown(ctx)
	}))
	metrics.InitMetrics()
	health := metrics.NewHealthChecker()

	router := &llm.Router{}
	var remote persist.RemoteStore
	if cfg.Persistence.Offline {
		remote = persist.NewMemoryStore()
	} else {
		client, err := api.New(api.Config{
			BaseURL: cfg.API.URL,
			Token:   cfg.API.Token,
			Timeout: cfg.API.Timeout,
		})
		if err != nil {
			return err
		}
		remote = client
		router.Remote = client
		health.RegisterCheck(metrics.RemoteCheck(client.Ping))
	}

	if cfg.Local.Model != "" {
		local, err := llm.NewOpenAITransport(llm.OpenAIConfig{
			BaseURL:      cfg.Local.BaseURL,
			APIKey:       cfg.Local.APIKey,
			Model:        cfg.Local.Model,
			SystemPrompt: cfg.Local.SystemPrompt,
			MaxTokens:    cfg.Local.MaxTokens,
			Temperature:  cfg.Local.Temperature,
		})
		if err != nil {
			return err
		}
		router.Local = local
	}

	cache, err := a.openCache()
	if err != nil {
		return err
	}
	if pinger, ok := cache.(interface{ Ping(context.Context) error }); ok {
		health.RegisterCheck(metrics.CacheCheck(pinger.Ping))
	}

	opts := convo.Options{
		Transport:        router,
		Remote:           remote,
		Provider:         session.Provider(cfg.Model.Provider),
		ModelName:        cfg.Model.Name,
		ThrottleInterval: cfg.Generation.ThrottleInterval,
		WarmUp:           cfg.Generation.WarmUp,
		HistoryTurns:     cfg.Generation.HistoryTurns,
		ChunkSize:        cfg.Generation.ChunkSize,
		Debounce:         cfg.Persistence.Debounce,
		SaveTimeout:      cfg.Persistence.SaveTimeout,
		Autosave:         cfg.Persistence.Autosave,
		Cache:            cache,
		OnUpdate:         onUpdate,
		Logger:           a.logger,
	}
	a.engine, err = convo.New(opts)
	if err != nil {
		return err
	}

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		a.server = metrics.NewServer(addr, health)
		go func() {
			a.logger.Info("serving metrics and health", "addr", addr)
			if err := a.server.Start(); err != nil {
				a.logger.Error("observability server failed", "error", err)
			}
		}()
	}
	return nil
}

func (a *app) openCache() (persist.LocalCache, error) {
	c := a.cfg.Persistence.Cache
	switch c.Store {
	case "file", "":
		fc, err := persist.NewFileCache(c.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, fc)
		return fc, nil
	case "redis":
		rc, err := persist.NewRedisCache(persist.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Key:      c.Redis.Key,
			TTL:      c.Redis.TTL,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc)
		return rc, nil
	default:
		return nil, nil
	}
}

// Close saves and releases everything bootstrap opened, in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown observability server: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
