package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/uwcirg/fhirgate/internal/audit"
	"github.com/uwcirg/fhirgate/internal/authn"
	"github.com/uwcirg/fhirgate/internal/authn/keycache"
	"github.com/uwcirg/fhirgate/internal/config"
	"github.com/uwcirg/fhirgate/internal/logging"
	"github.com/uwcirg/fhirgate/internal/metrics"
	"github.com/uwcirg/fhirgate/internal/policies"
	"github.com/uwcirg/fhirgate/internal/policy"
	"github.com/uwcirg/fhirgate/internal/policy/celrule"
	"github.com/uwcirg/fhirgate/internal/proxy"
	"github.com/uwcirg/fhirgate/internal/server"
)

func main() {
	configFile := flag.String("config", "", "path to server configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	keys := buildKeyCache(logger.With(slog.String("agent", "keycache_factory")), cfg.Auth.KeyCache)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := keys.Close(shutdownCtx); err != nil {
			logger.Error("key cache shutdown failed", slog.Any("error", err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	verifier := authn.NewVerifier(authn.Config{
		JWKSURL:      cfg.Auth.JWKSURL,
		Audience:     cfg.Auth.Audience,
		Algorithm:    cfg.Auth.Algorithm,
		FetchTimeout: time.Duration(cfg.Auth.FetchTimeoutSeconds) * time.Second,
		KeyTTL:       time.Duration(cfg.Auth.KeyCache.TTLSeconds) * time.Second,
		Metrics:      recorder,
	}, keys, logger)

	var sink audit.Sink
	if cfg.Audit.LogserverURL != "" && cfg.Audit.LogserverToken != "" {
		sink = audit.NewLogServerSink(cfg.Audit.LogserverURL, cfg.Audit.LogserverToken)
	}
	auditor := audit.NewRecorder(logger, sink)

	buildRegistry := func() *policy.Registry {
		modules := policies.All(policies.Config{
			SecuritySystem:      cfg.Security.LabelSystem,
			AbsentUnknownSystem: cfg.Security.AbsentUnknownSystem,
		})
		modules = append(modules, celrule.LoadDir(cfg.Policies.Dir, logger)...)
		return policy.NewRegistry(logger, modules)
	}

	handler := proxy.New(logger, proxy.Options{
		UpstreamServer:       cfg.Proxy.UpstreamServer,
		Whitelist:            cfg.WhitelistSet(),
		ForwardAuthorization: cfg.Proxy.ForwardAuthorization,
		MaxBodyBytes:         cfg.Proxy.MaxBodyBytes,
		UpstreamTimeout:      time.Duration(cfg.Proxy.TimeoutSeconds) * time.Second,
		Verifier:             verifier,
		Registry:             buildRegistry(),
		Auditor:              auditor,
		Metrics:              recorder,
	})

	if cfg.Policies.Watch && strings.TrimSpace(cfg.Policies.Dir) != "" {
		watcher, err := policy.Watch(ctx, cfg.Policies.Dir, buildRegistry, handler.Reload, func(err error) {
			logger.Error("policies watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("policies watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	settings := proxy.NewSettingsHandler(cfg)
	router := server.NewRouter(server.Routes{
		Proxy:              handler,
		SmartConfiguration: settings.SmartConfiguration,
		Settings:           settings.Settings,
		Metrics:            recorder.Handler(),
	})

	srv, err := server.New(cfg, logger, router)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildKeyCache(logger *slog.Logger, cfg config.KeyCacheConfig) keycache.KeyCache {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory jwks key cache", slog.Duration("ttl", ttl))
		}
		return keycache.NewMemory(ttl)
	case "valkey", "redis":
		cache, err := keycache.NewValkey(keycache.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: keycache.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("valkey key cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory key cache")
			}
			return keycache.NewMemory(ttl)
		}
		if logger != nil {
			logger.Info("using valkey jwks key cache", slog.String("address", cfg.Valkey.Address))
		}
		return cache
	default:
		if logger != nil {
			logger.Warn("unsupported key cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return keycache.NewMemory(ttl)
	}
}
