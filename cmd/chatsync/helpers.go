package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/LuminPulse-AI/chatsync"
)

// newLogger builds a zap logger from the [log] section. Production
// environments default to JSON output; everything else logs to the console.
func newLogger(cfg *Config) (*zap.Logger, error) {
	level := valueOrDefault(cfg.Log.Level, "warn")
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	format := cfg.Log.Format
	if format == "" && cfg.Default.Environment == "production" {
		format = "json"
	}
	var zc zap.Config
	if format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = lvl
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// getClient creates a backend client authenticated with the session token,
// falling back to the API key.
func getClient(cfg *Config, logger *zap.Logger) (*chatsync.Client, error) {
	token := cfg.Auth.Token
	if token == "" {
		token = cfg.Default.APIKey
	}
	if token == "" {
		return nil, errors.New("no credentials: run 'chatsync login <token>' or 'chatsync config set default.api_key <key>'")
	}
	opts := []chatsync.ClientOption{chatsync.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(token, opts...), nil
}

// currentUser returns the signed-in identity from [auth].
func currentUser(cfg *Config) (chatsync.User, error) {
	if cfg.Auth.UserID == "" {
		return chatsync.User{}, errors.New("not logged in: run 'chatsync login <token> --user-id <id>' first")
	}
	return chatsync.User{ID: cfg.Auth.UserID, Username: valueOrDefault(cfg.Auth.Username, cfg.Auth.UserID)}, nil
}

// runtime holds everything a long-running command needs.
type runtime struct {
	cfg     *Config
	logger  *zap.Logger
	client  *chatsync.Client
	user    chatsync.User
	metrics *chatsync.Metrics
	cache   *chatsync.HistoryCache

	metricsSrv *http.Server
}

// newClientRuntime loads the effective config and builds the logger and
// client for the signed-in user. It is enough for one-shot commands.
func newClientRuntime() (*runtime, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	client, err := getClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	user, err := currentUser(cfg)
	if err != nil {
		return nil, err
	}
	return &runtime{cfg: cfg, logger: logger, client: client, user: user}, nil
}

// newRuntime is newClientRuntime plus the metrics registry and the optional
// history cache used by long-running commands.
func newRuntime() (*runtime, error) {
	rt, err := newClientRuntime()
	if err != nil {
		return nil, err
	}
	cfg, logger := rt.cfg, rt.logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = chatsync.NewMetrics(reg)
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		rt.metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := rt.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	if cfg.Cache.Path != "" {
		cache, err := chatsync.OpenHistoryCache(cfg.Cache.Path)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open history cache: %w", err)
		}
		rt.cache = cache
	}
	return rt, nil
}

// realtime connects a change feed for the runtime's client.
func (rt *runtime) realtime(ctx context.Context) (*chatsync.RealtimeClient, error) {
	rc := rt.client.Realtime(&chatsync.RealtimeConfig{AutoReconnect: true, Logger: rt.logger})
	rc.OnReconnecting(func(attempt int, delay time.Duration) {
		fmt.Fprintf(os.Stderr, "connection lost, retry %d in %s\n", attempt, delay)
	})
	if err := rc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect realtime: %w", err)
	}
	return rc, nil
}

// session builds a session over feed. Device pushes to the peer are sent
// when [push] is enabled.
func (rt *runtime) session(feed chatsync.Feed, notifier chatsync.Notifier, opts ...chatsync.SessionOption) *chatsync.Session {
	opts = append([]chatsync.SessionOption{
		chatsync.WithSessionLogger(rt.logger),
		chatsync.WithSessionMetrics(rt.metrics),
	}, opts...)
	if rt.cache != nil {
		opts = append(opts, chatsync.WithSessionCache(rt.cache))
	}
	if rt.cfg.Push.Enabled {
		var popts []chatsync.PushOption
		if rt.cfg.Push.Endpoint != "" {
			popts = append(popts, chatsync.WithPushEndpoint(rt.cfg.Push.Endpoint))
		}
		popts = append(popts, chatsync.WithPushLogger(rt.logger))
		opts = append(opts, chatsync.WithSessionPeerPush(chatsync.NewPushNotifier(rt.client, popts...)))
	}
	return chatsync.NewSession(rt.client, feed, notifier, opts...)
}

// Close stops the metrics server and closes the cache.
func (rt *runtime) Close() {
	if rt.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.metricsSrv.Shutdown(ctx)
	}
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			rt.logger.Warn("close history cache", zap.Error(err))
		}
	}
	_ = rt.logger.Sync()
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// valueOrDefault returns v if non-empty, otherwise def.
func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
