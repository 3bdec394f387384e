package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/iot-stream/internal/admin"
	"github.com/rickgao/iot-stream/internal/auth"
	"github.com/rickgao/iot-stream/internal/codec"
	"github.com/rickgao/iot-stream/internal/config"
	"github.com/rickgao/iot-stream/internal/connection"
	"github.com/rickgao/iot-stream/internal/credentials"
	"github.com/rickgao/iot-stream/internal/database"
	"github.com/rickgao/iot-stream/internal/metrics"
	"github.com/rickgao/iot-stream/internal/refresh"
	"github.com/rickgao/iot-stream/internal/session"
	"github.com/rickgao/iot-stream/internal/tokencache"
	"github.com/rickgao/iot-stream/internal/version"
	"github.com/rickgao/iot-stream/internal/writer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("streamer", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "configs/streamer.yaml", "path to config file")
	logLevel := flagSet.String("log-level", "", "override log.level from the config file")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println("streamer", version.String())
		return nil
	}

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"client_id", cfg.Session.ClientID,
		"endpoint", cfg.Session.Endpoint,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credentials
	source, closeSource, err := newCredentialSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	// Archive
	var (
		pool    *pgxpool.Pool
		archive *writer.MessageWriter
		sinks   []session.Sink
	)
	if cfg.Archive.Enabled {
		logger.Info("connecting to archive database",
			"host", cfg.Archive.Database.Host,
			"port", cfg.Archive.Database.Port,
			"database", cfg.Archive.Database.Name,
		)
		pool, err = database.Connect(ctx, cfg.Archive.Database)
		if err != nil {
			return fmt.Errorf("connect archive database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure archive schema: %w", err)
		}

		archive = writer.NewMessageWriter(writer.WriterConfig{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
			BufferSize:    cfg.Archive.BufferSize,
		}, cfg.Session.ClientID, pool, logger)
		if err := archive.Start(ctx); err != nil {
			return fmt.Errorf("start archive writer: %w", err)
		}
		sinks = append(sinks, archive)
	}

	// Connection + session
	dial := connection.NewMQTTDialer(connection.MQTTOptions{
		KeepAlive:      cfg.Connection.KeepAlive,
		ConnectTimeout: cfg.Connection.ConnectTimeout,
	}, logger)

	manager, err := connection.NewManager(connection.ManagerConfig{
		ConnectTimeout:   cfg.Connection.ConnectTimeout,
		SubscribeTimeout: cfg.Connection.SubscribeTimeout,
		PublishTimeout:   cfg.Connection.PublishTimeout,
		URLExpires:       cfg.Connection.URLExpires,
		Encoding:         codec.Encoding(cfg.Connection.Encoding),
		EventBufferSize:  cfg.Connection.EventBufferSize,
	}, dial, logger)
	if err != nil {
		return fmt.Errorf("create connection manager: %w", err)
	}

	sess, err := session.New(session.Config{
		ClientID:  cfg.Session.ClientID,
		Region:    cfg.Session.Region,
		Endpoint:  cfg.Session.Endpoint,
		Topics:    session.ParseTopics(cfg.Session.Topics),
		QueueSize: cfg.Session.QueueSize,
	}, manager, logger, sinks...)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := sess.Open(ctx); err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	refresher := refresh.New(refresh.Config{
		Interval: cfg.Connection.RefreshInterval,
		Timeout:  2 * cfg.Connection.ConnectTimeout,
	}, source, sess, logger)
	if err := refresher.Start(ctx); err != nil {
		return fmt.Errorf("start refresher: %w", err)
	}

	// Metrics + admin
	sources := metrics.Sources{
		Session: sess.Stats,
		Refresh: refresher.Stats,
	}
	opts := admin.Options{
		Reconnector: refresher,
		MetricsPath: cfg.Admin.MetricsPath,
	}
	if archive != nil {
		sources.Archive = archive.Stats
		opts.Archive = pool
	}
	reg, err := metrics.NewRegistry(metrics.NewCollector(cfg.Session.ClientID, sources))
	if err != nil {
		return err
	}
	opts.Metrics = metrics.Handler(reg)

	adminServer := admin.NewServer(fmt.Sprintf(":%d", cfg.Admin.Port), sess, opts, logger)
	if err := adminServer.Start(); err != nil {
		return fmt.Errorf("start admin server: %w", err)
	}

	logger.Info("streamer running",
		"topics", sess.Topics(),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Admin.Port),
	)

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop the inputs first so nothing reconnects or changes mid-shutdown.
	var g errgroup.Group
	g.Go(func() error { return adminServer.Shutdown(shutdownCtx) })
	g.Go(func() error { return refresher.Stop(shutdownCtx) })
	shutdownErr := g.Wait()

	if err := sess.Close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if archive != nil {
		if err := archive.Stop(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("stop archive writer: %w", err))
		}
	}

	if shutdownErr != nil {
		logger.Error("unclean shutdown", "error", shutdownErr)
		return shutdownErr
	}
	logger.Info("streamer stopped")
	return nil
}

// newCredentialSource builds the signing credential source. STS credentials
// are cached in the configured token store; static keys are used as is.
func newCredentialSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (credentials.Source, func(), error) {
	if !cfg.Credentials.STS.Enabled {
		src := credentials.NewStaticSource(auth.Credentials{
			AccessKeyID:     cfg.Credentials.AccessKeyID,
			SecretAccessKey: cfg.Credentials.SecretAccessKey,
			SessionToken:    cfg.Credentials.SessionToken,
		})
		return src, func() {}, nil
	}

	sts, err := credentials.NewSTSSource(ctx, credentials.STSConfig{
		Region:          cfg.Credentials.STS.Region,
		AccessKeyID:     cfg.Credentials.AccessKeyID,
		SecretAccessKey: cfg.Credentials.SecretAccessKey,
		Duration:        cfg.Credentials.STS.Duration,
		Endpoint:        cfg.Credentials.STS.Endpoint,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create sts source: %w", err)
	}

	store, err := tokencache.New(ctx, tokencache.Config{
		Backend: cfg.TokenCache.Backend,
		Path:    cfg.TokenCache.Path,
		Redis: tokencache.RedisConfig{
			Addr:      cfg.TokenCache.Redis.Addr,
			Password:  cfg.TokenCache.Redis.Password,
			DB:        cfg.TokenCache.Redis.DB,
			KeyPrefix: cfg.TokenCache.Redis.KeyPrefix,
		},
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open token cache: %w", err)
	}

	cached := credentials.NewCachedSource(store, sts, credentials.CacheOptions{
		Key:      cfg.TokenCache.Key,
		Lifetime: cfg.TokenCache.TTL,
	}, logger)

	closeStore := func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close token cache", "error", err)
		}
	}
	return cached, closeStore, nil
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
