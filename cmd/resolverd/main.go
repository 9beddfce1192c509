// Command resolverd serves a batching identifier resolver over HTTP and
// publishes cache invalidations to running instances.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/alecthomas/kong"
	"github.com/illmade-knight/go-batchresolver/pkg/invalidation"
	"github.com/illmade-knight/go-batchresolver/pkg/microservice"
	"github.com/illmade-knight/go-batchresolver/pkg/resolver"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "dev"

// CLI is the resolverd command line.
type CLI struct {
	Version  kong.VersionFlag `help:"Show version." short:"V"`
	Config   string           `help:"Path to the YAML config file." default:"resolverd.yaml" type:"path" env:"RESOLVERD_CONFIG"`
	LogLevel string           `help:"Log level, overrides log_level." env:"RESOLVERD_LOG_LEVEL"`

	Serve      ServeCmd      `cmd:"" default:"withargs" help:"Run the resolver service."`
	Invalidate InvalidateCmd `cmd:"" help:"Publish a cache invalidation to every subscribed resolver."`
}

// ServeCmd runs the HTTP service until SIGINT or SIGTERM.
type ServeCmd struct {
	HTTPPort string `help:"HTTP listen address, overrides server.http_port." env:"RESOLVERD_HTTP_PORT"`
}

// InvalidateCmd publishes one clear or refresh command.
type InvalidateCmd struct {
	Op      string        `arg:"" enum:"clear,refresh" help:"Operation: clear or refresh."`
	IDs     []string      `arg:"" optional:"" help:"Identifiers to invalidate. None means all."`
	Topic   string        `help:"Pub/Sub topic, overrides invalidation.topic_id." env:"RESOLVERD_INVALIDATION_TOPIC"`
	Timeout time.Duration `help:"Publish timeout." default:"30s"`
}

// loadConfig reads the config file and applies flag overrides.
func (c *CLI) loadConfig(httpPort string) (*Config, error) {
	cfg, err := LoadConfig(c.Config)
	if err != nil {
		return nil, err
	}
	if httpPort != "" {
		cfg.Server.HTTPPort = httpPort
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level string) zerolog.Logger {
	lvl, _ := zerolog.ParseLevel(level)
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "resolverd").Logger()
	return log.Logger
}

// Run starts the service and blocks until SIGINT or SIGTERM.
func (s *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig(s.HTTPPort)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := newBackend(ctx, cfg.Source, logger)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing source.")
		}
	}()

	res, err := resolver.New(cfg.Resolver, src.Fetch, logger)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}
	defer func() { _ = res.Close() }()
	ctrl := &cacheControl{Resolver: res, backend: src, logger: logger}

	var listener *invalidation.Listener
	if cfg.Invalidation.Enabled() {
		var closePubsub func() error
		listener, closePubsub, err = newInvalidationListener(ctx, cfg.Invalidation, cfg.Source.ProjectID, ctrl, logger)
		if err != nil {
			return fmt.Errorf("failed to create invalidation listener: %w", err)
		}
		defer func() { _ = closePubsub() }()
		if err := listener.Start(ctx); err != nil {
			return err
		}
	}

	server := microservice.NewServer(cfg.Server, func() error {
		if ctx.Err() != nil {
			return errors.New("shutting down")
		}
		return nil
	}, logger)
	microservice.NewResolverHandlers[Document](ctrl, cfg.ResolveTimeout, logger).Register(server.Mux())
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info().Str("resolver_id", res.ID()).Str("source_kind", cfg.Source.Kind).Msg("resolverd started.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed.")
	}
	if listener != nil {
		if err := listener.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Invalidation listener shutdown failed.")
		}
	}
	return nil
}

// Run publishes the command and waits for the broker to accept it.
func (i *InvalidateCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig("")
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.LogLevel)

	topicID := i.Topic
	if topicID == "" {
		topicID = cfg.Invalidation.TopicID
	}
	if topicID == "" {
		return errors.New("invalidate: no topic given, set --topic or invalidation.topic_id")
	}
	projectID := cfg.Invalidation.ProjectID
	if projectID == "" {
		projectID = cfg.Source.ProjectID
	}
	if projectID == "" {
		return errors.New("invalidate: invalidation.project_id or source.project_id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.Timeout)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID, clientOptions(cfg.Invalidation.CredentialsFile)...)
	if err != nil {
		return fmt.Errorf("invalidate: failed to create pubsub client: %w", err)
	}
	defer func() { _ = client.Close() }()

	publisher, err := invalidation.NewPublisher(ctx, client, topicID, logger)
	if err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	defer func() { _ = publisher.Stop(context.Background()) }()

	msgID, err := publisher.Publish(ctx, invalidation.Command{Op: invalidation.Op(i.Op), IDs: i.IDs})
	if err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	fmt.Fprintf(os.Stdout, "published %s command %s\n", i.Op, msgID)
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("resolverd"),
		kong.Description("Batching identifier resolver service."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(kctx.Run(&cli))
}
