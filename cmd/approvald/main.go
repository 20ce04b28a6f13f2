// approvald runs the approval engine's escalation scanner against the shared
// store. Approve/reject/delegate calls are made in-process by the services
// embedding the engine; this daemon only owns the time-driven path.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ledgerkit/be-approvals/internal/client"
	"github.com/ledgerkit/be-approvals/internal/config"
	"github.com/ledgerkit/be-approvals/internal/repository/postgres"
	"github.com/ledgerkit/be-approvals/internal/service"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config YAML")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Service.LogLevel).With().
		Str("service", cfg.Service.Name).
		Str("environment", cfg.Service.Environment).
		Logger()

	log.Info().Msg("Starting approval escalation daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.New(ctx, postgres.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	var sink service.EventSink = service.NopSink{}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		sink = client.NewEventPublisher(nc, log)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS event publisher initialized")
	}

	store := postgres.NewStore(db)
	resolver := service.NewApproverResolver(client.NewDirectoryClient(db))
	scanner := service.NewEscalationScanner(store, resolver, sink, log, cfg.Scanner.Interval)

	go scanner.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	cancel()
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}
