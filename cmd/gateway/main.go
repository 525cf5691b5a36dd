package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/devicelab-server/devicelab-gateway/internal/api"
	"github.com/devicelab-server/devicelab-gateway/internal/broker"
	"github.com/devicelab-server/devicelab-gateway/internal/config"
	"github.com/devicelab-server/devicelab-gateway/internal/integration"
	"github.com/devicelab-server/devicelab-gateway/internal/ports"
	"github.com/devicelab-server/devicelab-gateway/internal/session"
	"github.com/devicelab-server/devicelab-gateway/internal/storage"
)

func main() {
	var configPath = flag.String("config", "config/gateway.yml", "configuration file path")
	var validateOnly = flag.Bool("validate", false, "validate the configuration and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *validateOnly {
		fmt.Println("configuration is valid")
		return
	}

	log.Info().
		Str("config_path", *configPath).
		Str("broker", cfg.Broker.Endpoint).
		Int("port_range_start", cfg.Ports.RangeStart).
		Int("port_range_end", cfg.Ports.RangeEnd).
		Msg("device gateway starting")

	// Event log store: PostgreSQL when configured, in-memory otherwise.
	var store storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		store = pg
	} else {
		log.Info().Msg("no database configured, keeping event logs in memory")
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	portManager, err := ports.NewManager(cfg.Ports.RangeStart, cfg.Ports.RangeEnd, cfg.Ports.LockDir, cfg.Ports.PreferSequential)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize port manager")
	}

	brokerClient := broker.NewClient(cfg.Broker.Endpoint, cfg.Broker.Secret)

	var sinks []session.EventSink
	if cfg.NATS.URL != "" {
		nc, err := integration.Connect(cfg.NATS.URL, cfg.NATS.MaxReconnects, cfg.NATS.ReconnectInterval)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nc.Close()
		sinks = append(sinks, integration.NewStatusForwarder(nc))
	}

	registry := session.NewRegistry(session.RegistryOptions{
		Broker:           brokerClient,
		Ports:            portManager,
		Sinks:            sinks,
		Recorder:         storage.NewRecorder(store),
		HeartbeatTimeout: cfg.Session.HeartbeatTimeout,
		QuiescenceDelay:  cfg.Session.QuiescenceDelay,
		TeardownSettle:   cfg.Session.TeardownSettle,
		Android: session.AndroidOptions{
			ADBPath:      cfg.Android.ADBPath,
			CompanionIME: cfg.Android.CompanionIME,
		},
		IOS: session.IOSOptions{
			AgentPath:      cfg.IOS.AgentPath,
			ProcessPattern: cfg.IOS.ProcessPattern,
			MJPEGPort:      cfg.IOS.MJPEGPort,
		},
	})

	server := api.NewRESTServer(cfg, store, registry)

	errChan := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errChan:
		log.Error().Err(err).Msg("API server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown failed")
	}

	// Tear down every live session so devices are restored and broker
	// reservations released before the process exits.
	registry.StopAll(shutdownCtx)

	log.Info().Msg("device gateway stopped")
}
