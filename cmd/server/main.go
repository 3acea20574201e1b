package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/amanullahtanweer/speaking-assessment/internal/config"
	"github.com/amanullahtanweer/speaking-assessment/internal/events"
	"github.com/amanullahtanweer/speaking-assessment/internal/logging"
	"github.com/amanullahtanweer/speaking-assessment/internal/metrics"
	"github.com/amanullahtanweer/speaking-assessment/internal/relay"
	"github.com/amanullahtanweer/speaking-assessment/internal/server"
	"github.com/amanullahtanweer/speaking-assessment/internal/store"
	"github.com/amanullahtanweer/speaking-assessment/internal/transcriber"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Configuration file path")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log.Info().
		Str("addr", cfg.Addr()).
		Bool("api_key_configured", cfg.AssemblyAI.APIKey != "").
		Bool("redis", cfg.Redis.Enabled).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("Starting speaking assessment server")

	m := metrics.New(prometheus.DefaultRegisterer)

	registry := relay.NewRegistry(nil)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		tracker := store.NewRedisTracker(rdb, cfg.Redis.KeyPrefix, cfg.Redis.TTL)
		if err := tracker.Ping(context.Background()); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, session tracking disabled")
		} else {
			registry = relay.NewRegistry(tracker)
		}
	}

	publisher := events.New(events.Config{
		Brokers:          cfg.Kafka.Brokers,
		TopicTranscripts: cfg.Kafka.TopicTranscripts,
		TopicScores:      cfg.Kafka.TopicScores,
		ClientID:         cfg.Kafka.ClientID,
		Enabled:          cfg.Kafka.Enabled,
	}, m)
	defer publisher.Close()

	deps := server.Deps{
		Publisher: publisher,
		Metrics:   m,
		Registry:  registry,
		Gatherer:  prometheus.DefaultGatherer,
	}
	if cfg.AssemblyAI.APIKey != "" {
		dialer := transcriber.NewAssemblyAIDialer(cfg.AssemblyAI.APIKey)
		dialer.URL = cfg.AssemblyAI.StreamingURL
		deps.Dialer = dialer

		batch := transcriber.NewBatchClient(cfg.AssemblyAI.APIKey)
		batch.BaseURL = cfg.AssemblyAI.BaseURL
		batch.SpeechModel = cfg.AssemblyAI.SpeechModel
		batch.PollInterval = cfg.AssemblyAI.PollInterval
		batch.PollTimeout = cfg.AssemblyAI.PollTimeout
		batch.MaxPollAttempts = cfg.AssemblyAI.MaxPollAttempts
		batch.OnPoll = m.PollAttempt
		deps.Batch = batch
	} else {
		log.Warn().Msg("ASSEMBLYAI_API_KEY not set, transcription requests will be rejected")
	}

	srvCfg := server.Config{
		Addr:            cfg.Addr(),
		WriteTimeout:    cfg.Server.WriteTimeout,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		SampleRate:      cfg.AssemblyAI.SampleRate,
		MaxUploadBytes:  cfg.Upload.MaxBytes,
		DefaultDuration: cfg.Upload.DefaultDuration,
	}
	if cfg.SessionLog.Enabled {
		if err := os.MkdirAll(cfg.SessionLog.Dir, 0755); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.SessionLog.Dir).Msg("Failed to create session log directory")
		}
		srvCfg.JournalDir = cfg.SessionLog.Dir
	}

	srv := server.New(srvCfg, deps)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down server...")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
	}
	registry.Close()
	log.Info().Msg("Server stopped")
}
