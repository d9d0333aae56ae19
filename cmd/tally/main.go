package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MikeSquared-Agency/tally/internal/api"
	"github.com/MikeSquared-Agency/tally/internal/app"
	"github.com/MikeSquared-Agency/tally/internal/config"
	"github.com/MikeSquared-Agency/tally/internal/dedup"
	"github.com/MikeSquared-Agency/tally/internal/hermes"
	"github.com/MikeSquared-Agency/tally/internal/processor"
	"github.com/MikeSquared-Agency/tally/internal/session"
	"github.com/MikeSquared-Agency/tally/internal/slack"
	"github.com/MikeSquared-Agency/tally/internal/telemetry"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("tally starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		slog.Error("failed to load policy", "error", err)
		os.Exit(1)
	}

	// NATS/Hermes
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer hermesClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	// Telemetry never blocks the pipeline; events past the buffer are dropped.
	tel := telemetry.NewAsync(telemetry.Multi(
		telemetry.NewPrometheus(prometheus.DefaultRegisterer),
		telemetry.NewNATS(hermesClient, slog.Default()),
	), 1024, slog.Default())
	defer tel.Close()

	// Slack poster (optional: without it reviewers work through the API only)
	var notifier processor.Notifier
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		notifier = slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default())
		slog.Info("slack poster ready", "channel", cfg.SlackChannel)
	} else {
		slog.Warn("slack not configured, review notifications disabled")
	}

	pipe, err := app.Build(ctx, cfg, policy, app.Options{
		Bus:       hermesClient,
		Telemetry: tel,
		Notifier:  notifier,
	}, slog.Default())
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer pipe.Close()

	// Session gate
	sessions, idx, err := sessionBackends(ctx, cfg, hermesClient)
	if err != nil {
		slog.Error("failed to open session buckets", "error", err)
		os.Exit(1)
	}

	intake := processor.NewIntake(pipe.Processor, hermesClient, cfg.Workers, slog.Default())
	machine := session.NewMachine(
		sessions,
		idx,
		session.NewLimiter(cfg.UploadLimit, cfg.UploadWindow, nil),
		pipe.Blobs,
		intake,
		processor.NewConfirmer(pipe.Store, pipe.Queue, slog.Default()),
		session.Config{Timeout: cfg.SessionTimeout},
		slog.Default(),
	)
	intake.Bind(machine)

	// Inbound caller events are shared across replicas.
	if err := hermesClient.QueueSubscribe(hermes.SubjectInbound, "tally", intake.HandleInbound); err != nil {
		slog.Error("failed to subscribe to inbound events", "error", err)
		os.Exit(1)
	}

	// Slack reactions and buttons for the review loop
	if err := hermesClient.Subscribe(hermes.SubjectReaction, pipe.Processor.HandleReaction); err != nil {
		slog.Error("failed to subscribe to slack reactions", "error", err)
		os.Exit(1)
	}
	if err := hermesClient.Subscribe(hermes.SubjectInteraction, pipe.Processor.HandleInteraction); err != nil {
		slog.Error("failed to subscribe to slack interactions", "error", err)
		os.Exit(1)
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.APIToken, api.Deps{
		Queue:   pipe.Queue,
		Learner: pipe.Learner,
		Counts:  pipe.Store,
		Checks: map[string]api.Checker{
			"postgres": pipe.Store.Ping,
			"nats": func(context.Context) error {
				if !hermesClient.Connected() {
					return errors.New("disconnected")
				}
				return nil
			},
		},
		Metrics: promhttp.Handler(),
	}, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	// Announce registration
	if err := hermesClient.Publish("swarm.agent.tally.registered", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"port":      cfg.Port,
		"workers":   cfg.Workers,
	}); err != nil {
		slog.Warn("failed to publish registration", "error", err)
	}

	slog.Info("tally ready", "port", cfg.Port, "workers", cfg.Workers)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if err := intake.Shutdown(shutdownCtx); err != nil {
		slog.Warn("in-flight documents abandoned", "error", err)
	}
	cancel()
	slog.Info("tally stopped", "telemetry_dropped", tel.Dropped())
}

// sessionBackends uses JetStream KV when a bucket is configured so every
// replica shares session state and upload fingerprints.
func sessionBackends(ctx context.Context, cfg config.Config, h *hermes.Client) (session.Store, dedup.Index, error) {
	if cfg.SessionBucket == "" {
		slog.Warn("TALLY_SESSION_BUCKET not set, sessions are per-replica")
		return session.NewMemoryStore(), dedup.NewMemory(cfg.DedupTTL), nil
	}
	sessKV, err := h.KeyValue(ctx, cfg.SessionBucket, 2*cfg.SessionTimeout)
	if err != nil {
		return nil, nil, err
	}
	dedupKV, err := h.KeyValue(ctx, cfg.SessionBucket+"_dedup", cfg.DedupTTL)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("session buckets ready", "bucket", cfg.SessionBucket)
	return session.NewKVStore(sessKV), dedup.NewKV(dedupKV, slog.Default()), nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
