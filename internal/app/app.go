// Package app assembles the document pipeline from configuration. The
// service binary and the operator CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/tally/internal/anthropic"
	"github.com/MikeSquared-Agency/tally/internal/blobstore"
	"github.com/MikeSquared-Agency/tally/internal/config"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/orchestrator"
	"github.com/MikeSquared-Agency/tally/internal/processor"
	"github.com/MikeSquared-Agency/tally/internal/provider"
	"github.com/MikeSquared-Agency/tally/internal/refinement"
	"github.com/MikeSquared-Agency/tally/internal/review"
	"github.com/MikeSquared-Agency/tally/internal/store"
	"github.com/MikeSquared-Agency/tally/internal/telemetry"
	"github.com/MikeSquared-Agency/tally/internal/trust"
	"github.com/MikeSquared-Agency/tally/internal/validator"
)

// Pipeline holds the components built from configuration.
type Pipeline struct {
	Store     *store.Store
	Queue     *review.Queue
	Learner   *refinement.Learner
	Processor *processor.Processor
	Blobs     blobstore.Store
}

type Options struct {
	// Bus publishes refinement proposals and correction signals. Optional.
	Bus refinement.Bus
	// Telemetry defaults to telemetry.Nop.
	Telemetry telemetry.Recorder
	// Notifier is optional.
	Notifier processor.Notifier
}

// Build connects to Postgres and blob storage, applies migrations, warms the
// learner from stored corrections and wires the processor.
func Build(ctx context.Context, cfg config.Config, policy config.Policy, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.AnthropicAPIKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is required")
	}

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database connected")

	blobs, err := Blobs(ctx, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	rec := opts.Telemetry
	if rec == nil {
		rec = telemetry.Nop{}
	}

	learnerOpts := []refinement.Option{}
	sinks := []review.Sink{processor.NewDocumentSink(db, logger)}
	if opts.Bus != nil {
		pub := refinement.NewPublisher(opts.Bus, logger)
		learnerOpts = append(learnerOpts, refinement.WithProposer(pub))
		sinks = append(sinks, pub)
	}
	learner := refinement.NewLearner(logger, learnerOpts...)
	if n, err := learner.Warm(ctx, db); err != nil {
		logger.Warn("learner warm-up failed", "error", err)
	} else {
		logger.Info("learner warmed", "corrections", n)
	}
	sinks = append(sinks, learner)
	queue := review.NewQueue(db, logger, sinks...)

	extractLLM := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.ExtractModel, cfg.AnthropicRPS)
	visionLLM := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.VisionModel, cfg.AnthropicRPS)
	providers := Providers(cfg, visionLLM)
	orch := orchestrator.New(provider.NewGateway(logger), providers, logger, orchestrator.WithRecorder(rec))

	proc := processor.New(processor.Deps{
		Recognizer: orch,
		Extractor:  extractor.New(extractLLM, logger),
		Validator:  validator.New(validator.OptionsFromPolicy(policy)),
		Scorer:     trust.NewScorer(policy.CriticalCap),
		Policy:     policy,
		Queue:      queue,
		Recorder:   db,
		Blobs:      blobs,
		Telemetry:  rec,
		Notifier:   opts.Notifier,
	}, logger)

	return &Pipeline{
		Store:     db,
		Queue:     queue,
		Learner:   learner,
		Processor: proc,
		Blobs:     blobs,
	}, nil
}

func (p *Pipeline) Close() {
	p.Store.Close()
}

// Providers lists the recognition providers the configuration enables. The
// PDF text layer is free and always present; the OCR service needs a URL.
func Providers(cfg config.Config, vision provider.Completer) []provider.Provider {
	ps := []provider.Provider{{
		Descriptor: provider.Descriptor{ID: "pdf-text", Cost: 0, DeclaredAccuracy: 0.99},
		Recognizer: provider.NewPDFTextRecognizer(),
	}}
	if cfg.OCRServiceURL != "" {
		ps = append(ps, provider.Provider{
			Descriptor: provider.Descriptor{ID: "ocr-service", Cost: cfg.OCRCost, DeclaredAccuracy: 0.90, Timeout: cfg.OCRTimeout},
			Recognizer: provider.NewHTTPRecognizer(cfg.OCRServiceURL, cfg.OCRServiceToken),
		})
	}
	ps = append(ps, provider.Provider{
		Descriptor: provider.Descriptor{ID: "vision", Cost: cfg.VisionCost, DeclaredAccuracy: 0.95, Timeout: cfg.VisionTimeout},
		Recognizer: provider.NewVisionRecognizer(vision),
	})
	return ps
}

// Blobs opens Azure Blob Storage when configured and falls back to memory.
func Blobs(ctx context.Context, cfg config.Config, logger *slog.Logger) (blobstore.Store, error) {
	if cfg.BlobConnectionString == "" && cfg.BlobAccountURL == "" {
		logger.Warn("blob storage not configured, uploads are kept in memory")
		return blobstore.NewMemory(), nil
	}
	blobs, err := blobstore.NewAzure(blobstore.Config{
		ConnectionString: cfg.BlobConnectionString,
		AccountURL:       cfg.BlobAccountURL,
		Container:        cfg.BlobContainer,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("blob storage: %w", err)
	}
	if err := blobstore.EnsureContainer(ctx, blobs); err != nil {
		return nil, err
	}
	return blobs, nil
}
