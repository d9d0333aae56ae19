// Package orchestrator tries recognition providers cheapest first and stops at
// the first result that clears its confidence tier.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/MikeSquared-Agency/tally/internal/provider"
	"github.com/MikeSquared-Agency/tally/internal/telemetry"
)

// DefaultTiers are the acceptance thresholds by position in cost order.
// Positions past the end reuse the last value.
var DefaultTiers = []float64{0.80, 0.85, 0.90}

const defaultRetryBackoff = 250 * time.Millisecond

// Caller is satisfied by provider.Gateway.
type Caller interface {
	Recognize(ctx context.Context, p provider.Provider, img provider.Image) (provider.Recognition, error)
}

// Failure records one provider that produced no usable result.
type Failure struct {
	Provider string `json:"provider"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// Result is the orchestrator's answer. Degraded is set when no provider
// cleared its tier; Recognition then holds the best partial (possibly empty).
type Result struct {
	Recognition provider.Recognition
	Degraded    bool
	Failures    []Failure
	Attempts    int
	TotalCost   float64
}

type Orchestrator struct {
	caller    Caller
	providers []provider.Provider
	tiers     []float64
	backoff   time.Duration
	recorder  telemetry.Recorder
	logger    *slog.Logger
}

type Option func(*Orchestrator)

// WithTiers replaces DefaultTiers.
func WithTiers(tiers ...float64) Option {
	return func(o *Orchestrator) { o.tiers = tiers }
}

// WithRetryBackoff sets the base delay before the single retry; the actual
// delay is jittered within [base, 2*base).
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Orchestrator) { o.backoff = d }
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New sorts providers by ascending cost; equal costs keep their given order.
func New(caller Caller, providers []provider.Provider, logger *slog.Logger, opts ...Option) *Orchestrator {
	sorted := append([]provider.Provider(nil), providers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Descriptor.Cost < sorted[j].Descriptor.Cost
	})

	o := &Orchestrator{
		caller:    caller,
		providers: sorted,
		tiers:     DefaultTiers,
		backoff:   defaultRetryBackoff,
		recorder:  telemetry.Nop{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Providers returns the providers in the order they will be tried.
func (o *Orchestrator) Providers() []provider.Descriptor {
	out := make([]provider.Descriptor, len(o.providers))
	for i, p := range o.providers {
		out[i] = p.Descriptor
	}
	return out
}

func (o *Orchestrator) tier(i int) float64 {
	if floor := o.providers[i].Descriptor.MinConfidence; floor > 0 {
		return floor
	}
	if len(o.tiers) == 0 {
		return DefaultTiers[len(DefaultTiers)-1]
	}
	if i >= len(o.tiers) {
		return o.tiers[len(o.tiers)-1]
	}
	return o.tiers[i]
}

// Recognize never returns an error for provider failures. The only error is
// the caller's own context being cancelled, so in-flight work is not leaked.
func (o *Orchestrator) Recognize(ctx context.Context, documentID string, img provider.Image) (Result, error) {
	var (
		res     Result
		best    provider.Recognition
		hasBest bool
	)

	for i, p := range o.providers {
		threshold := o.tier(i)
		rec, attempts, err := o.callWithRetry(ctx, documentID, p, img, threshold)
		res.Attempts += attempts
		res.TotalCost += p.Descriptor.Cost * float64(attempts)

		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failures = append(res.Failures, Failure{
				Provider: p.Descriptor.ID,
				Attempts: attempts,
				Error:    err.Error(),
			})
			continue
		}

		if rec.Confidence >= threshold {
			o.logger.Info("recognition accepted",
				"document_id", documentID,
				"provider", rec.ProviderID,
				"confidence", rec.Confidence,
				"tier", threshold,
			)
			res.Recognition = rec
			return res, nil
		}

		if !hasBest || rec.Confidence > best.Confidence {
			best = rec
			hasBest = true
		}
	}

	res.Degraded = true
	res.Recognition = best
	o.logger.Warn("no provider cleared its tier",
		"document_id", documentID,
		"best_provider", best.ProviderID,
		"best_confidence", best.Confidence,
		"failures", len(res.Failures),
	)
	return res, nil
}

// callWithRetry makes one call and, for transient failures only, exactly one retry.
func (o *Orchestrator) callWithRetry(ctx context.Context, documentID string, p provider.Provider, img provider.Image, threshold float64) (provider.Recognition, int, error) {
	rec, err := o.call(ctx, documentID, p, img, threshold, 1)
	if err == nil || !retryable(err) {
		return rec, 1, err
	}

	delay := o.backoff
	if delay > 0 {
		delay += rand.N(delay)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return provider.Recognition{}, 1, ctx.Err()
	case <-timer.C:
	}

	rec, err = o.call(ctx, documentID, p, img, threshold, 2)
	return rec, 2, err
}

func (o *Orchestrator) call(ctx context.Context, documentID string, p provider.Provider, img provider.Image, threshold float64, attempt int) (provider.Recognition, error) {
	start := time.Now()
	rec, err := o.caller.Recognize(ctx, p, img)

	at := telemetry.Attempt{
		DocumentID: documentID,
		Provider:   p.Descriptor.ID,
		Attempt:    attempt,
		Latency:    time.Since(start),
		Cost:       p.Descriptor.Cost,
	}
	switch {
	case err == nil && rec.Confidence >= threshold:
		at.Outcome = telemetry.OutcomeAccepted
		at.Confidence = rec.Confidence
	case err == nil:
		at.Outcome = telemetry.OutcomeBelowThreshold
		at.Confidence = rec.Confidence
	default:
		at.Outcome = outcomeOf(err)
	}
	o.recorder.RecordAttempt(at)

	if err != nil {
		o.logger.Warn("provider attempt failed",
			"document_id", documentID,
			"provider", p.Descriptor.ID,
			"attempt", attempt,
			"error", err,
		)
	}
	return rec, err
}

func retryable(err error) bool {
	var perr *provider.Error
	return errors.As(err, &perr) && perr.Retryable()
}

func outcomeOf(err error) telemetry.Outcome {
	switch {
	case errors.Is(err, provider.ErrProviderTimeout):
		return telemetry.OutcomeTimeout
	case errors.Is(err, provider.ErrProviderAuth):
		return telemetry.OutcomeAuth
	case errors.Is(err, provider.ErrProviderRejected):
		return telemetry.OutcomeRejected
	case errors.Is(err, context.Canceled):
		return telemetry.OutcomeCanceled
	default:
		return telemetry.OutcomeUnavailable
	}
}
