// Package provider normalizes heterogeneous recognition vendors behind one
// contract and executes single calls with a hard timeout.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderAuth        = errors.New("provider authentication failed")
	ErrProviderRejected    = errors.New("provider rejected input")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Error carries the provider that failed, the failure class (one of the
// sentinels above) and the underlying cause.
type Error struct {
	Provider string
	Kind     error
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return errors.Is(e.Kind, ErrProviderTimeout) || errors.Is(e.Kind, ErrProviderUnavailable)
}

// newError is used by adapters; the gateway fills in Provider.
func newError(kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// Image is one uploaded document page.
type Image struct {
	Data      []byte
	MediaType string
}

// Descriptor is static metadata about a provider.
type Descriptor struct {
	ID               string
	Cost             float64
	DeclaredAccuracy float64
	Timeout          time.Duration
	// MinConfidence overrides the orchestrator's positional tier when > 0.
	MinConfidence float64
}

// Output is what an adapter produces before the gateway stamps it.
type Output struct {
	Text       string
	Confidence float64
}

// Recognizer is implemented by every vendor adapter.
type Recognizer interface {
	Recognize(ctx context.Context, img Image) (Output, error)
}

// Provider pairs a descriptor with its adapter.
type Provider struct {
	Descriptor Descriptor
	Recognizer Recognizer
}

// Recognition is the immutable result of one successful call.
type Recognition struct {
	ProviderID string        `json:"provider_id"`
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Elapsed    time.Duration `json:"elapsed"`
	Cost       float64       `json:"cost"`
}

const defaultTimeout = 30 * time.Second

// Gateway executes exactly one provider call per Recognize. It knows nothing
// about ordering or fallback.
type Gateway struct {
	logger *slog.Logger
}

func NewGateway(logger *slog.Logger) *Gateway {
	return &Gateway{logger: logger}
}

// Recognize calls p with its declared timeout. If the adapter ignores its
// context the gateway still returns at the deadline. A cancelled parent
// context is returned as-is and is not classified as a provider failure.
func (g *Gateway) Recognize(ctx context.Context, p Provider, img Image) (Recognition, error) {
	desc := p.Descriptor
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out Output
		err error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		out, err := p.Recognizer.Recognize(callCtx, img)
		done <- result{out: out, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = result{err: callCtx.Err()}
	}
	elapsed := time.Since(start)

	if res.err != nil {
		if ctx.Err() != nil {
			return Recognition{}, ctx.Err()
		}
		perr := classify(res.err)
		perr.Provider = desc.ID
		g.logger.Debug("provider call failed",
			"provider", desc.ID,
			"kind", perr.Kind,
			"elapsed", elapsed,
			"error", res.err,
		)
		return Recognition{}, perr
	}

	return Recognition{
		ProviderID: desc.ID,
		Text:       res.out.Text,
		Confidence: clamp(res.out.Confidence),
		Elapsed:    elapsed,
		Cost:       desc.Cost,
	}, nil
}

func classify(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return &Error{Kind: perr.Kind, Err: perr.Err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrProviderTimeout, err)
	}
	return newError(ErrProviderUnavailable, err)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
