// Package telemetry records provider attempts and pipeline decisions.
// Recording is fire-and-forget: a slow or broken sink never blocks the pipeline.
package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome classifies a single provider call.
type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeBelowThreshold Outcome = "below_threshold"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeAuth           Outcome = "auth"
	OutcomeRejected       Outcome = "rejected"
	OutcomeUnavailable    Outcome = "unavailable"
	OutcomeCanceled       Outcome = "canceled"
)

// Attempt is one call to one capability provider.
type Attempt struct {
	DocumentID string        `json:"document_id,omitempty"`
	Provider   string        `json:"provider"`
	Attempt    int           `json:"attempt"`
	Latency    time.Duration `json:"latency_ns"`
	Cost       float64       `json:"cost"`
	Confidence float64       `json:"confidence"`
	Outcome    Outcome       `json:"outcome"`
}

// Decision is the terminal outcome of one pipeline run.
type Decision struct {
	DocumentID string  `json:"document_id"`
	Kind       string  `json:"kind"`
	Verdict    string  `json:"verdict"`
	Priority   string  `json:"priority,omitempty"`
	Overall    float64 `json:"overall"`
	Degraded   bool    `json:"degraded"`
	Violations int     `json:"violations"`
}

type Recorder interface {
	RecordAttempt(Attempt)
	RecordDecision(Decision)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordAttempt(Attempt)   {}
func (Nop) RecordDecision(Decision) {}

type multi []Recorder

// Multi fans out every event to each recorder in order.
func Multi(recorders ...Recorder) Recorder {
	return multi(recorders)
}

func (m multi) RecordAttempt(a Attempt) {
	for _, r := range m {
		r.RecordAttempt(a)
	}
}

func (m multi) RecordDecision(d Decision) {
	for _, r := range m {
		r.RecordDecision(d)
	}
}

type event struct {
	attempt  *Attempt
	decision *Decision
}

// Async forwards events to an inner recorder on a background goroutine.
// When the buffer is full the event is dropped and counted.
type Async struct {
	inner   Recorder
	events  chan event
	done    chan struct{}
	dropped atomic.Int64
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewAsync(inner Recorder, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		inner:  inner,
		events: make(chan event, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.events {
		a.deliver(ev)
	}
}

func (a *Async) deliver(ev event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("telemetry sink panicked", "panic", r)
		}
	}()
	switch {
	case ev.attempt != nil:
		a.inner.RecordAttempt(*ev.attempt)
	case ev.decision != nil:
		a.inner.RecordDecision(*ev.decision)
	}
}

func (a *Async) enqueue(ev event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		if n := a.dropped.Add(1); n%100 == 1 {
			a.logger.Warn("telemetry buffer full, dropping events", "dropped_total", n)
		}
	}
}

func (a *Async) RecordAttempt(at Attempt) { a.enqueue(event{attempt: &at}) }

func (a *Async) RecordDecision(d Decision) { a.enqueue(event{decision: &d}) }

// Dropped reports how many events were discarded because the buffer was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	<-a.done
}
