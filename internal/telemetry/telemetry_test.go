package telemetry

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingRecorder holds every delivery until release is closed.
type blockingRecorder struct {
	Memory
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func newBlockingRecorder() *blockingRecorder {
	return &blockingRecorder{release: make(chan struct{}), started: make(chan struct{})}
}

func (b *blockingRecorder) RecordAttempt(a Attempt) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	b.Memory.RecordAttempt(a)
}

func TestAsync_DeliversInOrder(t *testing.T) {
	mem := &Memory{}
	a := NewAsync(mem, 16, discardLogger())

	for i := 1; i <= 5; i++ {
		a.RecordAttempt(Attempt{Provider: "ocr", Attempt: i})
	}
	a.RecordDecision(Decision{DocumentID: "doc-1", Verdict: "auto_approve"})
	a.Close()

	attempts := mem.Attempts()
	require.Len(t, attempts, 5)
	for i, at := range attempts {
		assert.Equal(t, i+1, at.Attempt)
	}
	require.Len(t, mem.Decisions(), 1)
	assert.Equal(t, int64(0), a.Dropped())
}

func TestAsync_DropsWhenFull(t *testing.T) {
	sink := newBlockingRecorder()
	a := NewAsync(sink, 2, discardLogger())

	// First event is picked up by the worker and blocks there.
	a.RecordAttempt(Attempt{Provider: "p", Attempt: 0})
	select {
	case <-sink.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first event")
	}

	// Two fit in the buffer, the rest are dropped without blocking.
	done := make(chan struct{})
	go func() {
		for i := 1; i <= 10; i++ {
			a.RecordAttempt(Attempt{Provider: "p", Attempt: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recording blocked on a full buffer")
	}

	assert.Equal(t, int64(8), a.Dropped())
	close(sink.release)
	a.Close()
	assert.Len(t, sink.Attempts(), 3)
}

func TestAsync_RecordAfterCloseIsIgnored(t *testing.T) {
	mem := &Memory{}
	a := NewAsync(mem, 4, discardLogger())
	a.Close()

	assert.NotPanics(t, func() { a.RecordAttempt(Attempt{Provider: "late"}) })
	assert.Empty(t, mem.Attempts())
}

type panickingRecorder struct{ Nop }

func (panickingRecorder) RecordDecision(Decision) { panic("sink exploded") }

func TestAsync_SurvivesPanickingSink(t *testing.T) {
	mem := &Memory{}
	a := NewAsync(Multi(mem, panickingRecorder{}), 4, discardLogger())
	a.RecordDecision(Decision{DocumentID: "x"})
	a.RecordAttempt(Attempt{Provider: "after"})
	a.Close()

	require.Len(t, mem.Attempts(), 1)
	assert.Equal(t, "after", mem.Attempts()[0].Provider)
}

func TestPrometheus_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.RecordAttempt(Attempt{Provider: "ocr", Outcome: OutcomeAccepted, Latency: 200 * time.Millisecond, Cost: 0.5, Confidence: 0.9})
	p.RecordAttempt(Attempt{Provider: "ocr", Outcome: OutcomeTimeout, Latency: 15 * time.Second, Cost: 0.5})
	p.RecordDecision(Decision{Kind: "invoice", Verdict: "forced_review", Priority: "high", Overall: 0, Degraded: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(p.attempts.WithLabelValues("ocr", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.attempts.WithLabelValues("ocr", "timeout")))
	assert.InDelta(t, 1.0, testutil.ToFloat64(p.cost.WithLabelValues("ocr")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.decisions.WithLabelValues("invoice", "forced_review", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.degradedRun))
}

type fakePublisher struct {
	subjects []string
	err      error
}

func (f *fakePublisher) Publish(subject string, data any) error {
	f.subjects = append(f.subjects, subject)
	return f.err
}

func TestNATS_PublishesSubjects(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATS(pub, discardLogger())
	n.RecordAttempt(Attempt{Provider: "vision"})
	n.RecordDecision(Decision{DocumentID: "d"})

	assert.Equal(t, []string{SubjectAttempt, SubjectDecision}, pub.subjects)
}

func TestNATS_PublishErrorIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats down")}
	n := NewNATS(pub, discardLogger())
	assert.NotPanics(t, func() { n.RecordAttempt(Attempt{Provider: "vision"}) })
}
