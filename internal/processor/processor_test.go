package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/tally/internal/anthropic"
	"github.com/MikeSquared-Agency/tally/internal/blobstore"
	"github.com/MikeSquared-Agency/tally/internal/config"
	"github.com/MikeSquared-Agency/tally/internal/decision"
	"github.com/MikeSquared-Agency/tally/internal/dedup"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/hermes"
	"github.com/MikeSquared-Agency/tally/internal/orchestrator"
	"github.com/MikeSquared-Agency/tally/internal/provider"
	"github.com/MikeSquared-Agency/tally/internal/review"
	"github.com/MikeSquared-Agency/tally/internal/session"
	"github.com/MikeSquared-Agency/tally/internal/telemetry"
	"github.com/MikeSquared-Agency/tally/internal/trust"
	"github.com/MikeSquared-Agency/tally/internal/validator"
)

const caller = "whatsapp:+919800000001"

var processedAt = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const confidentScores = `"confidence_scores": {
    "invoice_number": 0.99, "issue_date": 0.98, "due_date": 0.97, "vendor_name": 0.99,
    "vendor_gstin": 0.99, "customer_name": 0.98, "customer_gstin": 0.98, "place_of_supply": 0.96,
    "currency": 0.99, "line_items": 0.97, "taxes.cgst": 0.98, "taxes.sgst": 0.98, "taxes.igst": 0.99,
    "subtotal": 0.98, "grand_total": 0.99
  }`

// Scenario A: same-region invoice, CGST = SGST, total = subtotal + taxes.
const cleanInvoice = `{
  "invoice_number": "INV-2024-0042",
  "issue_date": "2024-05-28",
  "due_date": "2024-06-27",
  "vendor_name": "Acme Traders",
  "vendor_gstin": "27AAPFU0939F1ZV",
  "customer_name": "Globex Pvt Ltd",
  "customer_gstin": "27AABCU9603R1ZN",
  "currency": "INR",
  "line_items": [
    {"description": "Steel bolts", "hsn_code": "7318", "code_type": "goods", "quantity": 100, "unit_price": 10, "taxable_amount": 1000, "tax_rate": 18, "tax_amount": 180}
  ],
  "taxes": {"cgst": 90, "sgst": 90, "igst": 0},
  "subtotal": 1000,
  "grand_total": 1180,
  ` + confidentScores + `
}`

// Scenario B: no customer identifier and a grand total 50 over.
const brokenInvoice = `{
  "invoice_number": "INV-2024-0043",
  "issue_date": "2024-05-28",
  "vendor_name": "Acme Traders",
  "vendor_gstin": "27AAPFU0939F1ZV",
  "customer_name": "Walk-in",
  "currency": "INR",
  "line_items": [
    {"description": "Steel bolts", "hsn_code": "7318", "code_type": "goods", "quantity": 100, "unit_price": 10, "taxable_amount": 1000, "tax_rate": 18, "tax_amount": 180}
  ],
  "taxes": {"cgst": 90, "sgst": 90, "igst": 0},
  "subtotal": 1000,
  "grand_total": 1230,
  ` + confidentScores + `
}`

type fakeCaller struct {
	text       string
	confidence float64
	err        error
}

func (f *fakeCaller) Recognize(_ context.Context, p provider.Provider, _ provider.Image) (provider.Recognition, error) {
	if f.err != nil {
		return provider.Recognition{}, &provider.Error{Provider: p.Descriptor.ID, Kind: f.err}
	}
	return provider.Recognition{ProviderID: p.Descriptor.ID, Text: f.text, Confidence: f.confidence, Cost: p.Descriptor.Cost}, nil
}

type fixedLLM struct{ reply string }

func (f fixedLLM) Complete(context.Context, string, []anthropic.Message, int) (string, error) {
	return f.reply, nil
}

type fakeBus struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (b *fakeBus) Publish(subject string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		b.msgs = make(map[string][][]byte)
	}
	b.msgs[subject] = append(b.msgs[subject], raw)
	return nil
}

func (b *fakeBus) replies(t *testing.T) []session.Reply {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []session.Reply
	for _, raw := range b.msgs[hermes.OutboundSubject(caller)] {
		var r session.Reply
		require.NoError(t, json.Unmarshal(raw, &r))
		out = append(out, r)
	}
	return out
}

type fakeNotifier struct {
	mu      sync.Mutex
	posted  []string
	threads []string
}

func (n *fakeNotifier) PostReviewItem(_ context.Context, item *review.Item) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posted = append(n.posted, item.ID)
	return "ts-" + item.ID, nil
}

func (n *fakeNotifier) PostThread(_ context.Context, ref, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.threads = append(n.threads, ref+": "+text)
	return nil
}

type harness struct {
	proc     *Processor
	intake   *Intake
	machine  *session.Machine
	queue    *review.Queue
	recorder *MemoryRecorder
	bus      *fakeBus
	notifier *fakeNotifier
	tel      *telemetry.Memory
}

func newHarness(t *testing.T, rc *fakeCaller, llmReply string) *harness {
	t.Helper()
	logger := discardLogger()
	h := &harness{
		recorder: NewMemoryRecorder(),
		bus:      &fakeBus{},
		notifier: &fakeNotifier{},
		tel:      &telemetry.Memory{},
	}
	blobs := blobstore.NewMemory()
	h.queue = review.NewQueue(review.NewMemoryRepository(), logger, NewDocumentSink(h.recorder, logger))

	providers := []provider.Provider{
		{Descriptor: provider.Descriptor{ID: "ocr", Cost: 0.001}},
		{Descriptor: provider.Descriptor{ID: "vision", Cost: 0.01}},
	}
	orch := orchestrator.New(rc, providers, logger,
		orchestrator.WithRetryBackoff(time.Millisecond),
		orchestrator.WithRecorder(h.tel),
	)

	policy := config.DefaultPolicy()
	h.proc = New(Deps{
		Recognizer: orch,
		Extractor:  extractor.New(fixedLLM{reply: llmReply}, logger),
		Validator:  validator.New(validator.DefaultOptions()),
		Scorer:     trust.NewScorer(policy.CriticalCap),
		Policy:     policy,
		Queue:      h.queue,
		Recorder:   h.recorder,
		Blobs:      blobs,
		Telemetry:  h.tel,
		Notifier:   h.notifier,
	}, logger)
	h.proc.now = func() time.Time { return processedAt }

	h.intake = NewIntake(h.proc, h.bus, 2, logger)
	h.machine = session.NewMachine(
		session.NewMemoryStore(),
		dedup.NewMemory(time.Hour),
		session.NewLimiter(20, time.Hour, nil),
		blobs,
		h.intake,
		NewConfirmer(h.recorder, h.queue, logger),
		session.Config{},
		logger,
	)
	h.intake.Bind(h.machine)
	return h
}

// upload sends a document and waits for the pipeline to finish.
func (h *harness) upload(t *testing.T) *Record {
	t.Helper()
	ctx := context.Background()
	h.intake.Handle(ctx, session.Event{CallerID: caller, Type: session.EventText, Text: "hi"})
	h.intake.Handle(ctx, session.Event{CallerID: caller, Type: session.EventMedia, Media: []byte("jpeg-bytes"), MediaType: "image/jpeg"})
	require.NoError(t, h.intake.Shutdown(ctx))

	s, err := h.machine.Session(ctx, caller)
	require.NoError(t, err)
	rec, err := h.recorder.Document(ctx, s.DocumentID)
	require.NoError(t, err)
	return rec
}

func TestScenarioA_CleanInvoiceAutoApproves(t *testing.T) {
	h := newHarness(t, &fakeCaller{text: "TAX INVOICE INV-2024-0042 ...", confidence: 0.93}, cleanInvoice)
	rec := h.upload(t)

	assert.Equal(t, decision.VerdictAutoApprove, rec.Decision.Verdict)
	assert.GreaterOrEqual(t, rec.Score.Overall, 0.95)
	assert.False(t, rec.Report.HasCritical())
	assert.Equal(t, DocumentAutoApproved, rec.Status)
	assert.Empty(t, rec.ReviewItemID)
	assert.Empty(t, h.notifier.posted)

	replies := h.bus.replies(t)
	require.Len(t, replies, 3)
	assert.Equal(t, session.ReplyUploadPrompt, replies[0].Code)
	assert.Equal(t, session.ReplyReceived, replies[1].Code)
	assert.Equal(t, session.ReplyConfirm, replies[2].Code)
	assert.Contains(t, replies[2].Text, "INV-2024-0042")
	assert.Contains(t, replies[2].Text, "looks good")

	s, _ := h.machine.Session(context.Background(), caller)
	assert.Equal(t, session.StateAwaitingConfirmation, s.State)

	ds := h.tel.Decisions()
	require.Len(t, ds, 1)
	assert.Equal(t, "auto_approve", ds[0].Verdict)
	assert.Len(t, h.tel.Attempts(), 1, "cheapest provider cleared its tier")
}

func TestScenarioB_BrokenInvoiceNeedsHighPriorityReview(t *testing.T) {
	h := newHarness(t, &fakeCaller{text: "TAX INVOICE INV-2024-0043 ...", confidence: 0.93}, brokenInvoice)
	rec := h.upload(t)

	assert.True(t, rec.Report.HasCritical())
	assert.Equal(t, decision.VerdictReview, rec.Decision.Verdict)
	assert.Equal(t, decision.PriorityHigh, rec.Decision.Priority)
	assert.LessOrEqual(t, rec.Score.Overall, 0.80)
	assert.Equal(t, DocumentInReview, rec.Status)

	var rules []string
	for _, v := range rec.Report.Violations {
		rules = append(rules, v.RuleID+":"+string(v.Severity))
	}
	assert.Contains(t, rules, validator.RuleGrandTotal+":critical")

	item, err := h.queue.Get(context.Background(), rec.ReviewItemID)
	require.NoError(t, err)
	assert.Equal(t, review.StatusPending, item.Status)
	assert.Equal(t, []string{item.ID}, h.notifier.posted)

	replies := h.bus.replies(t)
	assert.Contains(t, replies[len(replies)-1].Text, "needs a quick check")
}

func TestScenarioC_AllProvidersTimeOut(t *testing.T) {
	h := newHarness(t, &fakeCaller{err: provider.ErrProviderTimeout}, cleanInvoice)
	rec := h.upload(t)

	assert.True(t, rec.Degraded)
	assert.Equal(t, decision.VerdictForcedReview, rec.Decision.Verdict)
	assert.Equal(t, decision.PriorityHigh, rec.Decision.Priority)
	assert.NotEmpty(t, rec.Document.UnclearFields)
	assert.Contains(t, rec.Decision.Reason, "all providers failed")
	assert.NotEmpty(t, rec.ReviewItemID)

	// Two providers, each retried once.
	assert.Len(t, h.tel.Attempts(), 4)
}

func TestProcess_MalformedExtractionIsForcedReview(t *testing.T) {
	h := newHarness(t, &fakeCaller{text: "some text", confidence: 0.95}, "I could not read this invoice, sorry.")
	rec := h.upload(t)

	assert.True(t, rec.Degraded)
	assert.Equal(t, decision.VerdictForcedReview, rec.Decision.Verdict)
	assert.Contains(t, rec.Decision.Reason, "malformed")
	assert.NotEmpty(t, rec.Document.UnclearFields)
}

func TestProcess_MissingBlobIsForcedReview(t *testing.T) {
	h := newHarness(t, &fakeCaller{text: "x", confidence: 0.95}, cleanInvoice)
	rec, err := h.proc.Process(context.Background(), session.Job{
		CallerID:   caller,
		DocumentID: "doc-missing",
		BlobKey:    "uploads/doc-missing",
	})
	require.NoError(t, err)
	assert.True(t, rec.Degraded)
	assert.Equal(t, decision.VerdictForcedReview, rec.Decision.Verdict)
}

func TestConfirm_ApproveFilesAutoApproved(t *testing.T) {
	h := newHarness(t, &fakeCaller{text: "x", confidence: 0.93}, cleanInvoice)
	rec := h.upload(t)
	ctx := context.Background()

	reply, err := h.machine.Handle(ctx, session.Event{CallerID: caller, Type: session.EventAction, Action: session.ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, session.ReplyDone, reply.Code)

	got, err := h.recorder.Document(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentConfirmed, got.Status)

	s, _ := h.machine.Session(ctx, caller)
	assert.Equal(t, session.StateIdle, s.State)
	assert.Empty(t, s.PendingRef)
}

func TestConfirm_EditQueuesForReview(t *testing.T) {
	h := newHarness(t, &fakeCaller{text: "x", confidence: 0.93}, cleanInvoice)
	rec := h.upload(t)
	ctx := context.Background()

	reply, err := h.machine.Handle(ctx, session.Event{CallerID: caller, Type: session.EventAction, Action: session.ActionEdit, Text: "due date is wrong"})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "reviewer")

	items, err := h.queue.List(ctx, review.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, rec.ID, items[0].DocumentID)
	assert.Equal(t, decision.VerdictForcedReview, items[0].Verdict)
	assert.Contains(t, items[0].Reason, "due date is wrong")
}

func TestConfirm_RejectDiscardsAndClosesItem(t *testing.T) {
	h := newHarness(t, &fakeCaller{text: "x", confidence: 0.93}, brokenInvoice)
	rec := h.upload(t)
	ctx := context.Background()

	_, err := h.machine.Handle(ctx, session.Event{CallerID: caller, Type: session.EventAction, Action: session.ActionReject})
	require.NoError(t, err)

	item, err := h.queue.Get(ctx, rec.ReviewItemID)
	require.NoError(t, err)
	assert.Equal(t, review.StatusRejected, item.Status)
	got, _ := h.recorder.Document(ctx, rec.ID)
	assert.Equal(t, DocumentDiscarded, got.Status)
}

func TestHandleReaction_ApproveFromSlack(t *testing.T) {
	h := newHarness(t, &fakeCaller{text: "x", confidence: 0.93}, brokenInvoice)
	rec := h.upload(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{"metadata": map[string]string{
		"text":       ":+1:",
		"user_name":  "asha",
		"message_ts": "ts-" + rec.ReviewItemID,
	}})
	h.proc.HandleReaction(hermes.SubjectReaction, payload)

	item, err := h.queue.Get(ctx, rec.ReviewItemID)
	require.NoError(t, err)
	assert.Equal(t, review.StatusApproved, item.Status)
	assert.Equal(t, "asha", item.Assignee)

	got, _ := h.recorder.Document(ctx, rec.ID)
	assert.Equal(t, DocumentConfirmed, got.Status)
	require.Len(t, h.notifier.threads, 1)
	assert.True(t, strings.HasPrefix(h.notifier.threads[0], "ts-"+rec.ReviewItemID))

	// The message is no longer tracked.
	h.proc.HandleReaction(hermes.SubjectReaction, payload)
	assert.Len(t, h.notifier.threads, 1)
}

func TestHandleInteraction_ClaimThenReject(t *testing.T) {
	h := newHarness(t, &fakeCaller{text: "x", confidence: 0.93}, brokenInvoice)
	rec := h.upload(t)
	ctx := context.Background()

	click := func(action string) {
		data, _ := json.Marshal(map[string]string{"action_id": action + rec.ReviewItemID, "user_name": "ravi"})
		h.proc.HandleInteraction(hermes.SubjectInteraction, data)
	}

	click("review_claim:")
	item, _ := h.queue.Get(ctx, rec.ReviewItemID)
	assert.Equal(t, review.StatusInReview, item.Status)
	assert.Equal(t, "ravi", item.Assignee)

	click("review_reject:")
	item, _ = h.queue.Get(ctx, rec.ReviewItemID)
	assert.Equal(t, review.StatusRejected, item.Status)
	assert.Equal(t, "rejected by ravi", item.RejectReason)
}

type failingRecorder struct {
	*MemoryRecorder
}

func (failingRecorder) SaveDocument(context.Context, *Record) error {
	return errors.New("connection refused")
}

func TestIntake_PersistenceFailureReleasesCaller(t *testing.T) {
	h := newHarness(t, &fakeCaller{text: "TAX INVOICE", confidence: 0.93}, cleanInvoice)
	h.proc.recorder = failingRecorder{h.recorder}
	ctx := context.Background()
	upload := session.Event{CallerID: caller, Type: session.EventMedia, Media: []byte("jpeg-bytes"), MediaType: "image/jpeg"}

	h.intake.Handle(ctx, upload)
	require.NoError(t, h.intake.Shutdown(ctx))

	s, err := h.machine.Session(ctx, caller)
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingDocument, s.State)
	assert.Empty(t, s.PendingRef)

	replies := h.bus.replies(t)
	require.Len(t, replies, 2)
	assert.ElementsMatch(t, []session.ReplyCode{session.ReplyReceived, session.ReplyFailed},
		[]session.ReplyCode{replies[0].Code, replies[1].Code})

	// The fingerprint was released, so the resend is not treated as a duplicate.
	h.intake.Handle(ctx, upload)
	replies = h.bus.replies(t)
	assert.NotEqual(t, session.ReplyDuplicate, replies[len(replies)-1].Code)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	release := make(chan struct{})
	pool := NewPool(2, func(ctx context.Context, job session.Job) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
	}, discardLogger())

	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(context.Background(), session.Job{DocumentID: "d"}))
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))

	assert.Equal(t, 2, peak)
	assert.ErrorIs(t, pool.Submit(context.Background(), session.Job{}), ErrPoolClosed)
}

func TestSummary(t *testing.T) {
	doc := extractor.NewDocument("d", extractor.KindIdentity)
	doc.DocumentNumber = "ABCDE1234F"
	doc.HolderName = "Priya Sharma"
	rec := &Record{Document: doc, Decision: decision.Decision{Verdict: decision.VerdictAutoApprove}, Score: trust.Score{Overall: 0.96}}
	assert.Equal(t, "ID document ABCDE1234F for Priya Sharma looks good (confidence 0.96).", Summary(rec))

	rec.Decision = decision.Decision{Verdict: decision.VerdictReview, Reason: "expiry before issue"}
	assert.Contains(t, Summary(rec), "expiry before issue")
}
