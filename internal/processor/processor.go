// Package processor runs admitted uploads through the pipeline: recognition,
// extraction, validation, scoring and the decision, then records the outcome
// and queues anything that needs a human.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/tally/internal/blobstore"
	"github.com/MikeSquared-Agency/tally/internal/config"
	"github.com/MikeSquared-Agency/tally/internal/decision"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/orchestrator"
	"github.com/MikeSquared-Agency/tally/internal/provider"
	"github.com/MikeSquared-Agency/tally/internal/review"
	"github.com/MikeSquared-Agency/tally/internal/session"
	"github.com/MikeSquared-Agency/tally/internal/telemetry"
	"github.com/MikeSquared-Agency/tally/internal/trust"
	"github.com/MikeSquared-Agency/tally/internal/validator"
)

// Recognizer is satisfied by orchestrator.Orchestrator.
type Recognizer interface {
	Recognize(ctx context.Context, documentID string, img provider.Image) (orchestrator.Result, error)
}

// Extractor is satisfied by extractor.Extractor.
type Extractor interface {
	Extract(ctx context.Context, id string, kind extractor.Kind, text string) (*extractor.Document, error)
}

// Notifier tells reviewers about new queue items. It returns a message
// reference that later reactions point at.
type Notifier interface {
	PostReviewItem(ctx context.Context, item *review.Item) (string, error)
	PostThread(ctx context.Context, ref, text string) error
}

type Deps struct {
	Recognizer Recognizer
	Extractor  Extractor
	Validator  *validator.Validator
	Scorer     *trust.Scorer
	Policy     config.Policy
	Queue      *review.Queue
	Recorder   Recorder
	Blobs      blobstore.Store
	Telemetry  telemetry.Recorder
	// Notifier is optional.
	Notifier Notifier
}

// Processor runs the pipeline stages strictly in order for one document.
type Processor struct {
	recognizer Recognizer
	extractor  Extractor
	validator  *validator.Validator
	scorer     *trust.Scorer
	policy     config.Policy
	queue      *review.Queue
	recorder   Recorder
	blobs      blobstore.Store
	telemetry  telemetry.Recorder
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.Mutex
	pendingItems map[string]string // notifier message ref -> review item ID
}

func New(d Deps, logger *slog.Logger) *Processor {
	rec := d.Telemetry
	if rec == nil {
		rec = telemetry.Nop{}
	}
	return &Processor{
		recognizer:   d.Recognizer,
		extractor:    d.Extractor,
		validator:    d.Validator,
		scorer:       d.Scorer,
		policy:       d.Policy,
		queue:        d.Queue,
		recorder:     d.Recorder,
		blobs:        d.Blobs,
		telemetry:    rec,
		notifier:     d.Notifier,
		logger:       logger,
		now:          time.Now,
		pendingItems: make(map[string]string),
	}
}

// Process runs one admitted upload end to end. Provider and extraction
// failures never fail the run: they produce a degraded document that is
// forced into review. Only cancellation of ctx and persistence errors are
// returned.
func (p *Processor) Process(ctx context.Context, job session.Job) (*Record, error) {
	kind := extractor.ParseKind(job.Kind)
	start := p.now()

	doc, providerID, degradedReason, err := p.recognizeAndExtract(ctx, job, kind)
	if err != nil {
		return nil, err
	}
	degraded := degradedReason != ""

	report := p.validator.ValidateAt(doc, start)
	score := p.scorer.Score(doc, report)
	d := decision.Decide(p.policy, decision.Input{
		Overall:          score.Overall,
		Report:           report,
		TransactionValue: doc.TransactionValue(),
		Degraded:         degraded,
		DegradedReason:   degradedReason,
	})

	rec := &Record{
		ID:         job.DocumentID,
		CallerID:   job.CallerID,
		Kind:       kind,
		BlobKey:    job.BlobKey,
		ProviderID: providerID,
		Degraded:   degraded,
		Document:   doc,
		Report:     report,
		Score:      score,
		Decision:   d,
		Status:     DocumentAutoApproved,
		CreatedAt:  start,
		UpdatedAt:  start,
	}

	var item *review.Item
	if d.NeedsReview() {
		item, err = p.queue.Enqueue(ctx, doc, score.Overall, d)
		if err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", job.DocumentID, err)
		}
		rec.ReviewItemID = item.ID
		rec.Status = DocumentInReview
	}

	if err := p.recorder.SaveDocument(ctx, rec); err != nil {
		return nil, fmt.Errorf("record %s: %w", job.DocumentID, err)
	}

	p.telemetry.RecordDecision(telemetry.Decision{
		DocumentID: rec.ID,
		Kind:       string(kind),
		Verdict:    string(d.Verdict),
		Priority:   string(d.Priority),
		Overall:    score.Overall,
		Degraded:   degraded,
		Violations: len(report.Violations),
	})

	p.logger.Info("document processed",
		"document_id", rec.ID,
		"caller_id", rec.CallerID,
		"kind", kind,
		"provider", providerID,
		"overall", score.Overall,
		"verdict", d.Verdict,
		"priority", d.Priority,
		"violations", len(report.Violations),
		"degraded", degraded,
		"elapsed", p.now().Sub(start),
	)

	if item != nil {
		p.notify(ctx, item)
	}
	return rec, nil
}

// recognizeAndExtract returns the document and a non-empty reason when it is degraded.
func (p *Processor) recognizeAndExtract(ctx context.Context, job session.Job, kind extractor.Kind) (*extractor.Document, string, string, error) {
	data, err := blobstore.ReadAll(ctx, p.blobs, job.BlobKey)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", "", ctx.Err()
		}
		p.logger.Error("read upload failed", "document_id", job.DocumentID, "error", err)
		return extractor.Degraded(job.DocumentID, kind), "", "uploaded document could not be read", nil
	}

	res, err := p.recognizer.Recognize(ctx, job.DocumentID, provider.Image{Data: data, MediaType: job.MediaType})
	if err != nil {
		return nil, "", "", err
	}
	providerID := res.Recognition.ProviderID

	if strings.TrimSpace(res.Recognition.Text) == "" {
		return extractor.Degraded(job.DocumentID, kind), providerID, noTextReason(res), nil
	}

	doc, err := p.extractor.Extract(ctx, job.DocumentID, kind, res.Recognition.Text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", "", ctx.Err()
		}
		var malformed *extractor.MalformedError
		if errors.As(err, &malformed) && malformed.Partial != nil {
			return malformed.Partial, providerID, "extraction output was malformed", nil
		}
		p.logger.Error("extraction failed", "document_id", job.DocumentID, "error", err)
		return extractor.Degraded(job.DocumentID, kind), providerID, "extraction failed", nil
	}

	if res.Degraded {
		return doc, providerID, fmt.Sprintf("no provider cleared its confidence tier (best %s at %.2f)",
			providerID, res.Recognition.Confidence), nil
	}
	return doc, providerID, "", nil
}

func noTextReason(res orchestrator.Result) string {
	if len(res.Failures) == 0 {
		return "recognition produced no text"
	}
	names := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		names = append(names, f.Provider)
	}
	return "all providers failed: " + strings.Join(names, ", ")
}

func (p *Processor) notify(ctx context.Context, item *review.Item) {
	if p.notifier == nil {
		return
	}
	ref, err := p.notifier.PostReviewItem(ctx, item)
	if err != nil {
		p.logger.Error("review notification failed", "item_id", item.ID, "error", err)
		return
	}
	p.mu.Lock()
	p.pendingItems[ref] = item.ID
	p.mu.Unlock()
}

// Summary is the caller-facing description of a processed document.
func Summary(rec *Record) string {
	var what string
	doc := rec.Document
	switch {
	case doc == nil:
		what = "your document"
	case doc.Kind == extractor.KindIdentity:
		what = "ID document"
		if doc.DocumentNumber != "" {
			what += " " + doc.DocumentNumber
		}
		if doc.HolderName != "" {
			what += " for " + doc.HolderName
		}
	default:
		what = "Invoice"
		if doc.InvoiceNumber != "" {
			what += " " + doc.InvoiceNumber
		}
		if doc.VendorName != "" {
			what += " from " + doc.VendorName
		}
		if !doc.GrandTotal.IsZero() {
			cur := strings.ToUpper(doc.Currency)
			if cur == "" {
				cur = "INR"
			}
			what += fmt.Sprintf(" for %s %s", cur, doc.GrandTotal.StringFixed(2))
		}
	}

	if !rec.Decision.NeedsReview() {
		return fmt.Sprintf("%s looks good (confidence %.2f).", what, rec.Score.Overall)
	}
	if rec.Degraded {
		return fmt.Sprintf("We couldn't read %s clearly, so a reviewer will go through it by hand.", what)
	}
	return fmt.Sprintf("%s needs a quick check by our team: %s.", what, rec.Decision.Reason)
}
