package refinement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/hermes"
	"github.com/MikeSquared-Agency/tally/internal/review"
)

// Proposal asks prompt owners to revisit a section after reviewers kept
// making the same correction.
type Proposal struct {
	Kind           extractor.Kind `json:"kind"`
	PromptVersion  string         `json:"prompt_version"`
	Field          string         `json:"field"`
	Section        string         `json:"target_section"`
	Original       string         `json:"original"`
	Corrected      string         `json:"corrected"`
	Class          review.Class   `json:"class,omitempty"`
	Count          int            `json:"count"`
	ProposedChange string         `json:"proposed_change"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Bus is the publish half of the hermes client.
type Bus interface {
	Publish(subject string, data any) error
}

// Publisher publishes refinement proposals and review correction signals to NATS.
type Publisher struct {
	bus    Bus
	logger *slog.Logger
}

func NewPublisher(bus Bus, logger *slog.Logger) *Publisher {
	return &Publisher{bus: bus, logger: logger}
}

// Propose publishes a refinement proposal on pattern.refinement.proposed.
func (p *Publisher) Propose(prop Proposal) error {
	prop.ProposedChange = proposedChange(prop)
	if prop.Timestamp.IsZero() {
		prop.Timestamp = time.Now().UTC()
	}
	return p.bus.Publish(hermes.SubjectRefinement, prop)
}

// ItemResolved emits a correction signal for every resolved review item.
func (p *Publisher) ItemResolved(_ context.Context, item *review.Item) {
	signal := hermes.CorrectionSignal{
		ItemID:        item.ID,
		DocumentID:    item.DocumentID,
		Kind:          string(item.Kind),
		Outcome:       string(item.Status),
		Assignee:      item.Assignee,
		OriginalScore: item.OriginalScore,
	}
	if item.Document != nil {
		signal.PromptVersion = item.Document.PromptVersion
	}
	if item.Status == review.StatusApproved && len(item.Corrections) > 0 {
		signal.Fields = make(map[string]int)
		signal.Classes = make(map[string]int)
		for _, c := range item.Corrections {
			signal.Fields[NormalizeField(c.FieldPath)]++
			signal.Classes[string(c.Class)]++
		}
	}
	if err := p.bus.Publish(hermes.SubjectCorrection, signal); err != nil {
		p.logger.Warn("publish correction signal failed", "item_id", item.ID, "error", err)
	}
}

func proposedChange(p Proposal) string {
	switch p.Class {
	case review.ClassFormat:
		return fmt.Sprintf("Clarify the expected format of %s in %s: reviewers rewrote %q as %q %d times",
			p.Field, p.Section, p.Original, p.Corrected, p.Count)
	case review.ClassClassification:
		return fmt.Sprintf("Add classification guidance to %s: %s %q was corrected to %q %d times",
			p.Section, p.Field, p.Original, p.Corrected, p.Count)
	case review.ClassMissing:
		return fmt.Sprintf("Emphasise extracting %s in %s: it was missed and supplied as %q %d times",
			p.Field, p.Section, p.Corrected, p.Count)
	case review.ClassExtra:
		return fmt.Sprintf("Warn against hallucinating %s in %s: %q was removed %d times",
			p.Field, p.Section, p.Original, p.Count)
	default:
		return fmt.Sprintf("Review %s for %s: %q was corrected to %q %d times",
			p.Section, p.Field, p.Original, p.Corrected, p.Count)
	}
}
