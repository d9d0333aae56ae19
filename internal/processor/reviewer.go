package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MikeSquared-Agency/tally/internal/review"
	"github.com/MikeSquared-Agency/tally/internal/slack"
)

// HandleReaction processes Slack reaction feedback from slack-forwarder via NATS.
// Reactions on posted review items drive the review queue.
func (p *Processor) HandleReaction(subject string, data []byte) {
	ctx := context.Background()

	evt, err := slack.ParseReactionEvent(data, p.logger)
	if err != nil {
		p.logger.Error("failed to parse reaction", "error", err)
		return
	}

	verdict := slack.ParseReaction(evt.Reaction)
	if verdict == slack.VerdictUnknown {
		return // not a review reaction
	}

	p.mu.Lock()
	itemID, ok := p.pendingItems[evt.MessageTS]
	p.mu.Unlock()
	if !ok {
		return // not a message we're tracking
	}

	p.applyVerdict(ctx, itemID, verdict, evt.Reviewer(), evt.MessageTS)
}

// HandleInteraction processes review button clicks from the slack gateway.
func (p *Processor) HandleInteraction(subject string, data []byte) {
	var evt slack.InteractionEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		p.logger.Warn("failed to parse interaction event", "error", err)
		return
	}

	verdict, itemID := slack.ParseAction(evt.ActionID)
	if verdict == slack.VerdictUnknown {
		return // not a review action, ignore
	}
	p.applyVerdict(context.Background(), itemID, verdict, evt.Reviewer(), evt.MessageTS)
}

func (p *Processor) applyVerdict(ctx context.Context, itemID string, verdict slack.ReviewVerdict, reviewer, ref string) {
	item, err := p.Review(ctx, itemID, verdict, reviewer)
	if err != nil {
		p.logger.Warn("review action failed",
			"item_id", itemID,
			"verdict", verdict,
			"reviewer", reviewer,
			"error", err,
		)
		return
	}

	p.logger.Info("review action applied",
		"item_id", item.ID,
		"verdict", verdict,
		"reviewer", reviewer,
		"status", item.Status,
	)
	if !item.Status.Terminal() {
		return
	}

	p.mu.Lock()
	for k, v := range p.pendingItems {
		if v == item.ID {
			delete(p.pendingItems, k)
		}
	}
	p.mu.Unlock()

	if p.notifier != nil && ref != "" {
		text := fmt.Sprintf("%s by %s.", item.Status, reviewer)
		if err := p.notifier.PostThread(ctx, ref, text); err != nil {
			p.logger.Error("failed to post review thread", "error", err)
		}
	}
}

// Review applies a reviewer verdict. Approving a pending item claims it first;
// approval through chat keeps the extraction as is.
func (p *Processor) Review(ctx context.Context, itemID string, verdict slack.ReviewVerdict, reviewer string) (*review.Item, error) {
	if reviewer == "" {
		return nil, fmt.Errorf("review %s: reviewer unknown", itemID)
	}
	switch verdict {
	case slack.VerdictClaim:
		return p.queue.Assign(ctx, itemID, reviewer)
	case slack.VerdictReject:
		return p.queue.Reject(ctx, itemID, "rejected by "+reviewer)
	case slack.VerdictApprove:
		item, err := p.queue.Get(ctx, itemID)
		if err != nil {
			return nil, err
		}
		if item.Status == review.StatusPending {
			if _, err := p.queue.Assign(ctx, itemID, reviewer); err != nil {
				return nil, err
			}
		}
		return p.queue.Approve(ctx, itemID)
	}
	return nil, fmt.Errorf("review %s: unsupported verdict %q", itemID, verdict)
}
