package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/tally/internal/decision"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/review"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// PostReviewItem posts a queue item for reviewers. Returns the message
// timestamp (ts) which is used for tracking reactions.
func (p *Poster) PostReviewItem(ctx context.Context, item *review.Item) (string, error) {
	text := formatItemMessage(item)

	ts, err := p.post(ctx, map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "actions",
				"elements": []map[string]any{
					button("Claim", actionClaim+item.ID, ""),
					button("Approve", actionApprove+item.ID, "primary"),
					button("Reject", actionReject+item.ID, "danger"),
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": "React: :eyes: claim | :+1: approve as extracted | :-1: reject",
					},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}

	p.logger.Info("posted review item to slack", "ts", ts, "item_id", item.ID, "priority", item.Priority)
	return ts, nil
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	_, err := p.post(ctx, map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	return err
}

func (p *Poster) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

func button(label, actionID, style string) map[string]any {
	b := map[string]any{
		"type":      "button",
		"action_id": actionID,
		"text":      map[string]any{"type": "plain_text", "text": label},
	}
	if style != "" {
		b["style"] = style
	}
	return b
}

var priorityIcon = map[decision.Priority]string{
	decision.PriorityHigh:   ":red_circle:",
	decision.PriorityMedium: ":large_orange_circle:",
	decision.PriorityLow:    ":white_circle:",
}

func formatItemMessage(item *review.Item) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s *%s review* (%s) | %s\n", priorityIcon[item.Priority], item.Priority, item.Verdict, item.Kind)
	fmt.Fprintf(&sb, "*Reason:* %s\n", item.Reason)
	fmt.Fprintf(&sb, "*Confidence:* %.2f\n", item.OriginalScore)

	doc := item.Document
	if doc == nil {
		return sb.String()
	}
	switch doc.Kind {
	case extractor.KindIdentity:
		fmt.Fprintf(&sb, "*Holder:* %s | *Number:* %s | *DOB:* %s\n", orDash(doc.HolderName), orDash(doc.DocumentNumber), orDash(doc.DateOfBirth))
	default:
		fmt.Fprintf(&sb, "*Invoice:* %s dated %s\n", orDash(doc.InvoiceNumber), orDash(doc.IssueDate))
		fmt.Fprintf(&sb, "*Vendor:* %s (%s)\n", orDash(doc.VendorName), orDash(doc.VendorGSTIN))
		fmt.Fprintf(&sb, "*Total:* %s %s across %d line items\n", orDash(doc.Currency), doc.GrandTotal.StringFixed(2), len(doc.LineItems))
	}
	if len(doc.UnclearFields) > 0 {
		fmt.Fprintf(&sb, "*Unclear:* %s\n", strings.Join(doc.UnclearFields, ", "))
	}
	return sb.String()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
