package slack

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// ReactionEvent is the structure received from slack-forwarder via NATS.
type ReactionEvent struct {
	Reaction  string `json:"reaction"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Channel   string `json:"channel"`
	MessageTS string `json:"message_ts"`
}

// ReviewVerdict is what a reviewer asked for on a posted queue item.
type ReviewVerdict string

const (
	VerdictClaim   ReviewVerdict = "claim"
	VerdictApprove ReviewVerdict = "approve"
	VerdictReject  ReviewVerdict = "reject"
	VerdictUnknown ReviewVerdict = "unknown"
)

// ParseReaction converts a Slack reaction emoji name to a review verdict.
func ParseReaction(reaction string) ReviewVerdict {
	switch reaction {
	case "eyes":
		return VerdictClaim
	case "+1", "thumbsup", "white_check_mark":
		return VerdictApprove
	case "-1", "thumbsdown", "x":
		return VerdictReject
	default:
		return VerdictUnknown
	}
}

// ParseReactionEvent parses a NATS message payload from slack-forwarder into a ReactionEvent.
func ParseReactionEvent(data []byte, logger *slog.Logger) (*ReactionEvent, error) {
	// The slack-forwarder publishes events with metadata in a wrapper.
	var wrapper struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse reaction wrapper: %w", err)
	}

	evt := &ReactionEvent{
		Reaction:  wrapper.Metadata["text"],
		UserID:    wrapper.Metadata["user_id"],
		UserName:  wrapper.Metadata["user_name"],
		Channel:   wrapper.Metadata["channel_id"],
		MessageTS: wrapper.Metadata["message_ts"],
	}

	evt.Reaction = strings.TrimSuffix(strings.TrimPrefix(evt.Reaction, ":"), ":")
	if evt.MessageTS == "" {
		logger.Debug("reaction without message ts", "reaction", evt.Reaction)
	}
	return evt, nil
}

// InteractionEvent matches the slack-gateway interaction event format.
type InteractionEvent struct {
	ActionID  string `json:"action_id"`
	Value     string `json:"value"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	ChannelID string `json:"channel_id"`
	MessageTS string `json:"message_ts"`
}

// Reviewer is the name recorded as assignee for a Slack user.
func (e InteractionEvent) Reviewer() string {
	return reviewerName(e.UserName, e.UserID)
}

func (e ReactionEvent) Reviewer() string {
	return reviewerName(e.UserName, e.UserID)
}

func reviewerName(name, id string) string {
	if name != "" {
		return name
	}
	if id != "" {
		return "slack:" + id
	}
	return ""
}

const (
	actionClaim   = "review_claim:"
	actionApprove = "review_approve:"
	actionReject  = "review_reject:"
)

// ParseAction splits a button action ID into its verdict and review item ID.
func ParseAction(actionID string) (ReviewVerdict, string) {
	for prefix, v := range map[string]ReviewVerdict{
		actionClaim:   VerdictClaim,
		actionApprove: VerdictApprove,
		actionReject:  VerdictReject,
	} {
		if id, ok := strings.CutPrefix(actionID, prefix); ok && id != "" {
			return v, id
		}
	}
	return VerdictUnknown, ""
}
