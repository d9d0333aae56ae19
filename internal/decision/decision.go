// Package decision routes a scored document to auto-approval or human review.
package decision

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MikeSquared-Agency/tally/internal/config"
	"github.com/MikeSquared-Agency/tally/internal/validator"
)

type Verdict string

const (
	VerdictAutoApprove  Verdict = "auto_approve"
	VerdictReview       Verdict = "review"
	VerdictForcedReview Verdict = "forced_review"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for queue listing: high first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Input is everything the engine looks at.
type Input struct {
	Overall          float64
	Report           validator.Report
	TransactionValue decimal.Decimal
	// Degraded is set when recognition exhausted every provider without a
	// confident result or extraction was malformed.
	Degraded       bool
	DegradedReason string
}

type Decision struct {
	Verdict  Verdict  `json:"verdict"`
	Priority Priority `json:"priority,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// NeedsReview is true for every verdict except auto_approve.
func (d Decision) NeedsReview() bool {
	return d.Verdict != VerdictAutoApprove
}

// Decide is pure: the same policy and input always yield the same decision.
// The generic branch runs first, then the high-value and degraded overrides,
// each of which can only raise the outcome.
func Decide(p config.Policy, in Input) Decision {
	d := generic(p, in)

	threshold := decimal.NewFromFloat(p.HighValueThreshold)
	if in.TransactionValue.GreaterThan(threshold) && in.Overall < p.HighValueMinConfidence {
		d = Decision{
			Verdict:  VerdictForcedReview,
			Priority: PriorityHigh,
			Reason: fmt.Sprintf("transaction value %s exceeds %s and confidence %.4f is below %.2f",
				in.TransactionValue.StringFixed(2), threshold.StringFixed(2), in.Overall, p.HighValueMinConfidence),
		}
	}

	if in.Degraded {
		reason := in.DegradedReason
		if reason == "" {
			reason = "recognition or extraction degraded"
		}
		d = Decision{Verdict: VerdictForcedReview, Priority: PriorityHigh, Reason: reason}
	}
	return d
}

func generic(p config.Policy, in Input) Decision {
	critical := in.Report.HasCritical()
	warnings := in.Report.Count(validator.SeverityWarning)

	if in.Overall >= p.AutoApprove && !critical {
		if p.WarningsRequireReview && warnings > 0 {
			return Decision{
				Verdict:  VerdictReview,
				Priority: PriorityLow,
				Reason:   fmt.Sprintf("%d validation warning(s): %s", warnings, ruleList(in.Report, validator.SeverityWarning)),
			}
		}
		return Decision{Verdict: VerdictAutoApprove}
	}

	var reasons []string
	if in.Overall < p.AutoApprove {
		reasons = append(reasons, fmt.Sprintf("confidence %.4f below %.2f", in.Overall, p.AutoApprove))
	}
	if critical {
		reasons = append(reasons, "critical violations: "+ruleList(in.Report, validator.SeverityCritical))
	}

	var priority Priority
	switch {
	case in.Overall < p.HighPriorityBelow || in.Report.HasCriticalIdentifier():
		priority = PriorityHigh
	case in.Overall < p.AutoApprove || in.TransactionValue.GreaterThan(decimal.NewFromFloat(p.HighValueThreshold)):
		priority = PriorityMedium
	default:
		priority = PriorityLow
	}

	return Decision{Verdict: VerdictReview, Priority: priority, Reason: strings.Join(reasons, "; ")}
}

func ruleList(r validator.Report, sev validator.Severity) string {
	var ids []string
	for _, v := range r.Violations {
		if v.Severity == sev {
			ids = append(ids, v.RuleID)
		}
	}
	return strings.Join(ids, ", ")
}
