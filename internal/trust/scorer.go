// Package trust turns per-field confidences and validation results into one
// document-level confidence score.
package trust

import (
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/validator"
)

// DefaultCriticalCap bounds the overall score of a document with any critical violation.
const DefaultCriticalCap = 0.80

// Group is a weighted set of schema fields.
type Group struct {
	Name   string
	Weight float64
	Fields []string
}

var invoiceGroups = []Group{
	{Name: "identifiers", Weight: 0.25, Fields: []string{"vendor_gstin", "customer_gstin", "invoice_number"}},
	{Name: "line_items", Weight: 0.25, Fields: []string{"line_items"}},
	{Name: "tax", Weight: 0.20, Fields: []string{"taxes.cgst", "taxes.sgst", "taxes.igst"}},
	{Name: "grand_total", Weight: 0.15, Fields: []string{"grand_total"}},
	{Name: "header", Weight: 0.15, Fields: []string{
		"issue_date", "due_date", "vendor_name", "customer_name", "place_of_supply", "currency", "subtotal",
	}},
}

var identityGroups = []Group{
	{Name: "identifiers", Weight: 0.40, Fields: []string{"document_number", "issuing_authority"}},
	{Name: "holder", Weight: 0.35, Fields: []string{"holder_name", "date_of_birth"}},
	{Name: "validity", Weight: 0.25, Fields: []string{"issue_date", "expiry_date"}},
}

// Groups returns the weight table for a document kind.
func Groups(kind extractor.Kind) []Group {
	if kind == extractor.KindIdentity {
		return identityGroups
	}
	return invoiceGroups
}

// Score is the combined confidence of one document.
type Score struct {
	Overall float64            `json:"overall"`
	Groups  map[string]float64 `json:"groups"`
	Weights map[string]float64 `json:"weights"`
	Capped  bool               `json:"capped,omitempty"`
}

type Scorer struct {
	criticalCap float64
}

// NewScorer returns a scorer; a cap outside (0,1] falls back to DefaultCriticalCap.
func NewScorer(criticalCap float64) *Scorer {
	if criticalCap <= 0 || criticalCap > 1 {
		criticalCap = DefaultCriticalCap
	}
	return &Scorer{criticalCap: criticalCap}
}

// Score computes Overall = Σ w·c / Σ w over the kind's groups, where a group's
// confidence is the mean of its fields (missing fields count as zero).
func (s *Scorer) Score(doc *extractor.Document, report validator.Report) Score {
	groups := Groups(doc.Kind)
	out := Score{
		Groups:  make(map[string]float64, len(groups)),
		Weights: make(map[string]float64, len(groups)),
	}

	var weighted, total float64
	for _, g := range groups {
		c := GroupConfidence(doc.Confidence, g.Fields)
		out.Groups[g.Name] = c
		out.Weights[g.Name] = g.Weight
		weighted += g.Weight * c
		total += g.Weight
	}
	if total > 0 {
		out.Overall = clamp(weighted / total)
	}

	if report.HasCritical() && out.Overall > s.criticalCap {
		out.Overall = s.criticalCap
		out.Capped = true
	}
	return out
}

// GroupConfidence is the mean confidence of fields.
func GroupConfidence(confidence map[string]float64, fields []string) float64 {
	if len(fields) == 0 {
		return 0
	}
	var sum float64
	for _, f := range fields {
		sum += clamp(confidence[f])
	}
	return sum / float64(len(fields))
}

func clamp(score float64) float64 {
	if score < 0.0 {
		return 0.0
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}
