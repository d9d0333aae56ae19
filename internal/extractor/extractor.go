package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/MikeSquared-Agency/tally/internal/anthropic"
	"github.com/MikeSquared-Agency/tally/internal/llmjson"
)

// DefaultFieldConfidence is assigned to schema fields the provider did not score.
const DefaultFieldConfidence = 0.5

// salvagedFieldConfidence applies to values scraped from unparseable output.
const salvagedFieldConfidence = 0.3

const maxTokens = 4096

// ErrMalformedExtraction means the provider's output could not be parsed even
// after one repair round-trip.
var ErrMalformedExtraction = errors.New("malformed extraction")

// MalformedError carries whatever could be salvaged so the document can still
// be routed to review.
type MalformedError struct {
	Raw     string
	Partial *Document
	Err     error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrMalformedExtraction, e.Err)
}

func (e *MalformedError) Unwrap() []error {
	return []error{ErrMalformedExtraction, e.Err}
}

// Completer is satisfied by anthropic.Client.
type Completer interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error)
}

type Extractor struct {
	llm    Completer
	logger *slog.Logger
}

func New(llm Completer, logger *slog.Logger) *Extractor {
	return &Extractor{llm: llm, logger: logger}
}

// Extract turns recognized text into a typed document of the given kind.
func (e *Extractor) Extract(ctx context.Context, id string, kind Kind, text string) (*Document, error) {
	tmpl := invoiceUserPrompt
	if kind == KindIdentity {
		tmpl = identityUserPrompt
	}
	prompt := fmt.Sprintf(tmpl, text)
	messages := []anthropic.Message{anthropic.TextMessage("user", prompt)}

	e.logger.Info("extracting document",
		"document_id", id,
		"kind", kind,
		"prompt_version", PromptVersion(kind),
		"text_len", len(text),
	)

	raw, err := e.llm.Complete(ctx, systemPrompt, messages, maxTokens)
	if err != nil {
		return nil, fmt.Errorf("llm extraction: %w", err)
	}

	parsed, parseErr := llmjson.Parse[llmDocument](raw)
	if parseErr != nil {
		e.logger.Warn("extraction output unparseable, attempting repair",
			"document_id", id,
			"error", parseErr,
		)
		messages = append(messages,
			anthropic.TextMessage("assistant", raw),
			anthropic.TextMessage("user", fmt.Sprintf(repairPrompt, raw)),
		)
		repaired, err := e.llm.Complete(ctx, systemPrompt, messages, maxTokens)
		if err != nil {
			return nil, fmt.Errorf("llm repair: %w", err)
		}
		parsed, parseErr = llmjson.Parse[llmDocument](repaired)
		if parseErr != nil {
			e.logger.Error("extraction repair failed",
				"document_id", id,
				"error", parseErr,
			)
			return nil, &MalformedError{
				Raw:     repaired,
				Partial: salvage(id, kind, raw+"\n"+repaired),
				Err:     parseErr,
			}
		}
	}

	doc := parsed.toDocument(id, kind)

	e.logger.Info("extraction complete",
		"document_id", id,
		"kind", kind,
		"line_items", len(doc.LineItems),
		"unclear_fields", len(doc.UnclearFields),
	)
	return doc, nil
}

func (l llmDocument) toDocument(id string, kind Kind) *Document {
	doc := NewDocument(id, kind)
	doc.PromptVersion = PromptVersion(kind)

	var invalid []string
	amt := func(field string, a amount) {
		if a.Invalid {
			invalid = append(invalid, field)
		}
	}

	switch kind {
	case KindIdentity:
		doc.HolderName = string(l.HolderName)
		doc.DocumentNumber = string(l.DocumentNumber)
		doc.DateOfBirth = string(l.DateOfBirth)
		doc.IssuingAuthority = string(l.IssuingAuthority)
		doc.IssueDate = string(l.IssueDate)
		doc.ExpiryDate = string(l.ExpiryDate)
	default:
		doc.InvoiceNumber = string(l.InvoiceNumber)
		doc.IssueDate = string(l.IssueDate)
		doc.DueDate = string(l.DueDate)
		doc.VendorName = string(l.VendorName)
		doc.VendorGSTIN = string(l.VendorGSTIN)
		doc.CustomerName = string(l.CustomerName)
		doc.CustomerGSTIN = string(l.CustomerGSTIN)
		doc.PlaceOfSupply = string(l.PlaceOfSupply)
		doc.Currency = strings.ToUpper(string(l.Currency))
		for i, li := range l.LineItems {
			prefix := fmt.Sprintf("line_items[%d].", i)
			amt(prefix+"quantity", li.Quantity)
			amt(prefix+"unit_price", li.UnitPrice)
			amt(prefix+"taxable_amount", li.TaxableAmount)
			amt(prefix+"tax_rate", li.TaxRate)
			amt(prefix+"tax_amount", li.TaxAmount)
			doc.LineItems = append(doc.LineItems, LineItem{
				Description:   string(li.Description),
				Code:          strings.ReplaceAll(string(li.Code), " ", ""),
				CodeType:      strings.ToLower(string(li.CodeType)),
				Quantity:      li.Quantity.Value,
				UnitPrice:     li.UnitPrice.Value,
				TaxableAmount: li.TaxableAmount.Value,
				TaxRate:       li.TaxRate.Value,
				TaxAmount:     li.TaxAmount.Value,
			})
		}
		amt("taxes.cgst", l.Taxes.CGST)
		amt("taxes.sgst", l.Taxes.SGST)
		amt("taxes.igst", l.Taxes.IGST)
		amt("taxes.cess", l.Taxes.Cess)
		amt("subtotal", l.Subtotal)
		amt("grand_total", l.GrandTotal)
		doc.Taxes = Taxes{
			CGST: l.Taxes.CGST.Value,
			SGST: l.Taxes.SGST.Value,
			IGST: l.Taxes.IGST.Value,
			Cess: l.Taxes.Cess.Value,
		}
		doc.Subtotal = l.Subtotal.Value
		doc.GrandTotal = l.GrandTotal.Value
	}

	for _, f := range Fields(kind) {
		c, ok := l.ConfidenceScores[f]
		if !ok {
			c = DefaultFieldConfidence
		}
		doc.Confidence[f] = clamp(c)
	}

	for _, f := range append(l.UnclearFields, invalid...) {
		f = strings.TrimSpace(f)
		if !knownField(kind, f) || slices.Contains(doc.UnclearFields, f) {
			continue
		}
		doc.UnclearFields = append(doc.UnclearFields, f)
	}
	for _, f := range invalid {
		if _, ok := doc.Confidence[rootField(f)]; ok {
			doc.Confidence[rootField(f)] = 0
		}
	}

	return doc
}

// rootField maps "line_items[2].tax_rate" to "line_items" and keeps
// "taxes.cgst" intact, matching the confidence map keys.
func rootField(path string) string {
	if i := strings.IndexByte(path, '['); i >= 0 {
		return path[:i]
	}
	if path == "taxes.cess" {
		return "taxes"
	}
	return path
}

func knownField(kind Kind, path string) bool {
	root := rootField(path)
	if root == "taxes" {
		return kind == KindInvoice
	}
	return slices.Contains(Fields(kind), root)
}

var stringFieldRegex = regexp.MustCompile(`"([a-z_]+)"\s*:\s*"([^"\\]*)"`)

// salvage scrapes flat string fields out of output that never parsed. Every
// field not recovered is unclear.
func salvage(id string, kind Kind, raw string) *Document {
	doc := Degraded(id, kind)
	found := make(map[string]string)
	for _, m := range stringFieldRegex.FindAllStringSubmatch(raw, -1) {
		if _, seen := found[m[1]]; !seen && strings.TrimSpace(m[2]) != "" {
			found[m[1]] = strings.TrimSpace(m[2])
		}
	}

	set := map[string]*string{
		"invoice_number":    &doc.InvoiceNumber,
		"issue_date":        &doc.IssueDate,
		"due_date":          &doc.DueDate,
		"vendor_name":       &doc.VendorName,
		"vendor_gstin":      &doc.VendorGSTIN,
		"customer_name":     &doc.CustomerName,
		"customer_gstin":    &doc.CustomerGSTIN,
		"place_of_supply":   &doc.PlaceOfSupply,
		"currency":          &doc.Currency,
		"holder_name":       &doc.HolderName,
		"document_number":   &doc.DocumentNumber,
		"date_of_birth":     &doc.DateOfBirth,
		"issuing_authority": &doc.IssuingAuthority,
		"expiry_date":       &doc.ExpiryDate,
	}

	var unclear []string
	for _, f := range Fields(kind) {
		ptr, ok := set[f]
		v, got := found[f]
		if ok && got {
			*ptr = v
			doc.Confidence[f] = salvagedFieldConfidence
			continue
		}
		unclear = append(unclear, f)
	}
	doc.UnclearFields = unclear
	return doc
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
