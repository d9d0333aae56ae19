// Package validator applies deterministic domain rules to extracted documents.
// Rules never abort: every rule runs and each finding is returned as data.
package validator

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MikeSquared-Agency/tally/internal/config"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities: critical > warning > info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Rule identifiers. The prefix before the first dot is the rule family.
const (
	RuleVendorGSTIN    = "identifier.vendor_gstin"
	RuleCustomerGSTIN  = "identifier.customer_gstin"
	RuleTaxIntrastate  = "tax.intrastate"
	RuleTaxInterstate  = "tax.interstate"
	RuleJurisdiction   = "jurisdiction.undetermined"
	RuleGrandTotal     = "arithmetic.grand_total"
	RuleLineTax        = "arithmetic.line_tax"
	RuleSubtotal       = "arithmetic.subtotal"
	RuleCodeFormat     = "classification.code_format"
	RuleCodeMissing    = "classification.code_missing"
	RuleIssueDate      = "temporal.issue_date"
	RuleDueDate        = "temporal.due_date"
	RuleDocumentNumber = "identity.document_number"
	RuleHolderName     = "identity.holder_name"
	RuleDateOfBirth    = "identity.date_of_birth"
	RuleExpiry         = "identity.expiry"
)

const (
	familyIdentifier = "identifier"
	familyTax        = "tax"
)

type Violation struct {
	RuleID    string   `json:"rule_id"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	FieldRefs []string `json:"field_refs,omitempty"`
}

// Family returns the rule family, e.g. "tax" for "tax.intrastate".
func (v Violation) Family() string {
	family, _, _ := strings.Cut(v.RuleID, ".")
	return family
}

// Report is empty when the document is valid.
type Report struct {
	Violations []Violation `json:"violations"`
}

func (r Report) Valid() bool {
	return len(r.Violations) == 0
}

func (r Report) HasCritical() bool {
	return slices.ContainsFunc(r.Violations, func(v Violation) bool { return v.Severity == SeverityCritical })
}

// HasCriticalIn reports a critical violation in the given rule family.
func (r Report) HasCriticalIn(family string) bool {
	return slices.ContainsFunc(r.Violations, func(v Violation) bool {
		return v.Severity == SeverityCritical && v.Family() == family
	})
}

// HasCriticalIdentifier is true when a party identifier failed validation.
func (r Report) HasCriticalIdentifier() bool {
	return r.HasCriticalIn(familyIdentifier)
}

// TaxLogicValid is true when no tax-split rule fired.
func (r Report) TaxLogicValid() bool {
	return !slices.ContainsFunc(r.Violations, func(v Violation) bool { return v.Family() == familyTax })
}

// MaxSeverity returns the highest severity present, or "" for a valid report.
func (r Report) MaxSeverity() Severity {
	var top Severity
	for _, v := range r.Violations {
		if v.Severity.Rank() > top.Rank() {
			top = v.Severity
		}
	}
	return top
}

// Count returns the number of violations at exactly severity s.
func (r Report) Count(s Severity) int {
	n := 0
	for _, v := range r.Violations {
		if v.Severity == s {
			n++
		}
	}
	return n
}

type Options struct {
	// Tolerance is the absolute rounding allowance for arithmetic checks.
	Tolerance decimal.Decimal
	// CodeMandatoryAbove makes line classification codes required when the
	// grand total exceeds it.
	CodeMandatoryAbove decimal.Decimal
}

func DefaultOptions() Options {
	return Options{
		Tolerance:          decimal.NewFromInt(1),
		CodeMandatoryAbove: decimal.NewFromInt(50000),
	}
}

// OptionsFromPolicy takes the arithmetic tolerance and the classification
// threshold from the configured policy.
func OptionsFromPolicy(p config.Policy) Options {
	return Options{
		Tolerance:          decimal.NewFromFloat(p.Tolerance),
		CodeMandatoryAbove: decimal.NewFromFloat(p.CodeMandatoryAbove),
	}
}

type Validator struct {
	opts Options
	now  func() time.Time
}

func New(opts Options) *Validator {
	return &Validator{opts: opts, now: time.Now}
}

// Validate runs the rule battery for the document's kind against the current date.
func (v *Validator) Validate(doc *extractor.Document) Report {
	return v.ValidateAt(doc, v.now())
}

// ValidateAt is Validate with an explicit processing time.
func (v *Validator) ValidateAt(doc *extractor.Document, now time.Time) Report {
	var rules []rule
	if doc.Kind == extractor.KindIdentity {
		rules = identityRules
	} else {
		rules = invoiceRules
	}

	c := &checkContext{doc: doc, opts: v.opts, now: now}
	for _, r := range rules {
		r(c)
	}
	return Report{Violations: c.violations}
}

type rule func(c *checkContext)

type checkContext struct {
	doc        *extractor.Document
	opts       Options
	now        time.Time
	violations []Violation
}

func (c *checkContext) add(ruleID string, sev Severity, msg string, fields ...string) {
	c.violations = append(c.violations, Violation{
		RuleID:    ruleID,
		Severity:  sev,
		Message:   msg,
		FieldRefs: fields,
	})
}

// Order matters only for report readability; every rule always runs.
var invoiceRules = []rule{
	checkIdentifiers,
	checkTaxSplit,
	checkArithmetic,
	checkClassification,
	checkTemporal,
}

var identityRules = []rule{
	checkIdentityFields,
	checkIdentityDates,
}
