package validator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MikeSquared-Agency/tally/internal/extractor"
)

// taxSplitTolerance bounds the allowed CGST/SGST difference.
var taxSplitTolerance = decimal.RequireFromString("0.01")

var hundred = decimal.NewFromInt(100)

func checkIdentifiers(c *checkContext) {
	doc := c.doc

	switch err := CheckGSTIN(doc.VendorGSTIN); {
	case doc.VendorGSTIN == "":
		c.add(RuleVendorGSTIN, SeverityCritical, "vendor GSTIN is missing", "vendor_gstin")
	case err != nil:
		c.add(RuleVendorGSTIN, SeverityCritical, fmt.Sprintf("vendor GSTIN %q: %v", doc.VendorGSTIN, err), "vendor_gstin")
	}

	// Consumers (B2C) have no GSTIN, so absence is only a warning.
	switch err := CheckGSTIN(doc.CustomerGSTIN); {
	case doc.CustomerGSTIN == "":
		c.add(RuleCustomerGSTIN, SeverityWarning, "customer GSTIN is missing", "customer_gstin")
	case err != nil:
		c.add(RuleCustomerGSTIN, SeverityCritical, fmt.Sprintf("customer GSTIN %q: %v", doc.CustomerGSTIN, err), "customer_gstin")
	}
}

// jurisdiction resolves the supplier and place-of-supply regions. A printed
// place-of-supply code takes precedence over the customer's registration.
func jurisdiction(doc *extractor.Document) (vendor, supply string, ok bool) {
	vendor, vok := regionOf(doc.VendorGSTIN)
	if !vok {
		return "", "", false
	}
	if pos := strings.TrimSpace(doc.PlaceOfSupply); ValidRegion(pos) {
		return vendor, pos, true
	}
	if cust, cok := regionOf(doc.CustomerGSTIN); cok {
		return vendor, cust, true
	}
	return vendor, "", false
}

func checkTaxSplit(c *checkContext) {
	doc := c.doc
	t := doc.Taxes
	taxFields := []string{"taxes.cgst", "taxes.sgst", "taxes.igst"}

	vendor, supply, ok := jurisdiction(doc)
	if !ok {
		c.add(RuleJurisdiction, SeverityInfo,
			"cannot determine whether supply is intra- or inter-region; tax split not checked",
			"vendor_gstin", "customer_gstin", "place_of_supply")
		return
	}

	if vendor == supply {
		var problems []string
		if t.CGST.IsZero() || t.SGST.IsZero() {
			problems = append(problems, "CGST and SGST must both be charged")
		}
		if t.CGST.Sub(t.SGST).Abs().GreaterThan(taxSplitTolerance) {
			problems = append(problems, fmt.Sprintf("CGST %s and SGST %s differ", t.CGST, t.SGST))
		}
		if !t.IGST.IsZero() {
			problems = append(problems, fmt.Sprintf("IGST %s charged on an intra-region supply", t.IGST))
		}
		if len(problems) > 0 {
			c.add(RuleTaxIntrastate, SeverityCritical,
				fmt.Sprintf("region %s to %s: %s", vendor, supply, strings.Join(problems, "; ")),
				taxFields...)
		}
		return
	}

	var problems []string
	if !t.CGST.IsZero() || !t.SGST.IsZero() {
		problems = append(problems, "CGST/SGST charged on an inter-region supply")
	}
	if !t.IGST.IsPositive() {
		problems = append(problems, "IGST must be charged")
	}
	if len(problems) > 0 {
		c.add(RuleTaxInterstate, SeverityCritical,
			fmt.Sprintf("region %s to %s: %s", vendor, supply, strings.Join(problems, "; ")),
			taxFields...)
	}
}

func checkArithmetic(c *checkContext) {
	doc := c.doc
	tol := c.opts.Tolerance

	expected := doc.Subtotal.Add(doc.Taxes.Total())
	if diff := doc.GrandTotal.Sub(expected).Abs(); diff.GreaterThan(tol) {
		c.add(RuleGrandTotal, SeverityCritical,
			fmt.Sprintf("grand total %s does not equal subtotal %s plus taxes %s (off by %s)",
				doc.GrandTotal, doc.Subtotal, doc.Taxes.Total(), diff),
			"grand_total", "subtotal", "taxes.cgst", "taxes.sgst", "taxes.igst")
	}

	lineSum := decimal.Zero
	for i, li := range doc.LineItems {
		lineSum = lineSum.Add(li.TaxableAmount)
		if li.TaxableAmount.IsZero() && li.TaxRate.IsZero() && li.TaxAmount.IsZero() {
			continue
		}
		want := li.TaxableAmount.Mul(li.TaxRate).Div(hundred)
		if diff := li.TaxAmount.Sub(want).Abs(); diff.GreaterThan(tol) {
			c.add(RuleLineTax, SeverityWarning,
				fmt.Sprintf("line %d: tax %s is not %s%% of %s (expected %s)",
					i+1, li.TaxAmount, li.TaxRate, li.TaxableAmount, want.Round(2)),
				fmt.Sprintf("line_items[%d].tax_amount", i))
		}
	}

	if len(doc.LineItems) > 0 && !lineSum.IsZero() {
		if diff := doc.Subtotal.Sub(lineSum).Abs(); diff.GreaterThan(tol) {
			c.add(RuleSubtotal, SeverityWarning,
				fmt.Sprintf("subtotal %s does not equal the sum of line taxable amounts %s", doc.Subtotal, lineSum),
				"subtotal", "line_items")
		}
	}
}

func checkClassification(c *checkContext) {
	doc := c.doc
	mandatory := doc.GrandTotal.GreaterThan(c.opts.CodeMandatoryAbove)

	for i, li := range doc.LineItems {
		field := fmt.Sprintf("line_items[%d].hsn_code", i)
		if li.Code == "" {
			if mandatory {
				c.add(RuleCodeMissing, SeverityWarning,
					fmt.Sprintf("line %d: classification code required above %s", i+1, c.opts.CodeMandatoryAbove),
					field)
			}
			continue
		}
		if !validCode(li.Code, li.CodeType) {
			c.add(RuleCodeFormat, SeverityWarning,
				fmt.Sprintf("line %d: %q is not a valid %s code", i+1, li.Code, codeName(li.CodeType)),
				field)
		}
	}
}

// validCode accepts 4, 6 or 8 digit HSN codes for goods and 6 digit SAC codes
// for services. An unknown code type is treated as goods.
func validCode(code, codeType string) bool {
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	if codeType == extractor.CodeTypeService {
		return len(code) == 6
	}
	switch len(code) {
	case 4, 6, 8:
		return true
	}
	return false
}

func codeName(codeType string) string {
	if codeType == extractor.CodeTypeService {
		return "SAC"
	}
	return "HSN"
}

func checkTemporal(c *checkContext) {
	doc := c.doc
	today := truncateDay(c.now)

	issue, err := ParseDate(doc.IssueDate)
	if err != nil {
		c.add(RuleIssueDate, SeverityWarning, fmt.Sprintf("issue date %q: %v", doc.IssueDate, err), "issue_date")
		return
	}
	if issue.After(today) {
		c.add(RuleIssueDate, SeverityCritical,
			fmt.Sprintf("issue date %s is after the processing date %s", issue.Format(time.DateOnly), today.Format(time.DateOnly)),
			"issue_date")
	}

	if doc.DueDate == "" {
		return
	}
	due, err := ParseDate(doc.DueDate)
	if err != nil {
		c.add(RuleDueDate, SeverityWarning, fmt.Sprintf("due date %q: %v", doc.DueDate, err), "due_date")
		return
	}
	if due.Before(issue) {
		c.add(RuleDueDate, SeverityWarning,
			fmt.Sprintf("due date %s precedes issue date %s", due.Format(time.DateOnly), issue.Format(time.DateOnly)),
			"due_date", "issue_date")
	}
}

func checkIdentityFields(c *checkContext) {
	doc := c.doc
	if strings.TrimSpace(doc.DocumentNumber) == "" {
		c.add(RuleDocumentNumber, SeverityCritical, "document number is missing", "document_number")
	}
	if strings.TrimSpace(doc.HolderName) == "" {
		c.add(RuleHolderName, SeverityWarning, "holder name is missing", "holder_name")
	}
}

func checkIdentityDates(c *checkContext) {
	doc := c.doc
	today := truncateDay(c.now)

	if doc.DateOfBirth == "" {
		c.add(RuleDateOfBirth, SeverityWarning, "date of birth is missing", "date_of_birth")
	} else if dob, err := ParseDate(doc.DateOfBirth); err != nil {
		c.add(RuleDateOfBirth, SeverityWarning, fmt.Sprintf("date of birth %q: %v", doc.DateOfBirth, err), "date_of_birth")
	} else if dob.After(today) {
		c.add(RuleDateOfBirth, SeverityCritical, "date of birth is in the future", "date_of_birth")
	}

	if doc.IssueDate == "" || doc.ExpiryDate == "" {
		return
	}
	issue, ierr := ParseDate(doc.IssueDate)
	expiry, eerr := ParseDate(doc.ExpiryDate)
	if ierr != nil || eerr != nil {
		c.add(RuleExpiry, SeverityWarning, "issue or expiry date unreadable", "issue_date", "expiry_date")
		return
	}
	if expiry.Before(issue) {
		c.add(RuleExpiry, SeverityWarning, "expiry date precedes issue date", "issue_date", "expiry_date")
	}
}

var dateLayouts = []string{
	time.DateOnly,
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"Jan 2, 2006",
}

var errDateUnparseable = errors.New("unrecognised date format")

// ParseDate accepts ISO dates and the day-first layouts common on Indian invoices.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("date is missing")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errDateUnparseable
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
