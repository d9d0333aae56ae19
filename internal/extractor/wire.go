package extractor

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// llmDocument is the provider's JSON shape. It is deliberately lenient:
// models quote numbers, add currency symbols and emit numbers for ids.
type llmDocument struct {
	InvoiceNumber text          `json:"invoice_number"`
	IssueDate     text          `json:"issue_date"`
	DueDate       text          `json:"due_date"`
	VendorName    text          `json:"vendor_name"`
	VendorGSTIN   text          `json:"vendor_gstin"`
	CustomerName  text          `json:"customer_name"`
	CustomerGSTIN text          `json:"customer_gstin"`
	PlaceOfSupply text          `json:"place_of_supply"`
	Currency      text          `json:"currency"`
	LineItems     []llmLineItem `json:"line_items"`
	Taxes         struct {
		CGST amount `json:"cgst"`
		SGST amount `json:"sgst"`
		IGST amount `json:"igst"`
		Cess amount `json:"cess"`
	} `json:"taxes"`
	Subtotal   amount `json:"subtotal"`
	GrandTotal amount `json:"grand_total"`

	HolderName       text `json:"holder_name"`
	DocumentNumber   text `json:"document_number"`
	DateOfBirth      text `json:"date_of_birth"`
	IssuingAuthority text `json:"issuing_authority"`
	ExpiryDate       text `json:"expiry_date"`

	ConfidenceScores map[string]float64 `json:"confidence_scores"`
	UnclearFields    []string           `json:"unclear_fields"`
}

type llmLineItem struct {
	Description   text   `json:"description"`
	Code          text   `json:"hsn_code"`
	CodeType      text   `json:"code_type"`
	Quantity      amount `json:"quantity"`
	UnitPrice     amount `json:"unit_price"`
	TaxableAmount amount `json:"taxable_amount"`
	TaxRate       amount `json:"tax_rate"`
	TaxAmount     amount `json:"tax_amount"`
}

// text accepts a JSON string, number or null.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(strings.TrimSpace(s))
		return nil
	}
	*t = text(b)
	return nil
}

// amount accepts numbers, numeric strings with currency noise, empty strings
// and null. Unparseable values decode to zero with Invalid set rather than
// failing the whole document.
type amount struct {
	Value   decimal.Decimal
	Invalid bool
}

var amountNoise = strings.NewReplacer(",", "", "₹", "", "Rs.", "", "Rs", "", "INR", "", "%", "", " ", "")

func (a *amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	s = amountNoise.Replace(strings.TrimSpace(s))
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		a.Invalid = true
		return nil
	}
	a.Value = d
	return nil
}
