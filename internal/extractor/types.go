package extractor

import (
	"slices"

	"github.com/shopspring/decimal"
)

// Kind is the document family; it selects the schema, prompt, rules and weights.
type Kind string

const (
	KindInvoice  Kind = "invoice"
	KindIdentity Kind = "identity"
)

// ParseKind maps a caller hint to a Kind, defaulting to invoice.
func ParseKind(hint string) Kind {
	switch Kind(hint) {
	case KindIdentity:
		return KindIdentity
	default:
		return KindInvoice
	}
}

// Line item classification codes: HSN for goods, SAC for services.
const (
	CodeTypeGoods   = "goods"
	CodeTypeService = "service"
)

type LineItem struct {
	Description   string          `json:"description"`
	Code          string          `json:"hsn_code"`
	CodeType      string          `json:"code_type"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	TaxableAmount decimal.Decimal `json:"taxable_amount"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
}

type Taxes struct {
	CGST decimal.Decimal `json:"cgst"`
	SGST decimal.Decimal `json:"sgst"`
	IGST decimal.Decimal `json:"igst"`
	Cess decimal.Decimal `json:"cess"`
}

// Total is the sum of every tax component.
func (t Taxes) Total() decimal.Decimal {
	return t.CGST.Add(t.SGST).Add(t.IGST).Add(t.Cess)
}

// Document is the typed record produced from one upload. Invoice and identity
// fields share the struct; the unused family stays zero.
type Document struct {
	ID            string `json:"id"`
	Kind          Kind   `json:"kind"`
	PromptVersion string `json:"prompt_version,omitempty"`

	InvoiceNumber string          `json:"invoice_number,omitempty"`
	IssueDate     string          `json:"issue_date,omitempty"`
	DueDate       string          `json:"due_date,omitempty"`
	VendorName    string          `json:"vendor_name,omitempty"`
	VendorGSTIN   string          `json:"vendor_gstin,omitempty"`
	CustomerName  string          `json:"customer_name,omitempty"`
	CustomerGSTIN string          `json:"customer_gstin,omitempty"`
	PlaceOfSupply string          `json:"place_of_supply,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	LineItems     []LineItem      `json:"line_items,omitempty"`
	Taxes         Taxes           `json:"taxes"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	GrandTotal    decimal.Decimal `json:"grand_total"`

	HolderName       string `json:"holder_name,omitempty"`
	DocumentNumber   string `json:"document_number,omitempty"`
	DateOfBirth      string `json:"date_of_birth,omitempty"`
	IssuingAuthority string `json:"issuing_authority,omitempty"`
	ExpiryDate       string `json:"expiry_date,omitempty"`

	// Confidence has an entry for every schema field of Kind.
	Confidence    map[string]float64 `json:"confidence"`
	UnclearFields []string           `json:"unclear_fields,omitempty"`
}

var invoiceFields = []string{
	"invoice_number",
	"issue_date",
	"due_date",
	"vendor_name",
	"vendor_gstin",
	"customer_name",
	"customer_gstin",
	"place_of_supply",
	"currency",
	"line_items",
	"taxes.cgst",
	"taxes.sgst",
	"taxes.igst",
	"subtotal",
	"grand_total",
}

var identityFields = []string{
	"holder_name",
	"document_number",
	"date_of_birth",
	"issuing_authority",
	"issue_date",
	"expiry_date",
}

// Fields lists the schema field paths of a kind in schema order.
func Fields(kind Kind) []string {
	if kind == KindIdentity {
		return slices.Clone(identityFields)
	}
	return slices.Clone(invoiceFields)
}

// NewDocument returns an empty document whose confidence map is seeded with
// zero for every schema field.
func NewDocument(id string, kind Kind) *Document {
	doc := &Document{ID: id, Kind: kind, Confidence: make(map[string]float64)}
	for _, f := range Fields(kind) {
		doc.Confidence[f] = 0
	}
	return doc
}

// Degraded builds the placeholder used when recognition or extraction
// produced nothing usable: every field unclear at confidence zero.
func Degraded(id string, kind Kind) *Document {
	doc := NewDocument(id, kind)
	doc.PromptVersion = PromptVersion(kind)
	doc.UnclearFields = Fields(kind)
	return doc
}

// IsUnclear reports whether the provider flagged field as unclear.
func (d *Document) IsUnclear(field string) bool {
	return slices.Contains(d.UnclearFields, field)
}

// TransactionValue is the amount used for high-value policy checks.
func (d *Document) TransactionValue() decimal.Decimal {
	if d.Kind != KindInvoice {
		return decimal.Zero
	}
	return d.GrandTotal
}
