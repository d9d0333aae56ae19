package extractor

// Bump the version whenever a prompt changes; it is stored with every
// document so corrections can be traced to the prompt that produced them.
const (
	invoicePromptVersion  = "invoice-extract/v3"
	identityPromptVersion = "identity-extract/v2"
)

// PromptVersion returns the prompt template version used for kind.
func PromptVersion(kind Kind) string {
	if kind == KindIdentity {
		return identityPromptVersion
	}
	return invoicePromptVersion
}

const systemPrompt = `You are a meticulous data-entry clerk for an Indian accounting firm.
You convert OCR text of scanned financial documents into strict JSON.

Rules:
- Output exactly one JSON object matching the schema. No markdown, no commentary.
- Copy identifiers (GSTIN, invoice numbers, document numbers) character for character. Never "fix" them.
- Amounts are plain decimal numbers without currency symbols or thousands separators.
- Dates use YYYY-MM-DD.
- If a value is not present in the text, use an empty string (or 0 for amounts) and list the field in unclear_fields.
- confidence_scores maps each field path to your 0.0-1.0 confidence that the value is exactly right.
- If OCR noise makes a value ambiguous, still give your best reading, lower its confidence and list it in unclear_fields.`

const invoiceUserPrompt = `Extract this tax invoice.

Schema:
{
  "invoice_number": "string",
  "issue_date": "YYYY-MM-DD",
  "due_date": "YYYY-MM-DD or empty",
  "vendor_name": "string",
  "vendor_gstin": "15-character GSTIN of the supplier",
  "customer_name": "string",
  "customer_gstin": "15-character GSTIN of the recipient, empty for consumers",
  "place_of_supply": "2-digit state code if printed, else empty",
  "currency": "ISO 4217 code, usually INR",
  "line_items": [
    {
      "description": "string",
      "hsn_code": "HSN (goods) or SAC (services) code digits",
      "code_type": "goods | service",
      "quantity": 0,
      "unit_price": 0,
      "taxable_amount": 0,
      "tax_rate": "percentage, e.g. 18",
      "tax_amount": 0
    }
  ],
  "taxes": {"cgst": 0, "sgst": 0, "igst": 0, "cess": 0},
  "subtotal": 0,
  "grand_total": 0,
  "confidence_scores": {"<field path>": 0.0},
  "unclear_fields": ["<field path>"]
}

Field paths for confidence_scores: invoice_number, issue_date, due_date, vendor_name, vendor_gstin,
customer_name, customer_gstin, place_of_supply, currency, line_items, taxes.cgst, taxes.sgst,
taxes.igst, subtotal, grand_total.

OCR text:
---
%s
---`

const identityUserPrompt = `Extract this identity / KYC document.

Schema:
{
  "holder_name": "string",
  "document_number": "string",
  "date_of_birth": "YYYY-MM-DD",
  "issuing_authority": "string",
  "issue_date": "YYYY-MM-DD or empty",
  "expiry_date": "YYYY-MM-DD or empty",
  "confidence_scores": {"<field path>": 0.0},
  "unclear_fields": ["<field path>"]
}

Field paths for confidence_scores: holder_name, document_number, date_of_birth, issuing_authority,
issue_date, expiry_date.

OCR text:
---
%s
---`

const repairPrompt = `Your previous reply could not be parsed as JSON.
Re-emit the same extraction as one valid JSON object matching the schema, with no other text.

Previous reply:
---
%s
---`
