package refinement

import "strings"

// Mapper maps corrected field paths to the extraction prompt sections that
// should be revisited when a correction pattern becomes frequent.
type Mapper struct {
	mapping map[string][]string
}

func NewMapper() *Mapper {
	return &Mapper{
		mapping: map[string][]string{
			"vendor_gstin":           {"identifiers", "party_details"},
			"customer_gstin":         {"identifiers", "party_details"},
			"invoice_number":         {"identifiers"},
			"document_number":        {"identifiers"},
			"vendor_name":            {"party_details"},
			"customer_name":          {"party_details"},
			"holder_name":            {"party_details"},
			"place_of_supply":        {"tax_rules"},
			"taxes.cgst":             {"tax_rules", "amounts"},
			"taxes.sgst":             {"tax_rules", "amounts"},
			"taxes.igst":             {"tax_rules", "amounts"},
			"subtotal":               {"amounts"},
			"grand_total":            {"amounts"},
			"line_items[].hsn_code":  {"classification_codes"},
			"line_items[].code_type": {"classification_codes"},
			"issue_date":             {"dates"},
			"due_date":               {"dates"},
			"date_of_birth":          {"dates"},
			"expiry_date":            {"dates"},
		},
	}
}

// SectionsFor returns the prompt sections for a field path. Line item paths
// fall back to the "line_items" section.
func (m *Mapper) SectionsFor(field string) []string {
	field = NormalizeField(field)
	sections, ok := m.mapping[field]
	if !ok {
		if strings.HasPrefix(field, "line_items") {
			return []string{"line_items"}
		}
		return []string{"general"}
	}
	result := make([]string, len(sections))
	copy(result, sections)
	return result
}
