package refinement

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapper_SectionsFor(t *testing.T) {
	mapper := NewMapper()

	tests := []struct {
		name     string
		field    string
		expected []string
	}{
		{"identifier", "vendor_gstin", []string{"identifiers", "party_details"}},
		{"tax component", "taxes.igst", []string{"tax_rules", "amounts"}},
		{"indexed line item code", "line_items[4].hsn_code", []string{"classification_codes"}},
		{"other line item column", "line_items[0].quantity", []string{"line_items"}},
		{"unknown field", "notes", []string{"general"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, mapper.SectionsFor(tt.field))
		})
	}
}

func TestMapper_ReturnsCopy(t *testing.T) {
	mapper := NewMapper()
	sections := mapper.SectionsFor("vendor_gstin")
	sections[0] = "modified"

	assert.Equal(t, "identifiers", mapper.SectionsFor("vendor_gstin")[0], "mapper state leaked through the returned slice")
}

func TestNormalizeField(t *testing.T) {
	tests := map[string]string{
		"line_items[12].hsn_code": "line_items[].hsn_code",
		"line_items[0]":           "line_items[]",
		"taxes.cgst":              "taxes.cgst",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeField(in), in)
	}
}
