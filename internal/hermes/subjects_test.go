package hermes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundSubject(t *testing.T) {
	assert.Equal(t, "tally.outbound.whatsapp:+919800000000", OutboundSubject("whatsapp:+919800000000"))
	assert.True(t, len(OutboundSubject("x")) > len(SubjectOutboundPrefix))
}

func TestCorrectionSignalParsing(t *testing.T) {
	raw := `{
		"item_id": "item-1",
		"document_id": "doc-1",
		"kind": "invoice",
		"prompt_version": "invoice-extract/v3",
		"outcome": "approved",
		"assignee": "asha",
		"original_score": 0.91,
		"fields": {"vendor_gstin": 1, "line_items[].hsn_code": 2},
		"classes": {"value": 1, "classification": 2}
	}`

	var signal CorrectionSignal
	require.NoError(t, json.Unmarshal([]byte(raw), &signal))

	assert.Equal(t, "item-1", signal.ItemID)
	assert.Equal(t, "invoice-extract/v3", signal.PromptVersion)
	assert.Equal(t, "approved", signal.Outcome)
	assert.Equal(t, "asha", signal.Assignee)
	assert.InDelta(t, 0.91, signal.OriginalScore, 1e-9)
	assert.Equal(t, 2, signal.Fields["line_items[].hsn_code"])
	assert.Equal(t, 2, signal.Classes["classification"])
}

func TestSubjectConstants(t *testing.T) {
	subjects := map[string]string{
		SubjectInbound:     "tally.inbound",
		SubjectCorrection:  "tally.review.resolved",
		SubjectRefinement:  "pattern.refinement.proposed",
		SubjectReaction:    "swarm.slack.reaction",
		SubjectInteraction: "swarm.slack.interaction",
	}
	for got, want := range subjects {
		assert.Equal(t, want, got)
	}
}
