package slack

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/tally/internal/decision"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/review"
)

func invoiceItem() *review.Item {
	doc := extractor.NewDocument("doc-1", extractor.KindInvoice)
	doc.InvoiceNumber = "INV-7"
	doc.IssueDate = "2024-05-30"
	doc.VendorName = "Acme Fasteners"
	doc.VendorGSTIN = "27AAPFU0939F1ZV"
	doc.Currency = "INR"
	doc.GrandTotal = decimal.RequireFromString("1180")
	doc.UnclearFields = []string{"customer_gstin"}
	return &review.Item{
		ID:            "item-1",
		Kind:          extractor.KindInvoice,
		Document:      doc,
		Verdict:       decision.VerdictReview,
		Priority:      decision.PriorityHigh,
		Reason:        "vendor GSTIN checksum failed",
		OriginalScore: 0.72,
	}
}

func TestFormatItemMessage_Invoice(t *testing.T) {
	msg := formatItemMessage(invoiceItem())

	for _, want := range []string{
		"high review",
		"vendor GSTIN checksum failed",
		"0.72",
		"INV-7",
		"Acme Fasteners",
		"27AAPFU0939F1ZV",
		"INR 1180.00",
		"Unclear:* customer_gstin",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestFormatItemMessage_Identity(t *testing.T) {
	item := invoiceItem()
	doc := extractor.NewDocument("doc-2", extractor.KindIdentity)
	doc.HolderName = "Priya Sharma"
	item.Document = doc
	item.Kind = extractor.KindIdentity

	msg := formatItemMessage(item)
	assert.Contains(t, msg, "Priya Sharma")
	assert.Contains(t, msg, "*Number:* -")
}

func slackServer(t *testing.T, handle func(payload map[string]any, raw []byte), reply map[string]any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)
		if handle != nil {
			handle(payload, raw)
		}
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestPostReviewItem_Success(t *testing.T) {
	server := slackServer(t, func(payload map[string]any, raw []byte) {
		assert.Equal(t, "C123", payload["channel"])
		assert.Contains(t, string(raw), "review_approve:item-1")
		assert.Contains(t, string(raw), "review_claim:item-1")
	}, map[string]any{"ok": true, "ts": "1234567890.123456"})

	p := NewPoster("xoxb-test", "C123", discardLogger())
	p.apiURL = server.URL

	ts, err := p.PostReviewItem(context.Background(), invoiceItem())
	require.NoError(t, err)
	assert.Equal(t, "1234567890.123456", ts)
}

func TestPostThread_RepliesInThread(t *testing.T) {
	server := slackServer(t, func(payload map[string]any, _ []byte) {
		assert.Equal(t, "1717200000.000100", payload["thread_ts"])
		assert.Equal(t, "approved by asha", payload["text"])
	}, map[string]any{"ok": true})

	p := NewPoster("xoxb-test", "C123", discardLogger())
	p.apiURL = server.URL
	require.NoError(t, p.PostThread(context.Background(), "1717200000.000100", "approved by asha"))
}

func TestPostReviewItem_SlackError(t *testing.T) {
	server := slackServer(t, nil, map[string]any{"ok": false, "error": "channel_not_found"})

	p := NewPoster("xoxb-test", "C123", discardLogger())
	p.apiURL = server.URL

	_, err := p.PostReviewItem(context.Background(), invoiceItem())
	assert.ErrorContains(t, err, "channel_not_found")
	assert.Error(t, p.PostThread(context.Background(), "1.2", "hello"))
}
