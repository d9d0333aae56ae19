package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/tally/internal/decision"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/processor"
	"github.com/MikeSquared-Agency/tally/internal/refinement"
	"github.com/MikeSquared-Agency/tally/internal/review"
)

const token = "secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedCounts map[processor.DocumentStatus]int

func (f fixedCounts) DocumentCounts(context.Context) (map[processor.DocumentStatus]int, error) {
	return f, nil
}

type testServer struct {
	*Server
	queue   *review.Queue
	learner *refinement.Learner
}

func newTestServer(t *testing.T, checks map[string]Checker) *testServer {
	t.Helper()
	learner := refinement.NewLearner(discardLogger(), refinement.WithMinOccurrences(2))
	queue := review.NewQueue(review.NewMemoryRepository(), discardLogger(), learner)
	srv := NewServer(8760, token, Deps{
		Queue:   queue,
		Learner: learner,
		Counts:  fixedCounts{processor.DocumentInReview: 2, processor.DocumentConfirmed: 5},
		Checks:  checks,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "tally_up 1\n") }),
	}, discardLogger())
	return &testServer{Server: srv, queue: queue, learner: learner}
}

func (ts *testServer) enqueue(t *testing.T) *review.Item {
	t.Helper()
	doc := extractor.NewDocument("doc-1", extractor.KindInvoice)
	doc.InvoiceNumber = "INV-7"
	doc.VendorName = "Acme Traders"
	doc.GrandTotal = decimal.NewFromInt(1180)
	item, err := ts.queue.Enqueue(context.Background(), doc, 0.82, decision.Decision{
		Verdict: decision.VerdictReview, Priority: decision.PriorityHigh, Reason: "confidence 0.8200 below 0.95",
	})
	require.NoError(t, err)
	return item
}

func (ts *testServer) do(method, path, body string, auth bool) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v), "decode response")
}

type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, map[string]Checker{
		"nats": func(context.Context) error { return nil },
	})

	w := ts.do("GET", "/health", "", false)
	assert.Equal(t, http.StatusOK, w.Code)

	var body healthBody
	decodeBody(t, w, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["nats"])
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	ts := newTestServer(t, map[string]Checker{
		"nats":     func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})

	w := ts.do("GET", "/health", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body healthBody
	decodeBody(t, w, &body)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "connection refused", body.Checks["postgres"])
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do("GET", "/api/v1/tally/status", "", false)
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Agent     string         `json:"agent"`
		Documents map[string]int `json:"documents"`
	}
	decodeBody(t, w, &body)
	assert.Equal(t, "tally", body.Agent)
	assert.Equal(t, 5, body.Documents["confirmed"])
	assert.Equal(t, 2, body.Documents["in_review"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do("GET", "/metrics", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tally_up")
}

func TestNotFoundEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do("GET", "/nonexistent", "", false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReviewRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "Basic " + token, http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/review/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			ts.router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestReviewLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	item := ts.enqueue(t)
	base := "/api/v1/review/" + item.ID

	w := ts.do("GET", "/api/v1/review/?status=pending", "", true)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, w, &list)
	require.Equal(t, 1, list.Count)

	// Corrections need the item claimed first.
	w = ts.do("POST", base+"/corrections", `{"field_path":"vendor_name","corrected":"Acme Traders Pvt Ltd"}`, true)
	require.Equal(t, http.StatusConflict, w.Code)

	w = ts.do("POST", base+"/assign", `{"reviewer":"asha"}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do("POST", base+"/corrections", `{"field_path":"vendor_name","corrected":"Acme Traders Pvt Ltd"}`, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var c review.Correction
	decodeBody(t, w, &c)
	assert.Equal(t, "Acme Traders", c.Original, "original is filled from the document")

	w = ts.do("GET", base, "", true)
	var view struct {
		Status    review.Status       `json:"status"`
		Corrected *extractor.Document `json:"corrected"`
	}
	decodeBody(t, w, &view)
	assert.Equal(t, review.StatusInReview, view.Status)
	require.NotNil(t, view.Corrected)
	assert.Equal(t, "Acme Traders Pvt Ltd", view.Corrected.VendorName)

	w = ts.do("POST", base+"/approve", "", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var approved review.Item
	decodeBody(t, w, &approved)
	assert.Equal(t, review.StatusApproved, approved.Status)

	w = ts.do("POST", base+"/reject", `{"reason":"late"}`, true)
	assert.Equal(t, http.StatusConflict, w.Code, "rejecting an approved item")
}

func TestCorrectionWithUnparseableValue(t *testing.T) {
	ts := newTestServer(t, nil)
	item := ts.enqueue(t)
	base := "/api/v1/review/" + item.ID

	w := ts.do("POST", base+"/assign", `{"reviewer":"asha"}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do("POST", base+"/corrections", `{"field_path":"grand_total","corrected":"abc"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = ts.do("POST", base+"/approve", "", true)
	require.Equal(t, http.StatusOK, w.Code, "nothing bad was staged")
	var approved review.Item
	decodeBody(t, w, &approved)
	assert.Empty(t, approved.Corrections)
}

func TestRejectRequiresReason(t *testing.T) {
	ts := newTestServer(t, nil)
	item := ts.enqueue(t)

	w := ts.do("POST", "/api/v1/review/"+item.ID+"/reject", `{"reason":"  "}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do("POST", "/api/v1/review/"+item.ID+"/reject", `{"reason":"duplicate of INV-6"}`, true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetUnknownItem(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do("GET", "/api/v1/review/nope", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSuggestionsAndPatterns(t *testing.T) {
	ts := newTestServer(t, nil)
	for range 2 {
		ts.learner.Record(extractor.KindInvoice, review.Correction{
			FieldPath: "line_items[0].hsn_code", Original: "73I8", Corrected: "7318",
		})
	}

	w := ts.do("GET", "/api/v1/refinements/suggestions?kind=invoice&field=line_items%5B4%5D.hsn_code&value=73I8", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var sug struct {
		Field       string                  `json:"field"`
		Suggestions []refinement.Suggestion `json:"suggestions"`
	}
	decodeBody(t, w, &sug)
	assert.Equal(t, "line_items[].hsn_code", sug.Field, "field is normalized")
	require.Len(t, sug.Suggestions, 1)
	assert.Equal(t, "7318", sug.Suggestions[0].Corrected)
	assert.Equal(t, refinement.ConfidenceFrequent, sug.Suggestions[0].Confidence)

	w = ts.do("GET", "/api/v1/refinements/patterns?kind=invoice", "", true)
	var pat struct {
		Patterns map[string][]refinement.Pair `json:"patterns"`
	}
	decodeBody(t, w, &pat)
	got := pat.Patterns["line_items[].hsn_code"]
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Count)

	w = ts.do("GET", "/api/v1/refinements/suggestions?kind=invoice", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing field")
}
