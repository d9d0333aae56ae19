package api

import (
	"net/http"

	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/refinement"
)

// suggestions handles GET /api/v1/refinements/suggestions?kind=&field=&value=
func (s *Server) suggestions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	field := q.Get("field")
	if field == "" {
		writeError(w, http.StatusBadRequest, "field is required")
		return
	}
	kind := extractor.ParseKind(q.Get("kind"))

	out := s.learner.Suggest(kind, field, q.Get("value"))
	if out == nil {
		out = []refinement.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":        kind,
		"field":       refinement.NormalizeField(field),
		"suggestions": out,
	})
}

// patterns handles GET /api/v1/refinements/patterns?kind=&field=
// Without a field every corrected field of the kind is listed.
func (s *Server) patterns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := extractor.ParseKind(q.Get("kind"))

	fields := s.learner.Fields(kind)
	if f := q.Get("field"); f != "" {
		fields = []string{refinement.NormalizeField(f)}
	}

	out := make(map[string][]refinement.Pair)
	for _, f := range fields {
		if ps := s.learner.Patterns(kind, f); len(ps) > 0 {
			out[f] = ps
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "patterns": out})
}
