// Package refinement learns from reviewer corrections: it suggests likely
// fixes for recurring extraction errors and proposes prompt refinements once
// a correction pattern is frequent enough.
package refinement

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/review"
)

const (
	DefaultMinOccurrences = 3
	// ConfidenceFrequent is assigned to exact matches seen at least MinOccurrences times.
	ConfidenceFrequent = 0.95
	// ConfidenceSimilar is assigned to matches on the normalized original.
	ConfidenceSimilar = 0.7
)

var lineIndex = regexp.MustCompile(`\[\d+\]`)

// NormalizeField collapses row indexes so corrections to the same column of
// different line items aggregate: "line_items[3].hsn_code" -> "line_items[].hsn_code".
func NormalizeField(path string) string {
	return lineIndex.ReplaceAllString(path, "[]")
}

func normalizeValue(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Pair is one (original, corrected) mapping and how often reviewers made it.
type Pair struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
	Count     int    `json:"count"`
}

type Suggestion struct {
	Pair
	Confidence float64 `json:"confidence"`
}

// Source supplies historical corrections for Warm.
type Source interface {
	Corrections(ctx context.Context, kind extractor.Kind) ([]review.Correction, error)
}

// Proposer receives a proposal when a pattern first reaches the threshold.
type Proposer interface {
	Propose(p Proposal) error
}

type fieldKey struct {
	kind  extractor.Kind
	field string
}

type pairKey struct {
	original  string
	corrected string
}

type Learner struct {
	minOccurrences int
	proposer       Proposer
	mapper         *Mapper
	logger         *slog.Logger

	mu  sync.RWMutex
	log map[fieldKey]map[pairKey]int
}

type Option func(*Learner)

func WithMinOccurrences(n int) Option {
	return func(l *Learner) {
		if n > 0 {
			l.minOccurrences = n
		}
	}
}

func WithProposer(p Proposer) Option {
	return func(l *Learner) { l.proposer = p }
}

func NewLearner(logger *slog.Logger, opts ...Option) *Learner {
	l := &Learner{
		minOccurrences: DefaultMinOccurrences,
		mapper:         NewMapper(),
		logger:         logger,
		log:            make(map[fieldKey]map[pairKey]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record adds corrections to the log. Corrections with no change are ignored.
func (l *Learner) Record(kind extractor.Kind, corrections ...review.Correction) {
	var crossed []Proposal

	l.mu.Lock()
	for _, c := range corrections {
		if c.Original == c.Corrected {
			continue
		}
		k := fieldKey{kind: kind, field: NormalizeField(c.FieldPath)}
		pairs, ok := l.log[k]
		if !ok {
			pairs = make(map[pairKey]int)
			l.log[k] = pairs
		}
		pk := pairKey{original: c.Original, corrected: c.Corrected}
		pairs[pk]++
		if pairs[pk] == l.minOccurrences {
			crossed = append(crossed, l.proposal(k, pk, pairs[pk], c.Class))
		}
	}
	l.mu.Unlock()

	for _, p := range crossed {
		l.logger.Info("correction pattern reached threshold",
			"kind", p.Kind,
			"field", p.Field,
			"count", p.Count,
		)
		if l.proposer == nil {
			continue
		}
		if err := l.proposer.Propose(p); err != nil {
			l.logger.Warn("publish refinement proposal failed", "field", p.Field, "error", err)
		}
	}
}

// ItemResolved records the corrections of an approved review item.
func (l *Learner) ItemResolved(_ context.Context, item *review.Item) {
	if item.Status != review.StatusApproved || len(item.Corrections) == 0 {
		return
	}
	l.Record(item.Kind, item.Corrections...)
}

// Warm replays stored corrections for every kind. Threshold crossings during
// warm-up do not publish proposals.
func (l *Learner) Warm(ctx context.Context, src Source) (int, error) {
	cs, err := src.Corrections(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("load corrections: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range cs {
		if c.Original == c.Corrected {
			continue
		}
		k := fieldKey{kind: c.Kind, field: NormalizeField(c.FieldPath)}
		if l.log[k] == nil {
			l.log[k] = make(map[pairKey]int)
		}
		l.log[k][pairKey{original: c.Original, corrected: c.Corrected}]++
	}
	return len(cs), nil
}

// Suggest proposes corrections for value in field. Exact matches seen at
// least MinOccurrences times come back at ConfidenceFrequent, most frequent
// first. Failing that, any pair whose original matches after trimming and
// case folding comes back at ConfidenceSimilar. Documents are never modified.
func (l *Learner) Suggest(kind extractor.Kind, field, value string) []Suggestion {
	l.mu.RLock()
	pairs := l.log[fieldKey{kind: kind, field: NormalizeField(field)}]
	var exact, similar []Suggestion
	norm := normalizeValue(value)
	for pk, n := range pairs {
		p := Pair{Original: pk.original, Corrected: pk.corrected, Count: n}
		switch {
		case pk.original == value && n >= l.minOccurrences:
			exact = append(exact, Suggestion{Pair: p, Confidence: ConfidenceFrequent})
		case normalizeValue(pk.original) == norm:
			similar = append(similar, Suggestion{Pair: p, Confidence: ConfidenceSimilar})
		}
	}
	l.mu.RUnlock()

	if len(exact) > 0 {
		sortSuggestions(exact)
		return exact
	}
	sortSuggestions(similar)
	return similar
}

// Patterns lists pairs for field that reached MinOccurrences, most frequent first.
func (l *Learner) Patterns(kind extractor.Kind, field string) []Pair {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Pair
	for pk, n := range l.log[fieldKey{kind: kind, field: NormalizeField(field)}] {
		if n >= l.minOccurrences {
			out = append(out, Pair{Original: pk.original, Corrected: pk.corrected, Count: n})
		}
	}
	sortPairs(out)
	return out
}

// Fields lists every field of kind with at least one recorded correction.
func (l *Learner) Fields(kind extractor.Kind) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for k := range l.log {
		if k.kind == kind {
			out = append(out, k.field)
		}
	}
	slices.Sort(out)
	return out
}

func (l *Learner) proposal(k fieldKey, pk pairKey, count int, class review.Class) Proposal {
	sections := l.mapper.SectionsFor(k.field)
	return Proposal{
		Kind:          k.kind,
		PromptVersion: extractor.PromptVersion(k.kind),
		Field:         k.field,
		Section:       sections[0],
		Original:      pk.original,
		Corrected:     pk.corrected,
		Class:         class,
		Count:         count,
	}
}

func sortPairs(ps []Pair) {
	slices.SortFunc(ps, func(a, b Pair) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		if c := strings.Compare(a.Original, b.Original); c != 0 {
			return c
		}
		return strings.Compare(a.Corrected, b.Corrected)
	})
}

func sortSuggestions(ss []Suggestion) {
	slices.SortFunc(ss, func(a, b Suggestion) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return strings.Compare(a.Corrected, b.Corrected)
	})
}
