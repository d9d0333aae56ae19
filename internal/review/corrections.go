package review

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/MikeSquared-Agency/tally/internal/extractor"
)

// pathSegment is one step of a field path such as "line_items[2].hsn_code".
type pathSegment struct {
	key   string
	index int // -1 when the segment is not indexed
}

func parsePath(path string) ([]pathSegment, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrUnknownField)
	}
	var segs []pathSegment
	for _, part := range strings.Split(path, ".") {
		seg := pathSegment{key: part, index: -1}
		if open := strings.IndexByte(part, '['); open >= 0 {
			if !strings.HasSuffix(part, "]") {
				return nil, fmt.Errorf("%w: %q", ErrUnknownField, path)
			}
			idx, err := strconv.Atoi(part[open+1 : len(part)-1])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%w: bad index in %q", ErrUnknownField, path)
			}
			seg.key, seg.index = part[:open], idx
		}
		if seg.key == "" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, path)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// schemaField maps a path to the schema field that carries its confidence:
// "line_items[0].hsn_code" -> "line_items", "taxes.cgst" -> "taxes.cgst".
func schemaField(kind extractor.Kind, path string) (string, bool) {
	fields := extractor.Fields(kind)
	for _, f := range fields {
		if f == path {
			return f, true
		}
	}
	root, _, _ := strings.Cut(path, ".")
	if i := strings.IndexByte(root, '['); i >= 0 {
		root = root[:i]
	}
	for _, f := range fields {
		if f == root {
			return f, true
		}
	}
	return "", false
}

// ValidPath reports whether path addresses a field of the kind's schema.
func ValidPath(kind extractor.Kind, path string) bool {
	if _, err := parsePath(path); err != nil {
		return false
	}
	_, ok := schemaField(kind, path)
	return ok
}

func toTree(doc *extractor.Document) (map[string]any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, fmt.Errorf("unmarshal document tree: %w", err)
	}
	return tree, nil
}

// ValueAt returns the value at path rendered as text. Absent fields yield "".
func ValueAt(doc *extractor.Document, path string) (string, error) {
	segs, err := parsePath(path)
	if err != nil {
		return "", err
	}
	tree, err := toTree(doc)
	if err != nil {
		return "", err
	}

	var cur any = tree
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", nil
		}
		cur = m[seg.key]
		if seg.index >= 0 {
			arr, ok := cur.([]any)
			if !ok || seg.index >= len(arr) {
				return "", nil
			}
			cur = arr[seg.index]
		}
	}

	switch v := cur.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// ApplyCorrections returns a new document with every correction applied in
// order. The input document is not modified. Corrected fields get confidence
// 1 and are no longer unclear.
func ApplyCorrections(doc *extractor.Document, corrections []Correction) (*extractor.Document, error) {
	tree, err := toTree(doc)
	if err != nil {
		return nil, err
	}

	touched := make(map[string]bool)
	for _, c := range corrections {
		field, ok := schemaField(doc.Kind, c.FieldPath)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, c.FieldPath)
		}
		segs, err := parsePath(c.FieldPath)
		if err != nil {
			return nil, err
		}
		if err := setPath(tree, segs, correctedValue(c.Corrected)); err != nil {
			return nil, fmt.Errorf("%w: apply %s: %w", ErrUnknownField, c.FieldPath, err)
		}
		touched[field] = true
	}

	b, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("marshal corrected tree: %w", err)
	}
	out := &extractor.Document{}
	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	if out.Confidence == nil {
		out.Confidence = make(map[string]float64)
	}
	var unclear []string
	for _, f := range out.UnclearFields {
		if !touched[f] {
			unclear = append(unclear, f)
		}
	}
	out.UnclearFields = unclear
	for f := range touched {
		out.Confidence[f] = 1
	}
	return out, nil
}

func correctedValue(s string) any {
	if s == "" {
		return nil
	}
	t := strings.TrimSpace(s)
	if (strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[")) && json.Valid([]byte(t)) {
		var v any
		if err := json.Unmarshal([]byte(t), &v); err == nil {
			return v
		}
	}
	return s
}

func setPath(tree map[string]any, segs []pathSegment, value any) error {
	cur := tree
	for i, seg := range segs {
		last := i == len(segs)-1

		if seg.index < 0 {
			if last {
				cur[seg.key] = value
				return nil
			}
			next, ok := cur[seg.key].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[seg.key] = next
			}
			cur = next
			continue
		}

		arr, _ := cur[seg.key].([]any)
		switch {
		case seg.index < len(arr):
		case seg.index == len(arr):
			// Index one past the end adds a row the extraction missed.
			arr = append(arr, map[string]any{})
		default:
			return fmt.Errorf("index %d out of range (len %d)", seg.index, len(arr))
		}
		cur[seg.key] = arr

		if last {
			arr[seg.index] = value
			return nil
		}
		next, ok := arr[seg.index].(map[string]any)
		if !ok {
			next = make(map[string]any)
			arr[seg.index] = next
		}
		cur = next
	}
	return nil
}

// InferClass guesses the correction class from the values when the reviewer
// did not supply one.
func InferClass(fieldPath, original, corrected string) Class {
	switch {
	case strings.TrimSpace(original) == "":
		return ClassMissing
	case strings.TrimSpace(corrected) == "":
		return ClassExtra
	case fold(original) == fold(corrected):
		return ClassFormat
	case isClassificationField(fieldPath):
		return ClassClassification
	default:
		return ClassValue
	}
}

func isClassificationField(path string) bool {
	return path == "kind" || strings.HasSuffix(path, "hsn_code") || strings.HasSuffix(path, "code_type")
}

// fold drops case, whitespace and punctuation.
func fold(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
