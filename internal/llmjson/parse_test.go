package llmjson

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    payload
		wantErr bool
	}{
		{
			name:    "strict json",
			content: `{"text":"INV-1","confidence":0.9}`,
			want:    payload{Text: "INV-1", Confidence: 0.9},
		},
		{
			name:    "fenced with language",
			content: "Here you go:\n```json\n{\"text\":\"a\",\"confidence\":0.5}\n```\nThanks.",
			want:    payload{Text: "a", Confidence: 0.5},
		},
		{
			name:    "fenced without language",
			content: "```\n{\"text\":\"b\",\"confidence\":0.25}\n```",
			want:    payload{Text: "b", Confidence: 0.25},
		},
		{
			name:    "object in prose",
			content: `Sure! The result is {"text":"total {approx}","confidence":0.7} as requested.`,
			want:    payload{Text: "total {approx}", Confidence: 0.7},
		},
		{
			name:    "escaped quote inside string",
			content: `note: {"text":"he said \"}\" loudly","confidence":1}`,
			want:    payload{Text: `he said "}" loudly`, Confidence: 1},
		},
		{
			name:    "no json at all",
			content: "I could not read this image.",
			wantErr: true,
		},
		{
			name:    "unbalanced object",
			content: `{"text":"cut off`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse[payload](tt.content)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoJSON)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFirstObject_SkipsUnbalancedPrefix(t *testing.T) {
	obj, ok := FirstObject(`{ broken then {"a":1}`)
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, obj)
}

func TestParse_ErrorKeepsValidUTF8(t *testing.T) {
	// 199 ASCII bytes put the 200-byte cut inside the first rune.
	content := strings.Repeat("x", 199) + strings.Repeat("₹", 10)
	_, err := Parse[payload](content)
	require.ErrorIs(t, err, ErrNoJSON)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.True(t, strings.HasSuffix(err.Error(), strings.Repeat("x", 199)+"..."))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
	assert.Equal(t, "...", truncate("₹₹", 2), "never splits a rune")
	assert.Equal(t, "₹...", truncate("₹₹", 4))
}
