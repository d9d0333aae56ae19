package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/tally/internal/anthropic"
	"github.com/MikeSquared-Agency/tally/internal/llmjson"
)

const visionSystemPrompt = `You transcribe scanned financial documents.
Return every printed character in reading order, preserving line breaks and table rows.
Do not summarise, translate or correct anything.
Respond with a single JSON object and nothing else:
{"text": "<full transcription>", "confidence": <0.0-1.0 estimate of transcription accuracy>}`

const visionInstruction = "Transcribe this document."

// Completer is satisfied by anthropic.Client.
type Completer interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error)
}

// VisionRecognizer uses a multimodal model as an OCR engine.
type VisionRecognizer struct {
	llm Completer
}

func NewVisionRecognizer(llm Completer) *VisionRecognizer {
	return &VisionRecognizer{llm: llm}
}

type visionOutput struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (v *VisionRecognizer) Recognize(ctx context.Context, img Image) (Output, error) {
	switch img.MediaType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
	default:
		return Output{}, newError(ErrProviderRejected, fmt.Errorf("unsupported media type %q", img.MediaType))
	}

	raw, err := v.llm.Complete(ctx, visionSystemPrompt, []anthropic.Message{
		anthropic.ImageMessage(img.Data, img.MediaType, visionInstruction),
	}, 4096)
	if err != nil {
		return Output{}, classifyAPIError(ctx, err)
	}

	out, err := llmjson.Parse[visionOutput](raw)
	if err != nil {
		// The model answered but ignored the format; the text is still usable
		// at a confidence low enough that a better provider is preferred.
		text := strings.TrimSpace(raw)
		if text == "" {
			return Output{}, newError(ErrProviderUnavailable, err)
		}
		return Output{Text: text, Confidence: 0.5}, nil
	}
	return Output{Text: out.Text, Confidence: out.Confidence}, nil
}

func classifyAPIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return newError(ErrProviderTimeout, ctx.Err())
	}
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		if kind := statusKind(apiErr.StatusCode); kind != nil {
			return newError(kind, err)
		}
	}
	if apiErr == nil && errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrProviderTimeout, err)
	}
	return newError(ErrProviderUnavailable, err)
}
