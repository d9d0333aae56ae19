package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPRecognizer talks to an OCR service that accepts the raw image as the
// request body and answers {"text": "...", "confidence": 0.0-1.0}.
type HTTPRecognizer struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPRecognizer(url, token string) *HTTPRecognizer {
	return &HTTPRecognizer{
		url:    url,
		token:  token,
		client: &http.Client{},
	}
}

type ocrResponse struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
	Error      string   `json:"error,omitempty"`
}

func (h *HTTPRecognizer) Recognize(ctx context.Context, img Image) (Output, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(img.Data))
	if err != nil {
		return Output{}, newError(ErrProviderRejected, fmt.Errorf("create request: %w", err))
	}
	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mediaType)
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, newError(ErrProviderTimeout, ctx.Err())
		}
		return Output{}, newError(ErrProviderUnavailable, fmt.Errorf("ocr call: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Output{}, newError(ErrProviderUnavailable, fmt.Errorf("read response: %w", err))
	}

	if kind := statusKind(resp.StatusCode); kind != nil {
		return Output{}, newError(kind, fmt.Errorf("ocr status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	var out ocrResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Output{}, newError(ErrProviderUnavailable, fmt.Errorf("decode ocr response: %w", err))
	}
	if out.Confidence == nil {
		return Output{}, newError(ErrProviderUnavailable, fmt.Errorf("ocr response missing confidence"))
	}
	return Output{Text: out.Text, Confidence: *out.Confidence}, nil
}

// statusKind maps an HTTP status to a failure class, nil for success.
func statusKind(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrProviderAuth
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return ErrProviderTimeout
	case code == http.StatusTooManyRequests, code >= 500:
		return ErrProviderUnavailable
	default:
		return ErrProviderRejected
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
