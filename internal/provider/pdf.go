package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFTextRecognizer reads the embedded text layer of born-digital PDFs.
// Scanned PDFs have no text layer and come back with zero confidence so the
// orchestrator moves on to an OCR provider.
type PDFTextRecognizer struct{}

func NewPDFTextRecognizer() *PDFTextRecognizer {
	return &PDFTextRecognizer{}
}

// IsPDF sniffs the magic header; media types from chat transports are unreliable.
func IsPDF(img Image) bool {
	return img.MediaType == "application/pdf" || bytes.HasPrefix(img.Data, []byte("%PDF-"))
}

func (PDFTextRecognizer) Recognize(ctx context.Context, img Image) (Output, error) {
	if !IsPDF(img) {
		return Output{}, newError(ErrProviderRejected, fmt.Errorf("not a PDF (%s)", img.MediaType))
	}

	text, err := extractPDFText(img.Data)
	if err != nil {
		return Output{}, newError(ErrProviderRejected, fmt.Errorf("read pdf: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	text = strings.TrimSpace(text)
	if len(text) < 20 {
		return Output{Text: text, Confidence: 0}, nil
	}
	return Output{Text: text, Confidence: 0.99}, nil
}

func extractPDFText(data []byte) (text string, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}
