// Package ocr turns document files into per-page text. It backs the local
// extraction streams.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"
)

// Page is the text of one document page. Number is 1-based.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Engine extracts page text from a file on disk.
type Engine interface {
	ExtractPages(ctx context.Context, path string) ([]Page, error)
}

// Config selects and configures an engine.
type Config struct {
	// Engine is "pdftotext" or "mistral".
	Engine        string
	PdfToTextPath string
	MistralKey    string
	MistralModel  string
	MistralURL    string
}

// New creates the Engine named by cfg.Engine.
func New(cfg Config) (Engine, error) {
	switch cfg.Engine {
	case "pdftotext", "":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral engine requires a key")
		}
		m := NewMistralOCR(cfg.MistralKey, cfg.MistralModel)
		if cfg.MistralURL != "" {
			m.endpoint = cfg.MistralURL
		}
		return m, nil
	default:
		return nil, eris.Errorf("ocr: unknown engine %q", cfg.Engine)
	}
}
