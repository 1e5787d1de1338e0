package ocr

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/resilience"
)

// PdfToText extracts text from PDFs using the pdftotext CLI tool.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractPages runs pdftotext -layout on the given PDF and splits its
// output on form feeds, which pdftotext writes after every page.
func (p *PdfToText) ExtractPages(ctx context.Context, pdfPath string) ([]Page, error) {
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", pdfPath, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "ocr: pdftotext interrupted")
		}
		wrapped := eris.Wrapf(err, "ocr: pdftotext failed for %s: %s", pdfPath, strings.TrimSpace(stderr.String()))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, resilience.NewPermanentError(wrapped, "unreadable document")
		}
		return nil, resilience.NewPermanentError(wrapped, "pdftotext unavailable")
	}

	return splitPages(stdout.String()), nil
}

func splitPages(out string) []Page {
	parts := strings.Split(out, "\f")
	// The final form feed leaves an empty tail.
	if n := len(parts); n > 1 && strings.TrimSpace(parts[n-1]) == "" {
		parts = parts[:n-1]
	}
	pages := make([]Page, 0, len(parts))
	for i, text := range parts {
		pages = append(pages, Page{Number: i + 1, Text: text})
	}
	return pages
}
