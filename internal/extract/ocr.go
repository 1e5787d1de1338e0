package extract

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/consolidate"
	"github.com/sells-group/docflow/internal/fetcher"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/ocr"
	"github.com/sells-group/docflow/internal/resilience"
)

// Locator materializes a document URI as a local file.
type Locator interface {
	Local(ctx context.Context, uri string) (path string, cleanup func(), err error)
}

var _ Locator = (*fetcher.Resolver)(nil)

// OCRStream extracts page text locally. It yields "text", "page_count" and
// "pages[i].number" / "pages[i].text" fields, all at one fixed confidence.
type OCRStream struct {
	id         string
	provider   string
	cost       int
	confidence float64
	engine     ocr.Engine
	locator    Locator
	usage      UsageRecorder
	nowFunc    func() time.Time
}

// OCRStreamConfig describes a local OCR stream.
type OCRStreamConfig struct {
	ID       string
	Provider string
	Cost     int
	// Confidence is assigned to every field; defaults to 0.6.
	Confidence float64
	// Usage, when set, is charged for every page the engine read.
	Usage UsageRecorder
}

// NewOCRStream builds a stream that runs engine over documents resolved by
// locator.
func NewOCRStream(cfg OCRStreamConfig, engine ocr.Engine, locator Locator) *OCRStream {
	provider := cfg.Provider
	if provider == "" {
		provider = cfg.ID
	}
	conf := cfg.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.6
	}
	return &OCRStream{
		id:         cfg.ID,
		provider:   provider,
		cost:       cfg.Cost,
		confidence: conf,
		engine:     engine,
		locator:    locator,
		usage:      cfg.Usage,
		nowFunc:    time.Now,
	}
}

// ID implements Stream.
func (s *OCRStream) ID() string { return s.id }

// Provider implements Stream.
func (s *OCRStream) Provider() string { return s.provider }

// Cost implements Coster.
func (s *OCRStream) Cost() int { return s.cost }

// Extract implements Stream. When the document names pages, only those are
// reported.
func (s *OCRStream) Extract(ctx context.Context, doc model.DocumentRef) ([]model.StreamResult, error) {
	path, cleanup, err := s.locator.Local(ctx, doc.URI)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pages, err := s.engine.ExtractPages(ctx, path)
	if err != nil {
		return nil, err
	}
	if s.usage != nil {
		s.usage.Record(s.id, len(pages), 0)
	}
	pages = selectPages(pages, doc.Pages)
	if len(pages) == 0 {
		return nil, resilience.NewPermanentError(eris.Errorf("extract: stream %s found no pages in %s", s.id, doc.ID), "empty document")
	}

	texts := make([]string, 0, len(pages))
	items := make([]any, 0, len(pages))
	for _, p := range pages {
		texts = append(texts, p.Text)
		items = append(items, map[string]any{"number": p.Number, "text": p.Text})
	}
	payload := map[string]any{
		"text":       strings.Join(texts, "\n\n"),
		"page_count": len(pages),
		"pages":      items,
	}

	zap.L().Debug("extract: ocr complete",
		zap.String("stream", s.id),
		zap.String("document_id", doc.ID),
		zap.Int("pages", len(pages)),
	)
	return consolidate.Flatten(s.id, doc.ID, payload, s.confidence, s.nowFunc().UTC()), nil
}

func selectPages(pages []ocr.Page, want []int) []ocr.Page {
	if len(want) == 0 {
		return pages
	}
	keep := make(map[int]bool, len(want))
	for _, n := range want {
		keep[n] = true
	}
	out := make([]ocr.Page, 0, len(want))
	for _, p := range pages {
		if keep[p.Number] {
			out = append(out, p)
		}
	}
	return out
}
