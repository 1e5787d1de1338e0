package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/cost"
	"github.com/sells-group/docflow/internal/fetcher"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/ocr"
	"github.com/sells-group/docflow/internal/resilience"
)

type engineFunc func(ctx context.Context, path string) ([]ocr.Page, error)

func (f engineFunc) ExtractPages(ctx context.Context, path string) ([]ocr.Page, error) {
	return f(ctx, path)
}

func threePages(_ context.Context, _ string) ([]ocr.Page, error) {
	return []ocr.Page{
		{Number: 1, Text: "INVOICE 42"},
		{Number: 2, Text: "Total 1200"},
		{Number: 3, Text: "Terms"},
	}, nil
}

func resultsByPath(results []model.StreamResult) map[string]model.StreamResult {
	out := make(map[string]model.StreamResult, len(results))
	for _, r := range results {
		out[r.FieldPath] = r
	}
	return out
}

func writeDoc(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inv-42.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o644))
	return path
}

func TestOCRStream_Extract(t *testing.T) {
	path := writeDoc(t)
	var seen string
	engine := engineFunc(func(ctx context.Context, p string) ([]ocr.Page, error) {
		seen = p
		return threePages(ctx, p)
	})

	s := NewOCRStream(OCRStreamConfig{ID: "local-ocr", Confidence: 0.55, Cost: 2}, engine, fetcher.NewResolver(fetcher.Options{}))
	s.nowFunc = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	results, err := s.Extract(context.Background(), model.DocumentRef{ID: "inv-42", URI: "file://" + path})
	require.NoError(t, err)
	assert.Equal(t, path, seen)

	fields := resultsByPath(results)
	require.Len(t, fields, 8)
	assert.Equal(t, "INVOICE 42\n\nTotal 1200\n\nTerms", fields["text"].Value)
	assert.Equal(t, 3, fields["page_count"].Value)
	assert.Equal(t, "Total 1200", fields["pages[1].text"].Value)
	assert.Equal(t, 3, fields["pages[2].number"].Value)
	for _, r := range results {
		assert.Equal(t, "local-ocr", r.StreamID)
		assert.Equal(t, "inv-42", r.DocumentID)
		assert.InDelta(t, 0.55, r.Confidence, 0.0001)
	}

	assert.Equal(t, "local-ocr", s.Provider())
	assert.Equal(t, 2, CostOf(s))
}

func TestOCRStream_SelectsRequestedPages(t *testing.T) {
	calc := cost.NewCalculator(map[string]cost.Rate{"ocr": {PerPage: 0.002}})
	s := NewOCRStream(OCRStreamConfig{ID: "ocr", Usage: calc}, engineFunc(threePages), fetcher.NewResolver(fetcher.Options{}))

	results, err := s.Extract(context.Background(), model.DocumentRef{ID: "d", URI: writeDoc(t), Pages: []int{3, 1}})
	require.NoError(t, err)

	fields := resultsByPath(results)
	assert.Equal(t, 2, fields["page_count"].Value)
	assert.Equal(t, "INVOICE 42", fields["pages[0].text"].Value)
	assert.Equal(t, "Terms", fields["pages[1].text"].Value)
	assert.InDelta(t, 0.6, fields["text"].Confidence, 0.0001)
	// Every page the engine read is charged, not only the selected ones.
	assert.Equal(t, int64(3), calc.Totals()["ocr"].Pages)

	_, err = s.Extract(context.Background(), model.DocumentRef{ID: "d", URI: writeDoc(t), Pages: []int{9}})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestOCRStream_Errors(t *testing.T) {
	resolver := fetcher.NewResolver(fetcher.Options{})

	s := NewOCRStream(OCRStreamConfig{ID: "ocr"}, engineFunc(threePages), resolver)
	_, err := s.Extract(context.Background(), model.DocumentRef{ID: "d", URI: "s3://bucket/d.pdf"})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), "unsupported scheme")

	busy := engineFunc(func(context.Context, string) ([]ocr.Page, error) {
		return nil, resilience.NewTransientError(errors.New("ocr busy"), 503)
	})
	s = NewOCRStream(OCRStreamConfig{ID: "ocr"}, busy, resolver)
	_, err = s.Extract(context.Background(), model.DocumentRef{ID: "d", URI: writeDoc(t)})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}
