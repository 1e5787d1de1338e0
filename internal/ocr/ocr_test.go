package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/resilience"
)

func writePDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 test content"), 0o644))
	return path
}

func TestNew_Engines(t *testing.T) {
	e, err := New(Config{Engine: "pdftotext", PdfToTextPath: "/usr/bin/pdftotext"})
	require.NoError(t, err)
	assert.IsType(t, &PdfToText{}, e)

	e, err = New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &PdfToText{}, e)

	e, err = New(Config{Engine: "mistral", MistralKey: "k", MistralURL: "http://ocr.internal/v1/ocr"})
	require.NoError(t, err)
	require.IsType(t, &MistralOCR{}, e)
	assert.Equal(t, "http://ocr.internal/v1/ocr", e.(*MistralOCR).endpoint)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{Engine: "mistral"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mistral engine requires a key")

	_, err = New(Config{Engine: "tesseract"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown engine "tesseract"`)
}

func TestPdfToText_BinPath(t *testing.T) {
	assert.Equal(t, "pdftotext", NewPdfToText("").binPath)
	assert.Equal(t, "/custom/pdftotext", NewPdfToText("/custom/pdftotext").binPath)
}

func TestPdfToText_SplitsPages(t *testing.T) {
	fakeBin := filepath.Join(t.TempDir(), "pdftotext")
	script := "#!/bin/sh\nprintf 'Invoice 42\\fTotal 1200\\f'\n"
	require.NoError(t, os.WriteFile(fakeBin, []byte(script), 0o755))

	pages, err := NewPdfToText(fakeBin).ExtractPages(context.Background(), "/tmp/dummy.pdf")
	require.NoError(t, err)
	assert.Equal(t, []Page{{Number: 1, Text: "Invoice 42"}, {Number: 2, Text: "Total 1200"}}, pages)
}

func TestPdfToText_Failures(t *testing.T) {
	_, err := NewPdfToText("/nonexistent/pdftotext").ExtractPages(context.Background(), "/tmp/test.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pdftotext failed")
	assert.True(t, resilience.IsPermanent(err))

	fakeBin := filepath.Join(t.TempDir(), "pdftotext")
	require.NoError(t, os.WriteFile(fakeBin, []byte("#!/bin/sh\necho 'Syntax Error' >&2\nexit 1\n"), 0o755))
	_, err = NewPdfToText(fakeBin).ExtractPages(context.Background(), "/tmp/test.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Syntax Error")
	assert.True(t, resilience.IsPermanent(err))
}

func TestSplitPages(t *testing.T) {
	assert.Equal(t, []Page{{Number: 1, Text: "only"}}, splitPages("only"))
	assert.Equal(t, []Page{{Number: 1, Text: ""}}, splitPages(""))
	assert.Len(t, splitPages("a\fb\fc\f"), 3)
}

func newMistral(url string) *MistralOCR {
	m := NewMistralOCR("test-key", "test-model")
	m.endpoint = url
	return m
}

func TestMistralOCR_DefaultModel(t *testing.T) {
	m := NewMistralOCR("key", "")
	assert.Equal(t, defaultMistralModel, m.model)
	assert.Equal(t, mistralOCREndpoint, m.endpoint)
}

func TestMistralOCR_ExtractPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req mistralRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "document_url", req.Document.Type)
		assert.True(t, strings.HasPrefix(req.Document.DocumentURL, "data:application/pdf;base64,"))
		assert.Empty(t, req.Document.ImageURL)

		_, _ = w.Write([]byte(`{"pages":[{"index":1,"markdown":"Total 1200"},{"index":0,"markdown":"Invoice 42"}]}`))
	}))
	defer srv.Close()

	pages, err := newMistral(srv.URL).ExtractPages(context.Background(), writePDF(t))
	require.NoError(t, err)
	assert.Equal(t, []Page{{Number: 1, Text: "Invoice 42"}, {Number: 2, Text: "Total 1200"}}, pages)
}

func TestMistralOCR_ImageScan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mistralRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "image_url", req.Document.Type)
		assert.True(t, strings.HasPrefix(req.Document.ImageURL, "data:image/png;base64,"))
		_, _ = w.Write([]byte(`{"pages":[{"index":0,"markdown":"receipt"}]}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "scan.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG\r\n\x1a\n0000"), 0o644))

	pages, err := newMistral(srv.URL).ExtractPages(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []Page{{Number: 1, Text: "receipt"}}, pages)
}

func TestMistralOCR_UnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("just text"), 0o644))

	_, err := newMistral("http://unused.invalid").ExtractPages(context.Background(), path)
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestMistralOCR_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusUnauthorized, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
	}
	path := writePDF(t)
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}` + strings.Repeat(" ", 2048) + "tail"))
			}))
			defer srv.Close()

			_, err := newMistral(srv.URL).ExtractPages(context.Background(), path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), `mistral answered`)
			assert.Contains(t, err.Error(), `{"error":"nope"}`)
			assert.NotContains(t, err.Error(), "tail")
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
			assert.Equal(t, !tt.transient, resilience.IsPermanent(err))
		})
	}
}

func TestMistralOCR_FileNotFound(t *testing.T) {
	_, err := NewMistralOCR("key", "model").ExtractPages(context.Background(), "/nonexistent/file.pdf")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), "document unavailable")
}

func TestMistralOCR_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{invalid json`))
	}))
	defer srv.Close()

	_, err := newMistral(srv.URL).ExtractPages(context.Background(), writePDF(t))
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), "decode mistral response")
}

func TestMistralOCR_EmptyPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"pages":[]}`))
	}))
	defer srv.Close()

	pages, err := newMistral(srv.URL).ExtractPages(context.Background(), writePDF(t))
	require.NoError(t, err)
	assert.Empty(t, pages)
}
