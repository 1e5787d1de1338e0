package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/resilience"
)

const (
	mistralOCREndpoint  = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "mistral-ocr-latest"

	// Mistral rejects inline documents above 50MB.
	maxInlineBytes = 50 << 20
)

// MistralOCR sends documents inline to the Mistral OCR API. PDFs go up as
// document_url, PNG and JPEG scans as image_url.
type MistralOCR struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewMistralOCR creates the engine. An empty model selects mistral-ocr-latest.
func NewMistralOCR(apiKey, model string) *MistralOCR {
	m := &MistralOCR{apiKey: apiKey, model: model, endpoint: mistralOCREndpoint, client: &http.Client{}}
	if m.model == "" {
		m.model = defaultMistralModel
	}
	return m
}

type mistralRequest struct {
	Model    string          `json:"model"`
	Document mistralDocument `json:"document"`
}

// Exactly one of DocumentURL and ImageURL is set, matching Type.
type mistralDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type mistralResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

// ExtractPages implements Engine. Pages come back ordered by number even
// when the service reports them out of order.
func (m *MistralOCR) ExtractPages(ctx context.Context, path string) ([]Page, error) {
	doc, err := inlineDocument(path)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(mistralRequest{Model: m.model, Document: doc})
	if err != nil {
		return nil, eris.Wrap(err, "ocr: encode mistral request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: build mistral request")
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: call mistral")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := eris.Errorf("ocr: mistral answered %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, resilience.NewPermanentError(err, "rejected")
	}

	var out mistralResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "ocr: decode mistral response"), "malformed response")
	}
	pages := make([]Page, len(out.Pages))
	for i, p := range out.Pages {
		pages[i] = Page{Number: p.Index + 1, Text: p.Markdown}
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })
	return pages, nil
}

// inlineDocument reads path into a base64 data URL, sniffing its type.
func inlineDocument(path string) (mistralDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return mistralDocument{}, resilience.NewPermanentError(eris.Wrapf(err, "ocr: read %s", path), "document unavailable")
	}
	if len(data) > maxInlineBytes {
		return mistralDocument{}, resilience.NewPermanentError(
			eris.Errorf("ocr: %s is %d bytes, above the inline limit", path, len(data)), "document too large")
	}

	mime := http.DetectContentType(data)
	url := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
	switch mime {
	case "application/pdf":
		return mistralDocument{Type: "document_url", DocumentURL: url}, nil
	case "image/png", "image/jpeg":
		return mistralDocument{Type: "image_url", ImageURL: url}, nil
	}
	return mistralDocument{}, resilience.NewPermanentError(
		eris.Errorf("ocr: %s has type %s", path, mime), "unsupported format")
}
