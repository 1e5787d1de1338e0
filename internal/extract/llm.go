package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/consolidate"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/ocr"
	"github.com/sells-group/docflow/internal/resilience"
	"github.com/sells-group/docflow/pkg/anthropic"
)

// DefaultLLMPrompt asks the model for a flat or nested JSON object of the
// fields it can read from the document.
const DefaultLLMPrompt = `You extract structured data from business documents.
Read the document text and reply with a single JSON object and nothing else.
Use snake_case keys. Nest objects and arrays where the document does.
When unsure of a value, write it as {"value": <value>, "confidence": <0..1>}.
Omit fields that are not present. Never invent values.`

// LLMStream reads page text with an OCR engine and asks a Claude model to
// turn it into fields.
type LLMStream struct {
	id         string
	provider   string
	cost       int
	model      string
	maxTokens  int64
	prompt     string
	confidence float64
	maxChars   int
	client     anthropic.Client
	engine     ocr.Engine
	locator    Locator
	usage      UsageRecorder
	nowFunc    func() time.Time
}

// LLMStreamConfig describes an LLM stream.
type LLMStreamConfig struct {
	ID       string
	Provider string
	Cost     int
	Model    string
	// MaxTokens bounds the reply; defaults to 2048.
	MaxTokens int64
	// Prompt replaces DefaultLLMPrompt when set.
	Prompt string
	// Confidence is assigned to fields the model did not score; defaults to 0.75.
	Confidence float64
	// MaxChars truncates the document text sent to the model; 0 means 100000.
	MaxChars int
	Usage    UsageRecorder
}

// NewLLMStream builds a stream over client, reading documents through engine.
func NewLLMStream(cfg LLMStreamConfig, client anthropic.Client, engine ocr.Engine, locator Locator) *LLMStream {
	s := &LLMStream{
		id:         cfg.ID,
		provider:   cfg.Provider,
		cost:       cfg.Cost,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		prompt:     cfg.Prompt,
		confidence: cfg.Confidence,
		maxChars:   cfg.MaxChars,
		client:     client,
		engine:     engine,
		locator:    locator,
		usage:      cfg.Usage,
		nowFunc:    time.Now,
	}
	if s.provider == "" {
		s.provider = "anthropic"
	}
	if s.maxTokens <= 0 {
		s.maxTokens = 2048
	}
	if s.prompt == "" {
		s.prompt = DefaultLLMPrompt
	}
	if s.confidence <= 0 || s.confidence > 1 {
		s.confidence = 0.75
	}
	if s.maxChars <= 0 {
		s.maxChars = 100000
	}
	return s
}

// ID implements Stream.
func (s *LLMStream) ID() string { return s.id }

// Provider implements Stream.
func (s *LLMStream) Provider() string { return s.provider }

// Cost implements Coster.
func (s *LLMStream) Cost() int { return s.cost }

// Extract implements Stream.
func (s *LLMStream) Extract(ctx context.Context, doc model.DocumentRef) ([]model.StreamResult, error) {
	path, cleanup, err := s.locator.Local(ctx, doc.URI)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pages, err := s.engine.ExtractPages(ctx, path)
	if err != nil {
		return nil, err
	}
	pages = selectPages(pages, doc.Pages)
	if !hasText(pages) {
		return nil, resilience.NewPermanentError(eris.Errorf("extract: stream %s found no text in %s", s.id, doc.ID), "empty document")
	}

	text := documentText(pages, s.maxChars)

	temp := 0.0
	resp, err := s.client.Complete(ctx, anthropic.Request{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		System:      s.prompt,
		CacheSystem: true,
		Messages:    []anthropic.Message{{Role: anthropic.RoleUser, Content: userMessage(doc, text)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, classifyLLM(err, fmt.Sprintf("extract: stream %s", s.id))
	}
	if s.usage != nil {
		s.usage.Record(s.id, len(pages), int(resp.Usage.Total()))
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text)), &payload); err != nil {
		return nil, resilience.NewPermanentError(eris.Wrapf(err, "extract: stream %s reply for %s is not json", s.id, doc.ID), "malformed response")
	}
	results := consolidate.Flatten(s.id, doc.ID, payload, s.confidence, s.nowFunc().UTC())
	if len(results) == 0 {
		return nil, resilience.NewPermanentError(eris.Errorf("extract: stream %s returned no fields", s.id), "empty response")
	}

	zap.L().Debug("extract: llm complete",
		zap.String("stream", s.id),
		zap.String("document_id", doc.ID),
		zap.Int("fields", len(results)),
		zap.Int64("input_tokens", resp.Usage.Input),
		zap.Int64("output_tokens", resp.Usage.Output),
		zap.Int64("cache_read_tokens", resp.Usage.CacheRead),
	)
	return results, nil
}

func userMessage(doc model.DocumentRef, text string) string {
	var sb strings.Builder
	sb.WriteString("Document ")
	sb.WriteString(doc.ID)
	if doc.MimeType != "" {
		sb.WriteString(" (")
		sb.WriteString(doc.MimeType)
		sb.WriteString(")")
	}
	sb.WriteString(":\n\n")
	sb.WriteString(text)
	return sb.String()
}

func hasText(pages []ocr.Page) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

// documentText joins pages with page markers, cut at maxChars.
func documentText(pages []ocr.Page, maxChars int) string {
	var sb strings.Builder
	for _, p := range pages {
		fmt.Fprintf(&sb, "--- page %d ---\n%s\n", p.Number, p.Text)
		if sb.Len() >= maxChars {
			break
		}
	}
	out := sb.String()
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out
}

// cleanJSON strips markdown fences and surrounding prose from a reply.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// classifyLLM maps API errors onto the retry taxonomy. 529 is the API's
// overloaded status.
func classifyLLM(err error, msg string) error {
	code, ok := anthropic.StatusCode(err)
	if !ok {
		return eris.Wrap(err, msg)
	}
	if resilience.IsTransientHTTPStatus(code) || code == 529 {
		return resilience.NewTransientError(eris.Wrap(err, msg), code)
	}
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return resilience.NewPermanentError(eris.Wrap(err, msg), "unauthorized")
	}
	return resilience.NewPermanentError(eris.Wrap(err, msg), "rejected")
}
