package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/cost"
	"github.com/sells-group/docflow/internal/fetcher"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/ocr"
	"github.com/sells-group/docflow/internal/resilience"
	"github.com/sells-group/docflow/pkg/anthropic"
)

type fakeLLM struct {
	reply string
	err   error
	reqs  []anthropic.Request
}

func (f *fakeLLM) Complete(_ context.Context, req anthropic.Request) (*anthropic.Response, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.Response{Text: f.reply, Usage: anthropic.Usage{Input: 900, Output: 100}}, nil
}

func TestLLMStream_Extract(t *testing.T) {
	path := writeDoc(t)
	llm := &fakeLLM{reply: "Here you go:\n```json\n" +
		`{"invoice_number": "42", "total": {"value": 1200, "confidence": 0.95}, "lines": [{"sku": "A1"}], "notes": null}` +
		"\n```"}
	costs := cost.NewCalculator(map[string]cost.Rate{"claude": {PerMTok: 3}})

	s := NewLLMStream(LLMStreamConfig{ID: "claude", Model: "claude-haiku-4-5-20251001", Usage: costs},
		llm, engineFunc(threePages), fetcher.NewResolver(fetcher.Options{}))
	s.nowFunc = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	results, err := s.Extract(context.Background(), model.DocumentRef{ID: "inv-42", URI: path, MimeType: "application/pdf", Pages: []int{1, 2}})
	require.NoError(t, err)

	fields := resultsByPath(results)
	require.Len(t, fields, 3)
	assert.Equal(t, "42", fields["invoice_number"].Value)
	assert.InDelta(t, 0.75, fields["invoice_number"].Confidence, 0.0001)
	assert.InDelta(t, 0.95, fields["total"].Confidence, 0.0001)
	assert.Equal(t, "A1", fields["lines[0].sku"].Value)

	require.Len(t, llm.reqs, 1)
	req := llm.reqs[0]
	assert.Equal(t, "claude-haiku-4-5-20251001", req.Model)
	assert.Equal(t, int64(2048), req.MaxTokens)
	assert.Equal(t, DefaultLLMPrompt, req.System)
	assert.True(t, req.CacheSystem)
	assert.Equal(t, anthropic.RoleUser, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "Document inv-42 (application/pdf)")
	assert.Contains(t, req.Messages[0].Content, "--- page 2 ---\nTotal 1200")
	assert.NotContains(t, req.Messages[0].Content, "Terms")

	spend := costs.Totals()["claude"]
	assert.EqualValues(t, 2, spend.Pages)
	assert.EqualValues(t, 1000, spend.Tokens)
	assert.InDelta(t, 0.003, spend.USD, 1e-9)
	assert.Equal(t, "anthropic", s.Provider())
}

func TestLLMStream_MalformedReply(t *testing.T) {
	path := writeDoc(t)
	s := NewLLMStream(LLMStreamConfig{ID: "claude"}, &fakeLLM{reply: "I cannot read this."},
		engineFunc(threePages), fetcher.NewResolver(fetcher.Options{}))

	_, err := s.Extract(context.Background(), model.DocumentRef{ID: "d", URI: path})
	assert.True(t, resilience.IsPermanent(err))

	s = NewLLMStream(LLMStreamConfig{ID: "claude"}, &fakeLLM{reply: "{}"},
		engineFunc(threePages), fetcher.NewResolver(fetcher.Options{}))
	_, err = s.Extract(context.Background(), model.DocumentRef{ID: "d", URI: path})
	assert.True(t, resilience.IsPermanent(err))
}

func TestLLMStream_EmptyTextSkipsModel(t *testing.T) {
	path := writeDoc(t)
	llm := &fakeLLM{reply: `{"a": 1}`}
	blank := engineFunc(func(context.Context, string) ([]ocr.Page, error) {
		return []ocr.Page{{Number: 1, Text: "  "}}, nil
	})
	s := NewLLMStream(LLMStreamConfig{ID: "claude", MaxChars: 10}, llm, blank, fetcher.NewResolver(fetcher.Options{}))

	_, err := s.Extract(context.Background(), model.DocumentRef{ID: "d", URI: path})
	assert.True(t, resilience.IsPermanent(err))
	assert.Empty(t, llm.reqs)
}

func TestLLMStream_APIErrorClassification(t *testing.T) {
	path := writeDoc(t)
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{529, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"type":  "error",
				"error": map[string]any{"type": "api_error", "message": "nope"},
			})
		}))
		client := anthropic.NewClient("k", anthropic.Options{BaseURL: srv.URL})
		s := NewLLMStream(LLMStreamConfig{ID: "claude", Model: "m"}, client, engineFunc(threePages), fetcher.NewResolver(fetcher.Options{}))

		_, err := s.Extract(context.Background(), model.DocumentRef{ID: "d", URI: path})
		require.Error(t, err)
		assert.Equal(t, tc.transient, resilience.IsTransient(err), "status %d", tc.status)
		assert.Equal(t, !tc.transient, resilience.IsPermanent(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestLLMStream_EngineErrorPassesThrough(t *testing.T) {
	path := writeDoc(t)
	boom := resilience.NewPermanentError(errors.New("bad pdf"), "unreadable document")
	s := NewLLMStream(LLMStreamConfig{ID: "claude"}, &fakeLLM{},
		engineFunc(func(context.Context, string) ([]ocr.Page, error) { return nil, boom }),
		fetcher.NewResolver(fetcher.Options{}))

	_, err := s.Extract(context.Background(), model.DocumentRef{ID: "d", URI: path})
	assert.Same(t, boom, err)
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanJSON("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":{"b":2}}`, cleanJSON(`Sure! {"a":{"b":2}} Done.`))
	assert.Equal(t, "nothing", cleanJSON(" nothing "))
}

func TestDocumentText_Truncates(t *testing.T) {
	pages := []ocr.Page{{Number: 1, Text: "abcdefghij"}, {Number: 2, Text: "klm"}}
	out := documentText(pages, 20)
	assert.Len(t, out, 20)
	assert.NotContains(t, out, "page 2")
}
