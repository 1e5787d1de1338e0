package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/model"
)

func testConfig() Config {
	return Config{
		Streams: []StreamDef{
			{ID: "text", Priority: 60, DocTypes: []string{"*"}},
			{ID: "vision", Priority: 95, DocTypes: []string{"floor_plan", "Site_Plan"}},
			{ID: "ocr", Priority: 80, DocTypes: []string{"floor_plan", "invoice"}},
			{ID: "pattern", Priority: 80, DocTypes: []string{"invoice"}},
		},
		DefaultStreams: []string{"text", "ocr"},
		HighConfidence: 0.9,
		MaxFanout:      3,
		TypePriorities: map[string]model.Priority{
			"floor_plan": model.PriorityHigh,
			"INVOICE":    model.PriorityLow,
		},
	}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(testConfig())
	require.NoError(t, err)
	return r
}

var doc = model.DocumentRef{ID: "doc-1", URI: "file:///tmp/doc-1.pdf"}

func TestRoute_HighConfidenceSingleStream(t *testing.T) {
	r := newTestRouter(t)

	got := r.Route(doc, &model.Classification{Type: "floor_plan", Confidence: 0.95})
	assert.Equal(t, Route{Priority: model.PriorityHigh, Streams: []string{"vision"}, Reason: ReasonSingle}, got)
}

func TestRoute_LowConfidenceFansOut(t *testing.T) {
	r := newTestRouter(t)

	got := r.Route(doc, &model.Classification{Type: "floor_plan", Confidence: 0.5})
	assert.Equal(t, model.PriorityHigh, got.Priority)
	assert.Equal(t, []string{"vision", "ocr", "text"}, got.Streams)
	assert.Equal(t, ReasonFanout, got.Reason)
	assert.False(t, got.Degraded)
}

func TestRoute_FanoutCappedAndOrderedByPriorityThenID(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFanout = 2
	r, err := New(cfg)
	require.NoError(t, err)

	// invoice candidates: ocr(80), pattern(80), text(60 via *).
	got := r.Route(doc, &model.Classification{Type: "invoice", Confidence: 0.4})
	assert.Equal(t, []string{"ocr", "pattern"}, got.Streams)
	assert.Equal(t, model.PriorityLow, got.Priority)
}

func TestRoute_ThinFanoutToppedUpWithDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.Streams[0].DocTypes = nil // text no longer matches everything
	r, err := New(cfg)
	require.NoError(t, err)

	got := r.Route(doc, &model.Classification{Type: "site_plan", Confidence: 0.3})
	assert.Equal(t, []string{"vision", "text"}, got.Streams)
	assert.Equal(t, model.PriorityMedium, got.Priority, "unlisted types default to medium")
}

func TestRoute_UnknownGoesToDefaultsAtLow(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name string
		c    *model.Classification
	}{
		{"empty type", &model.Classification{Confidence: 0.99}},
		{"unknown type", &model.Classification{Type: "Unknown", Confidence: 0.99}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Route(doc, tt.c)
			assert.Equal(t, Route{Priority: model.PriorityLow, Streams: []string{"text", "ocr"}, Reason: ReasonUnclassified}, got)
		})
	}
}

func TestRoute_NoCandidateGoesToDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.Streams[0].DocTypes = []string{"memo"}
	r, err := New(cfg)
	require.NoError(t, err)

	got := r.Route(doc, &model.Classification{Type: "contract", Confidence: 0.99})
	assert.Equal(t, model.PriorityLow, got.Priority)
	assert.Equal(t, []string{"text", "ocr"}, got.Streams)
	assert.Equal(t, ReasonUnclassified, got.Reason)
}

func TestRoute_ClassificationFailureIsDegraded(t *testing.T) {
	r := newTestRouter(t)

	got := r.Route(doc, nil)
	assert.True(t, got.Degraded)
	assert.Equal(t, ReasonDegraded, got.Reason)
	assert.Equal(t, model.PriorityLow, got.Priority)
	assert.Equal(t, []string{"text", "ocr"}, got.Streams)
}

func TestRoute_Deterministic(t *testing.T) {
	r := newTestRouter(t)
	c := &model.Classification{Type: "invoice", Confidence: 0.6}

	first := r.Route(doc, c)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, r.Route(doc, c))
	}
}

func TestRoute_ResultDoesNotAliasDefaults(t *testing.T) {
	r := newTestRouter(t)
	got := r.Route(doc, nil)
	got.Streams[0] = "mutated"
	assert.Equal(t, []string{"text", "ocr"}, r.Route(doc, nil).Streams)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"no defaults", func(c *Config) { c.DefaultStreams = nil }, "default stream"},
		{"unknown default", func(c *Config) { c.DefaultStreams = []string{"missing"} }, "not configured"},
		{"duplicate stream", func(c *Config) { c.Streams = append(c.Streams, StreamDef{ID: "ocr"}) }, "duplicate"},
		{"empty id", func(c *Config) { c.Streams = append(c.Streams, StreamDef{}) }, "empty id"},
		{"bad priority", func(c *Config) { c.TypePriorities["memo"] = "urgent" }, "invalid priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	cfg := testConfig()
	cfg.HighConfidence = 0
	cfg.MaxFanout = 0
	r, err := New(cfg)
	require.NoError(t, err)

	// 0.86 >= default 0.85 threshold.
	got := r.Route(doc, &model.Classification{Type: "invoice", Confidence: 0.86})
	assert.Equal(t, []string{"ocr"}, got.Streams)
}
