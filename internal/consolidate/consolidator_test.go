package consolidate

import (
	"encoding/json"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/model"
)

var t0 = time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)

func res(stream, path string, v any, conf float64, at time.Time) model.StreamResult {
	return model.StreamResult{StreamID: stream, DocumentID: "doc-1", FieldPath: path, Value: v, Confidence: conf, Timestamp: at}
}

func newTestConsolidator() *Consolidator {
	return New(Config{
		Streams: map[string]StreamWeight{
			"ocr":     {Priority: 80},
			"vision":  {Priority: 95},
			"pattern": {Priority: 60},
			"text":    {Priority: 60},
		},
		VerifyBoost: 0.1,
	})
}

func TestMatch_NumericTolerances(t *testing.T) {
	tol := DefaultTolerances()

	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"relative within 5% above 100", 105, 110, true},
		{"absolute within 2 below 100", 1.0, 1.5, true},
		{"absolute beyond 2 below 100", 50, 60, false},
		{"relative 0.8%", 1200, 1210, true},
		{"relative beyond 5%", 1000, 1100, false},
		{"boundary exactly 2", 10, 12, true},
		{"negative numbers", -1200, -1210, true},
		{"string numbers with commas", "1,200", 1210.0, true},
		{"dollar prefix", "$1,000", "1,020", true},
		{"json number", json.Number("105"), 110, true},
		{"decimal string", "12.50", 13.0, true},
		{"digit strings are identifiers", "90210", "90211", false},
		{"leading zeros are kept", "00123", "123", false},
		{"digit string equals rendered number", "1210", 1210.0, true},
		{"digit string beyond exact", "1210", 1211, false},
		{"number vs text", 105, "one hundred five", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tol.Match(tt.a, tt.b))
			assert.Equal(t, tt.want, tol.Match(tt.b, tt.a), "match must be symmetric")
		})
	}
}

func TestMatch_StringNormalization(t *testing.T) {
	tol := DefaultTolerances()

	assert.True(t, tol.Match("Main  Street\t12", "main street 12"))
	assert.True(t, tol.Match("STRASSE", "straße"), "case folding")
	assert.True(t, tol.Match("ｆｉｒｓｔ floor", "first floor"), "NFKC width folding")
	assert.True(t, tol.Match(true, "TRUE"))
	assert.False(t, tol.Match("Kitchen", "Kitchenette"))
}

func TestConsolidate_ScenarioPriorityTimesConfidence(t *testing.T) {
	c := newTestConsolidator()

	rec := c.Consolidate("doc-1", []model.StreamResult{
		res("vision", "total_area", 1210, 0.6, t0),
		res("ocr", "total_area", 1200, 0.8, t0),
	})

	f, ok := rec.Field("total_area")
	require.True(t, ok)
	// 0.8*80 = 64 beats 0.6*95 = 57.
	assert.Equal(t, 1200, f.Value)
	assert.Equal(t, "ocr", f.SourceStream)
	assert.InDelta(t, 64.0, f.Score, 1e-9)
	assert.True(t, f.CrossVerified)
	assert.Equal(t, []string{"vision"}, f.AgreeingStreams)
	assert.InDelta(t, 0.8, f.RawConfidence, 1e-9)
	assert.InDelta(t, 0.9, f.Confidence, 1e-9)
	assert.Empty(t, f.Conflicts)
	assert.Equal(t, 0, rec.Version)
	assert.Len(t, rec.Results, 2)
}

func TestConsolidate_MismatchKeepsCandidates(t *testing.T) {
	c := newTestConsolidator()

	rec := c.Consolidate("doc-1", []model.StreamResult{
		res("ocr", "bedrooms", 50, 0.9, t0),
		res("vision", "bedrooms", 60, 0.5, t0),
		res("pattern", "bedrooms", 70, 0.9, t0),
	})

	f := rec.Fields["bedrooms"]
	assert.Equal(t, 50, f.Value, "0.9*80=72 beats 0.5*95 and 0.9*60")
	assert.False(t, f.CrossVerified)
	assert.InDelta(t, 0.9, f.Confidence, 1e-9, "no boost without agreement")
	require.Len(t, f.Conflicts, 2)
	streams := []string{f.Conflicts[0].StreamID, f.Conflicts[1].StreamID}
	assert.ElementsMatch(t, []string{"vision", "pattern"}, streams)
}

func TestConsolidate_PostalCodesAreNotApproximated(t *testing.T) {
	c := newTestConsolidator()

	rec := c.Consolidate("doc-1", []model.StreamResult{
		res("ocr", "address.zip", "90210", 0.9, t0),
		res("vision", "address.zip", "90211", 0.6, t0),
	})

	f := rec.Fields["address.zip"]
	assert.Equal(t, "90210", f.Value)
	assert.False(t, f.CrossVerified)
	require.Len(t, f.Conflicts, 1)
	assert.Equal(t, "vision", f.Conflicts[0].StreamID)
}

func TestConsolidate_BoostPerAgreeingStreamCapped(t *testing.T) {
	c := New(Config{VerifyBoost: 0.3})

	rec := c.Consolidate("doc-1", []model.StreamResult{
		res("a", "city", "Austin", 0.7, t0),
		res("b", "city", "austin", 0.6, t0),
		res("c", "city", " AUSTIN ", 0.5, t0),
		res("b", "city", "Austin", 0.55, t0.Add(time.Second)),
	})

	f := rec.Fields["city"]
	assert.Equal(t, "a", f.SourceStream)
	assert.Equal(t, []string{"b", "c"}, f.AgreeingStreams, "each stream counted once")
	assert.InDelta(t, 1.0, f.Confidence, 1e-9)
}

func TestConsolidate_SameStreamDoesNotCrossVerify(t *testing.T) {
	c := newTestConsolidator()

	rec := c.Consolidate("doc-1", []model.StreamResult{
		res("ocr", "zip", "78701", 0.9, t0),
		res("ocr", "zip", "78701", 0.8, t0.Add(time.Second)),
	})
	f := rec.Fields["zip"]
	assert.False(t, f.CrossVerified)
	assert.InDelta(t, 0.9, f.Confidence, 1e-9)
}

func TestConsolidate_TieBreaks(t *testing.T) {
	c := New(Config{Streams: map[string]StreamWeight{
		"hi": {Weight: 1, Priority: 90},
		"lo": {Weight: 1, Priority: 10},
		"x":  {Weight: 1, Priority: 50},
		"y":  {Weight: 1, Priority: 50},
	}})

	t.Run("higher static priority", func(t *testing.T) {
		rec := c.Consolidate("doc-1", []model.StreamResult{
			res("lo", "f", "low", 0.5, t0),
			res("hi", "f", "high", 0.5, t0.Add(time.Hour)),
		})
		assert.Equal(t, "high", rec.Fields["f"].Value)
	})

	t.Run("earliest timestamp", func(t *testing.T) {
		rec := c.Consolidate("doc-1", []model.StreamResult{
			res("y", "f", "late", 0.5, t0.Add(time.Minute)),
			res("x", "f", "early", 0.5, t0),
		})
		assert.Equal(t, "early", rec.Fields["f"].Value)
	})

	t.Run("stream id when everything else ties", func(t *testing.T) {
		rec := c.Consolidate("doc-1", []model.StreamResult{
			res("y", "f", "from-y", 0.5, t0),
			res("x", "f", "from-x", 0.5, t0),
		})
		assert.Equal(t, "from-x", rec.Fields["f"].Value)
	})
}

func TestConsolidate_Idempotent(t *testing.T) {
	c := newTestConsolidator()
	results := []model.StreamResult{
		res("ocr", "total_area", 1200, 0.8, t0),
		res("vision", "total_area", 1210, 0.6, t0),
		res("text", "address", "12 Main St", 0.7, t0),
		res("vision", "address", "12 main st.", 0.7, t0),
		res("pattern", "rooms[0].name", "Kitchen", 0.9, t0),
		res("ocr", "rooms[0].name", "Kitchen", 0.9, t0),
		res("ocr", "rooms[0].area", 12.5, 0.4, t0),
	}

	first := c.Consolidate("doc-1", results)
	second := c.Consolidate("doc-1", results)
	assert.Equal(t, first, second)

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 20; i++ {
		shuffled := append([]model.StreamResult(nil), results...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, first, c.Consolidate("doc-1", shuffled), "order %d", i)
	}
}

func TestConsolidate_ChosenValueBelongsToResults(t *testing.T) {
	c := newTestConsolidator()
	rec := c.Consolidate("doc-1", []model.StreamResult{
		res("ocr", "a", 1, 0.2, t0),
		res("vision", "a", 7, 0.9, t0),
		res("text", "b", "x", 0.5, t0),
	})

	for _, path := range rec.Paths() {
		f := rec.Fields[path]
		var found bool
		for _, r := range rec.Results {
			if r.FieldPath == path && r.StreamID == f.SourceStream && r.Value == f.Value {
				found = true
			}
		}
		assert.True(t, found, "field %s value not among results", path)
	}
	assert.Equal(t, []string{"a", "b"}, rec.Paths())
}

func TestConsolidate_RejectsForeignAndClamps(t *testing.T) {
	c := newTestConsolidator()

	foreign := res("ocr", "a", 1, 0.5, t0)
	foreign.DocumentID = "doc-2"
	unstamped := res("vision", "b", "v", 1.7, t0)
	unstamped.DocumentID = ""

	rec := c.Consolidate("doc-1", []model.StreamResult{
		foreign,
		unstamped,
		res("text", "", "no path", 0.5, t0),
		res("text", "c", "neg", -0.3, t0),
	})

	require.Len(t, rec.Results, 2)
	assert.NotContains(t, rec.Fields, "a")
	assert.InDelta(t, 1.0, rec.Fields["b"].RawConfidence, 1e-9)
	for _, r := range rec.Results {
		assert.Equal(t, "doc-1", r.DocumentID)
	}
	assert.InDelta(t, 0.0, rec.Fields["c"].Confidence, 1e-9)
}

func TestConsolidate_Empty(t *testing.T) {
	rec := newTestConsolidator().Consolidate("doc-1", nil)
	assert.Equal(t, "doc-1", rec.DocumentID)
	assert.Empty(t, rec.Fields)
	assert.Empty(t, rec.Results)
}

func TestReconsolidate_NewVersionLeavesPreviousUntouched(t *testing.T) {
	c := newTestConsolidator()

	prev := c.Consolidate("doc-1", []model.StreamResult{
		res("ocr", "total_area", 1200, 0.8, t0),
	}).WithVersion(3).WithMetadata(model.RecordMetadata{Attempts: 2, FailedStreams: []string{"vision"}})

	next := c.Reconsolidate(prev, []model.StreamResult{
		res("vision", "total_area", 1210, 0.6, t0.Add(time.Hour)),
		res("ocr", "total_area", 1200, 0.8, t0), // duplicate of an existing result
	})

	assert.Equal(t, 4, next.Version)
	assert.Len(t, next.Results, 2)
	assert.True(t, next.Fields["total_area"].CrossVerified)
	assert.Equal(t, 2, next.Metadata.Attempts)

	assert.Equal(t, 3, prev.Version)
	assert.Len(t, prev.Results, 1)
	assert.False(t, prev.Fields["total_area"].CrossVerified)

	next.Metadata.FailedStreams[0] = "changed"
	assert.Equal(t, "vision", prev.Metadata.FailedStreams[0])
}

func TestFlatten(t *testing.T) {
	var payload any
	require.NoError(t, json.Unmarshal([]byte(`{
		"total_area": 1200,
		"address": {"street": "12 Main St", "zip": {"value": "78701", "confidence": 0.95}},
		"rooms": [{"name": "Kitchen", "area": 12.5}, {"name": null}],
		"tags": [],
		"notes": null
	}`), &payload))

	got := Flatten("vision", "doc-1", payload, 0.7, t0)

	byPath := make(map[string]model.StreamResult)
	var paths []string
	for _, r := range got {
		byPath[r.FieldPath] = r
		paths = append(paths, r.FieldPath)
		assert.Equal(t, "vision", r.StreamID)
		assert.Equal(t, "doc-1", r.DocumentID)
		assert.Equal(t, t0, r.Timestamp)
	}
	assert.Equal(t, []string{
		"address.street",
		"address.zip",
		"rooms[0].area",
		"rooms[0].name",
		"total_area",
	}, paths)

	assert.Equal(t, "78701", byPath["address.zip"].Value)
	assert.InDelta(t, 0.95, byPath["address.zip"].Confidence, 1e-9)
	assert.InDelta(t, 0.7, byPath["total_area"].Confidence, 1e-9)
	assert.Equal(t, 1200.0, byPath["total_area"].Value)
	assert.False(t, strings.Contains(strings.Join(paths, ","), "notes"))
}

func TestFlatten_ScalarRootIsIgnored(t *testing.T) {
	assert.Empty(t, Flatten("s", "d", "just text", 0.5, t0))
	assert.Empty(t, Flatten("s", "d", nil, 0.5, t0))
}
