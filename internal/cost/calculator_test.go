package cost

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() map[string]Rate {
	return map[string]Rate{
		"ocr":    {PerPage: 0.01},
		"vision": {PerPage: 0.002, PerMTok: 3.00},
	}
}

func TestCost(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name   string
		stream string
		pages  int
		tokens int
		want   float64
	}{
		{name: "per page", stream: "ocr", pages: 12, want: 0.12},
		{name: "pages and tokens", stream: "vision", pages: 5, tokens: 500_000, want: 0.01 + 1.50},
		{name: "tokens ignored without a token rate", stream: "ocr", pages: 1, tokens: 1_000_000, want: 0.01},
		{name: "unpriced stream", stream: "text", pages: 40, tokens: 9000, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Cost(tt.stream, tt.pages, tt.tokens), 1e-9)
		})
	}
}

func TestRecordAndTotals(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	assert.InDelta(t, 0.03, calc.Record("ocr", 3, 0), 1e-9)
	calc.Record("ocr", 2, 0)
	calc.Record("text", 1, 800)

	totals := calc.Totals()
	assert.Equal(t, Spend{Calls: 2, Pages: 5, USD: totals["ocr"].USD}, totals["ocr"])
	assert.InDelta(t, 0.05, totals["ocr"].USD, 1e-9)
	assert.Equal(t, Spend{Calls: 1, Pages: 1, Tokens: 800}, totals["text"])
	assert.InDelta(t, 0.05, calc.Total(), 1e-9)

	// Totals is a copy.
	totals["ocr"] = Spend{}
	assert.Equal(t, int64(2), calc.Totals()["ocr"].Calls)
}

func TestRecord_Concurrent(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			calc.Record("ocr", 1, 0)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), calc.Totals()["ocr"].Pages)
	assert.InDelta(t, 0.50, calc.Total(), 1e-9)
}

func TestNewCalculator_CopiesRates(t *testing.T) {
	t.Parallel()
	rates := testRates()
	calc := NewCalculator(rates)
	rates["ocr"] = Rate{PerPage: 100}
	assert.InDelta(t, 0.01, calc.Cost("ocr", 1, 0), 1e-9)
}
