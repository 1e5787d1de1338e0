// Package cost prices extraction calls and keeps running per-stream totals.
package cost

import (
	"sort"
	"sync"
)

// Rate is one stream's pricing.
type Rate struct {
	PerPage float64 `json:"per_page"`
	// PerMTok is charged per million tokens.
	PerMTok float64 `json:"per_mtok"`
}

// Spend is what a stream has consumed so far.
type Spend struct {
	Calls  int64   `json:"calls"`
	Pages  int64   `json:"pages"`
	Tokens int64   `json:"tokens"`
	USD    float64 `json:"usd"`
}

// Calculator computes call costs and accumulates them per stream. Streams
// without a rate still have their usage counted at zero cost.
type Calculator struct {
	rates map[string]Rate

	mu    sync.Mutex
	spend map[string]*Spend
}

// NewCalculator creates a Calculator with the given per-stream rates.
func NewCalculator(rates map[string]Rate) *Calculator {
	r := make(map[string]Rate, len(rates))
	for k, v := range rates {
		r[k] = v
	}
	return &Calculator{rates: r, spend: make(map[string]*Spend)}
}

// Cost prices one call without recording it.
func (c *Calculator) Cost(stream string, pages, tokens int) float64 {
	rate := c.rates[stream]
	return float64(pages)*rate.PerPage + (float64(tokens)/1e6)*rate.PerMTok
}

// Record adds one call's usage to stream's totals and returns its cost.
func (c *Calculator) Record(stream string, pages, tokens int) float64 {
	usd := c.Cost(stream, pages, tokens)

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.spend[stream]
	if !ok {
		s = &Spend{}
		c.spend[stream] = s
	}
	s.Calls++
	s.Pages += int64(pages)
	s.Tokens += int64(tokens)
	s.USD += usd
	return usd
}

// Totals returns a copy of every stream's spend.
func (c *Calculator) Totals() map[string]Spend {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Spend, len(c.spend))
	for k, v := range c.spend {
		out[k] = *v
	}
	return out
}

// Total returns the summed spend in USD across streams.
func (c *Calculator) Total() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.spend))
	for k := range c.spend {
		keys = append(keys, k)
	}
	// Fixed order keeps the float sum reproducible.
	sort.Strings(keys)
	var sum float64
	for _, k := range keys {
		sum += c.spend[k].USD
	}
	return sum
}
