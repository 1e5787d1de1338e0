// Package resilience provides the retry policy, error taxonomy, and
// per-stream circuit breakers used when calling extraction providers.
package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the state of one stream's breaker.
type CircuitState int

const (
	// CircuitClosed lets every call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout has passed.
	CircuitOpen
	// CircuitHalfOpen lets a limited number of probe calls through.
	CircuitHalfOpen
)

var circuitStateNames = map[CircuitState]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if name, ok := circuitStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *CircuitState) UnmarshalText(b []byte) error {
	for state, name := range circuitStateNames {
		if name == string(b) {
			*s = state
			return nil
		}
	}
	return eris.Errorf("resilience: unknown circuit state %q", b)
}

// ErrCircuitOpen is returned when a call is rejected because the stream's
// circuit is open. It is transient: the item is retried after its backoff.
var ErrCircuitOpen error = NewTransientError(eris.New("resilience: circuit open"), 0)

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is how many consecutive tripping failures open the
	// circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long an open circuit rejects calls before letting
	// probes through. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes bounds concurrent probe calls while half-open, and
	// is the number of successful probes that close the circuit. Default: 1.
	HalfOpenMaxProbes int

	// ShouldTrip decides whether an error counts against the stream. If
	// nil, only transient errors do; a malformed document says nothing
	// about the provider's health.
	ShouldTrip func(err error) bool

	// OnStateChange is called with the breaker's lock held.
	OnStateChange func(stream string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the stock thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = d.HalfOpenMaxProbes
	}
	if c.ShouldTrip == nil {
		c.ShouldTrip = IsTransient
	}
	return c
}

// CircuitStatus is a point-in-time view of one breaker.
type CircuitStatus struct {
	Stream   string       `json:"stream"`
	State    CircuitState `json:"state"`
	Failures int          `json:"consecutive_failures"`
	// Trips counts how often the circuit has opened.
	Trips    int       `json:"trips"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// CircuitBreaker guards calls to one extraction stream.
type CircuitBreaker struct {
	stream string
	cfg    CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	trips    int
	openedAt time.Time
	probes   int // in flight while half-open
	probeOK  int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a closed breaker for stream.
func NewCircuitBreaker(stream string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		stream:  stream,
		cfg:     cfg.withDefaults(),
		nowFunc: time.Now,
	}
}

// Ticket is one admitted call. Exactly one of Done or Cancel must be
// called on it.
type Ticket struct {
	cb   *CircuitBreaker
	used bool
}

// Admit reserves a call slot, or returns ErrCircuitOpen. Admitting before
// the work starts lets a caller back off without spending anything.
func (cb *CircuitBreaker) Admit() (*Ticket, error) {
	if err := cb.acquire(); err != nil {
		return nil, err
	}
	return &Ticket{cb: cb}, nil
}

// Done records the outcome of the admitted call.
func (t *Ticket) Done(err error) {
	if t.used {
		return
	}
	t.used = true
	t.cb.release(err)
}

// Cancel gives the slot back without recording an outcome, for a call
// that was never made.
func (t *Ticket) Cancel() {
	if t.used {
		return
	}
	t.used = true
	t.cb.mu.Lock()
	if t.cb.state == CircuitHalfOpen && t.cb.probes > 0 {
		t.cb.probes--
	}
	t.cb.mu.Unlock()
}

// RetryAfter is how long the circuit keeps rejecting calls. It is zero
// unless the circuit is open and still cooling down.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return 0
	}
	if d := cb.cfg.ResetTimeout - cb.nowFunc().Sub(cb.openedAt); d > 0 {
		return d
	}
	return 0
}

// State returns the current state. An open circuit whose reset timeout has
// passed reports half-open even before the next call arrives.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooledDown() {
		return CircuitHalfOpen
	}
	return cb.state
}

// Status returns a snapshot of the breaker.
func (cb *CircuitBreaker) Status() CircuitStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := CircuitStatus{
		Stream:   cb.stream,
		State:    cb.state,
		Failures: cb.failures,
		Trips:    cb.trips,
		OpenedAt: cb.openedAt,
	}
	if cb.state == CircuitOpen && cb.cooledDown() {
		st.State = CircuitHalfOpen
	}
	return st
}

// Reset closes the circuit and clears the failure count. Trips are kept.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probes = 0
	cb.probeOK = 0
	cb.setState(CircuitClosed)
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if !cb.cooledDown() {
			return ErrCircuitOpen
		}
		cb.setState(CircuitHalfOpen)
		cb.probes = 1
		cb.probeOK = 0
	case CircuitHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxProbes {
			return ErrCircuitOpen
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) release(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	tripping := err != nil && cb.cfg.ShouldTrip(err)

	switch cb.state {
	case CircuitHalfOpen:
		cb.probes--
		if tripping {
			cb.failures++
			cb.open()
			return
		}
		cb.probeOK++
		if cb.probeOK >= cb.cfg.HalfOpenMaxProbes {
			cb.failures = 0
			cb.setState(CircuitClosed)
		}
	case CircuitClosed:
		if !tripping {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case CircuitOpen:
		// A call admitted before the circuit opened.
		if tripping {
			cb.failures++
		}
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.nowFunc()
	cb.trips++
	cb.probes = 0
	cb.probeOK = 0
	cb.setState(CircuitOpen)
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.stream, from, to)
	}
}

// Breakers holds one circuit breaker per extraction stream.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewBreakers creates an empty registry. Breakers are created on first use
// and log their state changes unless cfg sets OnStateChange.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = logStateChange
	}
	return &Breakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

func logStateChange(stream string, from, to CircuitState) {
	log := zap.L().With(
		zap.String("stream", stream),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if to == CircuitOpen {
		log.Warn("resilience: circuit opened")
		return
	}
	log.Info("resilience: circuit state change")
}

// Get returns the breaker for stream, creating it if needed.
func (sb *Breakers) Get(stream string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[stream]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if cb, ok = sb.breakers[stream]; ok {
		return cb
	}
	cb = NewCircuitBreaker(stream, sb.cfg)
	sb.breakers[stream] = cb
	return cb
}

// Reset closes the named stream's breaker. It reports false when no call
// has gone through that stream yet.
func (sb *Breakers) Reset(stream string) bool {
	sb.mu.RLock()
	cb, ok := sb.breakers[stream]
	sb.mu.RUnlock()
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// States returns every breaker's current state.
func (sb *Breakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.State()
	}
	return states
}

// Statuses returns a snapshot of every breaker, ordered by stream.
func (sb *Breakers) Statuses() []CircuitStatus {
	sb.mu.RLock()
	out := make([]CircuitStatus, 0, len(sb.breakers))
	for _, cb := range sb.breakers {
		out = append(out, cb.Status())
	}
	sb.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out
}
