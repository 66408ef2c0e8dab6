package circuitbreaker

import (
	"sync"
	"time"
)

// Breaker trips after a run of consecutive failures and stays open for a
// cooldown period. Any success while closed resets the failure count; once
// the cooldown elapses the next caller sees the circuit closed again.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	open        bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures and
// closes again cooldown after the last one.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Open reports whether calls should currently be rejected. A breaker whose
// cooldown has elapsed closes itself on the way out.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return false
	}

	if b.now().Sub(b.lastFailure) > b.cooldown {
		b.open = false
		b.failures = 0
		return false
	}

	return true
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.open = false
}

// RecordFailure counts a failure and opens the circuit once the threshold
// is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.failures >= b.threshold {
		b.open = true
	}
}

// Reset closes the circuit unconditionally.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.open = false
}

// State returns the current state for monitoring.
func (b *Breaker) State() (open bool, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.open, b.failures
}

// Manager keeps one breaker per upstream so a failing provider endpoint
// does not block traffic to the healthy ones.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	defaultThreshold int
	defaultCooldown  time.Duration
}

// NewManager creates a manager whose breakers all share the given
// threshold and cooldown.
func NewManager(threshold int, cooldown time.Duration) *Manager {
	return &Manager{
		breakers:         make(map[string]*Breaker),
		defaultThreshold: threshold,
		defaultCooldown:  cooldown,
	}
}

// Get returns the breaker for the named upstream, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	breaker, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists = m.breakers[name]; exists {
		return breaker
	}

	breaker = New(m.defaultThreshold, m.defaultCooldown)
	m.breakers[name] = breaker
	return breaker
}

// Open reports whether the named upstream's circuit is open.
func (m *Manager) Open(name string) bool {
	return m.Get(name).Open()
}

// RecordSuccess records a success for the named upstream.
func (m *Manager) RecordSuccess(name string) {
	m.Get(name).RecordSuccess()
}

// RecordFailure records a failure for the named upstream.
func (m *Manager) RecordFailure(name string) {
	m.Get(name).RecordFailure()
}

// ResetAll closes every circuit.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, breaker := range m.breakers {
		breaker.Reset()
	}
}

// States returns the state of every breaker keyed by upstream name.
func (m *Manager) States() map[string]map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]map[string]interface{})
	for name, breaker := range m.breakers {
		open, failures := breaker.State()
		states[name] = map[string]interface{}{
			"open":     open,
			"failures": failures,
		}
	}

	return states
}
