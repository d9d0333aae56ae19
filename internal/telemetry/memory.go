package telemetry

import "sync"

// Memory keeps every event in memory. Used by tests and the offline CLI.
type Memory struct {
	mu        sync.Mutex
	attempts  []Attempt
	decisions []Decision
}

func (m *Memory) RecordAttempt(a Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
}

func (m *Memory) RecordDecision(d Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
}

func (m *Memory) Attempts() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Attempt(nil), m.attempts...)
}

func (m *Memory) Decisions() []Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Decision(nil), m.decisions...)
}
