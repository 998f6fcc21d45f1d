package rtprelay

import (
	"fmt"
	"log/slog"
	"sync"
)

// Manager ties the port pool to per-call Handlers: allocate(call_id) per
// spec.md §4.D returns the pair and starts a RelayHandler; release tears
// the handler down and returns the pair to the pool.
type Manager struct {
	pool   *PortPool
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]*Handler
}

// NewManager wraps a PortPool with per-call Handler lifecycle management.
func NewManager(pool *PortPool, logger *slog.Logger) *Manager {
	return &Manager{pool: pool, logger: logger, handlers: make(map[string]*Handler)}
}

// ErrAlreadyAllocated is returned when callID already has a live Handler.
// Callers (internal/pbx) must treat this as a retransmitted INVITE and
// absorb it rather than allocate a second relay for the same call.
type ErrAlreadyAllocated struct{ CallID string }

func (e *ErrAlreadyAllocated) Error() string {
	return fmt.Sprintf("rtprelay: call %s already has an allocated relay", e.CallID)
}

// Allocate binds a port pair and starts a Handler for callID. clockRateHz
// is the negotiated codec's RTP clock rate (8000 for telephony codecs).
// Returns ErrAlreadyAllocated without touching the pool if callID already
// has a live Handler, so a retransmitted INVITE can never leak a second
// socket/goroutine for the same call.
func (m *Manager) Allocate(callID string, clockRateHz int) (*Handler, error) {
	m.mu.Lock()
	if _, exists := m.handlers[callID]; exists {
		m.mu.Unlock()
		return nil, &ErrAlreadyAllocated{CallID: callID}
	}
	m.mu.Unlock()

	pair, err := m.pool.Allocate()
	if err != nil {
		return nil, fmt.Errorf("rtprelay: allocating for call %s: %w", callID, err)
	}

	handler, err := NewHandler(callID, pair, clockRateHz, m.logger)
	if err != nil {
		m.pool.Release(pair)
		return nil, err
	}
	handler.Start()

	m.mu.Lock()
	m.handlers[callID] = handler
	m.mu.Unlock()

	return handler, nil
}

// Get returns the active handler for a call, if any.
func (m *Manager) Get(callID string) (*Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handlers[callID]
	return h, ok
}

// ActiveRelayCount implements internal/metrics.RelayProvider.
func (m *Manager) ActiveRelayCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// PortPoolCapacity implements internal/metrics.RelayProvider.
func (m *Manager) PortPoolCapacity() int { return m.pool.Capacity() }

// PortPoolAllocated implements internal/metrics.RelayProvider.
func (m *Manager) PortPoolAllocated() int { return m.pool.AllocatedCount() }

// Release stops the handler for callID and returns its port pair to the
// pool. Safe to call on an already-released call ID (no-op).
func (m *Manager) Release(callID string) {
	m.mu.Lock()
	handler, ok := m.handlers[callID]
	if ok {
		delete(m.handlers, callID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	handler.Stop()
	m.pool.Release(handler.ports)
}
