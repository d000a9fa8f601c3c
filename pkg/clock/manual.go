package clock

import (
	"context"
	"sync"
	"time"
)

// Manual is a clock whose authoritative and local readings only move when told to.
// The two readings are independent so tests can model drift and stalled block times.
type Manual struct {
	mu          sync.Mutex
	remote      SecondsTimestamp
	local       MillisTimestamp
	carry       time.Duration
	unavailable error
}

// NewManual creates a clock with the given authoritative and local readings.
func NewManual(remote SecondsTimestamp, local MillisTimestamp) *Manual {
	return &Manual{remote: remote, local: local}
}

func (m *Manual) AuthoritativeNow(ctx context.Context) (SecondsTimestamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return 0, m.unavailable
	}
	return m.remote, nil
}

func (m *Manual) LocalNow() MillisTimestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// Advance moves both readings forward by d. The authoritative reading moves in whole
// seconds; the sub-second remainder accumulates across calls.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = m.local.Add(d)
	m.carry += d
	whole := m.carry / time.Second
	m.carry -= whole * time.Second
	m.remote = m.remote.Add(Seconds(whole))
}

// AdvanceLocal moves only the local reading, as if the ledger stopped producing blocks.
func (m *Manual) AdvanceLocal(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = m.local.Add(d)
}

// SetAuthoritative sets the authoritative reading.
func (m *Manual) SetAuthoritative(t SecondsTimestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = t
	m.carry = 0
}

// SetLocal sets the local reading.
func (m *Manual) SetLocal(t MillisTimestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = t
}

// SetUnavailable makes AuthoritativeNow fail with err until called again with nil.
func (m *Manual) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = err
}
