// Package flowlog is the in-memory store behind the presentation layer:
// the ordered history log plus the current telemetry snapshot.
package flowlog

import "github.com/hydroware/water_meter_link/pkg/protocol"

func NewStore() *Store {
	return &Store{}
}

// UpdateSnapshot replaces the live reading. Total volume is taken as the
// device reports it; monotonicity is the meter's business, not ours.
func (s *Store) UpdateSnapshot(t protocol.TelemetrySnapshot) {
	s.mu.Lock()
	s.snapshot = t
	s.hasData = true
	s.mu.Unlock()
}

// Snapshot returns the latest reading and whether any telemetry has
// arrived yet this session.
func (s *Store) Snapshot() (protocol.TelemetrySnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.hasData
}

// Append adds one history entry at the end. Entries are immutable once
// appended.
func (s *Store) Append(e protocol.LogEntry) {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

// Entries returns a copy of the history log in arrival order.
func (s *Store) Entries() []protocol.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.LogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ClearEntries drops the history log. Runs when a RESET_LOG reaches the
// wire so the local mirror matches the device.
func (s *Store) ClearEntries() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

// ClearAll drops the history log and zeroes the snapshot. Runs on
// RESET_ALL.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.entries = nil
	s.snapshot = protocol.TelemetrySnapshot{}
	s.hasData = false
	s.mu.Unlock()
}
