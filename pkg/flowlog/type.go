package flowlog

import (
	"sync"

	"github.com/hydroware/water_meter_link/pkg/protocol"
)

// Store holds one session's retrieved history log and the latest
// telemetry snapshot. Everything lives in memory; nothing survives the
// process, by design.
//
// Entries keep arrival order and may contain duplicates; the device log
// has no unique key and we do not invent one.
type Store struct {
	mu       sync.RWMutex
	entries  []protocol.LogEntry
	snapshot protocol.TelemetrySnapshot
	hasData  bool
}
