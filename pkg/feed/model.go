package feed

import (
	"encoding/json"

	"github.com/hydroware/water_meter_link/pkg/protocol"
)

// Event types carried on the bridge's /ws stream.
const (
	EventTelemetry = "telemetry"
	EventLogEntry  = "log_entry"
	EventStatus    = "status"
	EventNotice    = "notice"
)

// Event is one message on the bridge event stream. Only the field
// matching Type is populated.
type Event struct {
	Type      string                      `json:"type"`
	Telemetry *protocol.TelemetrySnapshot `json:"telemetry,omitempty"`
	Entry     *protocol.LogEntry          `json:"entry,omitempty"`
	Status    string                      `json:"status,omitempty"`
	Notice    string                      `json:"notice,omitempty"`
}

func (e *Event) ToJsonBytes() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return data
}

// EventFromJsonBytes returns nil on undecodable input.
func EventFromJsonBytes(data []byte) *Event {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil
	}
	if event.Type == "" {
		return nil
	}
	return &event
}
