package protocol

// TelemetrySnapshot is the live reading the meter pushes about once a
// second while a session is open.
type TelemetrySnapshot struct {
	FlowRateLMin float64 `json:"flow_rate_lmin"`
	TotalVolumeL float64 `json:"total_volume_l"`
}

// LogEntry is one historical flow reading replayed by the device in
// response to GET_LOG. Datetime is the device's own timestamp and is
// kept opaque; the device clock is not ours to interpret.
type LogEntry struct {
	Datetime string  `json:"datetime"`
	FlowRate float64 `json:"flowRate"`
}

type MessageKind int

const (
	KindTelemetry MessageKind = iota
	KindLogEntry
	KindNotice
)

// Message is one classified wire line. Only the field matching Kind
// carries data.
type Message struct {
	Kind      MessageKind
	Telemetry TelemetrySnapshot
	Entry     LogEntry
	Notice    string
}
