package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/hydroware/water_meter_link/pkg/flowlog"
	"github.com/hydroware/water_meter_link/pkg/framing"
	"github.com/hydroware/water_meter_link/pkg/protocol"
)

// State of the device link.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Transport opens a raw byte channel to a paired device address. Open
// may be slow; cancelling ctx aborts a pending open.
type Transport interface {
	Open(ctx context.Context, target string) (Channel, error)
}

// Channel is one open link to the device. Read returns raw chunks in
// arrival order with no framing guarantee; io.EOF means the remote end
// closed cleanly. Write returns once the bytes are fully flushed.
type Channel interface {
	io.ReadWriteCloser
	IsOpen() bool
}

// Events holds the observer callbacks the presentation layer hangs off
// the session. Nil callbacks are skipped. Telemetry, log and notice
// callbacks run on the session's read goroutine while the session lock
// is held: keep them quick and never call back into the Session from
// one.
type Events struct {
	TelemetryUpdated func(protocol.TelemetrySnapshot)
	LogAppended      func(protocol.LogEntry)
	StateChanged     func(State)
	Notice           func(string)
}

// ErrNotConnected rejects a command sent while no device link is up.
// Nothing reaches the wire and the connection state is untouched.
var ErrNotConnected = errors.New("not connected to a device")

// Session drives the connect/listen/disconnect lifecycle for a single
// device link. One Session serves one device at a time; connecting while
// already connected tears the old link down first.
//
// All mutable state is guarded by mu. gen increments on every teardown
// so a stale read loop or a superseded connect attempt can tell it lost
// the race and must not touch the current session.
type Session struct {
	transport Transport
	events    Events
	store     *flowlog.Store

	mu      sync.Mutex
	state   State
	channel Channel
	framer  *framing.LineFramer
	cancel  context.CancelFunc
	target  string
	gen     int
}
