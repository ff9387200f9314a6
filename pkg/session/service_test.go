package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydroware/water_meter_link/pkg/flowlog"
	"github.com/hydroware/water_meter_link/pkg/protocol"
)

var errLinkDown = errors.New("radio link down")

// fakeChannel is an in-memory stand-in for the serial-over-radio link.
// Chunks pushed into reads come out of Read exactly as pushed, so tests
// control how the byte stream is split.
type fakeChannel struct {
	reads  chan []byte
	closed chan struct{}

	mu      sync.Mutex
	written []byte
	open    bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		reads:  make(chan []byte, 16),
		closed: make(chan struct{}),
		open:   true,
	}
}

func (c *fakeChannel) Read(p []byte) (int, error) {
	select {
	case chunk, ok := <-c.reads:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, chunk), nil
	case <-c.closed:
		return 0, errors.New("channel closed")
	}
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return 0, errors.New("write on closed channel")
	}
	c.written = append(c.written, p...)
	return len(p), nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	c.open = false
	close(c.closed)
	return nil
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) writtenBytes() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.written)
}

// push delivers one inbound chunk, failing the test if the session is
// not draining.
func (c *fakeChannel) push(t *testing.T, chunk string) {
	t.Helper()
	select {
	case c.reads <- []byte(chunk):
	case <-time.After(time.Second):
		t.Fatalf("read loop not consuming, cannot push %q", chunk)
	}
}

// fakeTransport hands out fakeChannels. An unbuffered gate, when set,
// blocks Open until released or the connect is cancelled.
type fakeTransport struct {
	mu       sync.Mutex
	channels []*fakeChannel
	openErr  error
	gate     chan struct{}
}

func (f *fakeTransport) Open(ctx context.Context, target string) (Channel, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.openErr != nil {
		return nil, f.openErr
	}

	ch := newFakeChannel()
	f.mu.Lock()
	f.channels = append(f.channels, ch)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeTransport) channel(i int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[i]
}

// recorder collects observer events on channels so tests can wait on
// them instead of sleeping.
type recorder struct {
	states  chan State
	notices chan string
	tele    chan protocol.TelemetrySnapshot
	entries chan protocol.LogEntry
}

func newRecorder() *recorder {
	return &recorder{
		states:  make(chan State, 16),
		notices: make(chan string, 16),
		tele:    make(chan protocol.TelemetrySnapshot, 16),
		entries: make(chan protocol.LogEntry, 16),
	}
}

func (r *recorder) events() Events {
	return Events{
		TelemetryUpdated: func(t protocol.TelemetrySnapshot) { r.tele <- t },
		LogAppended:      func(e protocol.LogEntry) { r.entries <- e },
		StateChanged:     func(s State) { r.states <- s },
		Notice:           func(n string) { r.notices <- n },
	}
}

func (r *recorder) waitState(t *testing.T, want State) {
	t.Helper()
	for {
		select {
		case got := <-r.states:
			if got == want {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func (r *recorder) waitNotice(t *testing.T) string {
	t.Helper()
	select {
	case n := <-r.notices:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notice")
		return ""
	}
}

func newTestSession(t *testing.T) (*Session, *fakeTransport, *recorder, *flowlog.Store) {
	t.Helper()
	transport := &fakeTransport{}
	store := flowlog.NewStore()
	rec := newRecorder()
	s := New(transport, store, rec.events())
	t.Cleanup(s.Disconnect)
	return s, transport, rec, store
}

func TestConnectIssuesFetchLog(t *testing.T) {
	s, transport, rec, _ := newTestSession(t)

	require.NoError(t, s.Connect("/dev/rfcomm0"))
	rec.waitState(t, Connecting)
	rec.waitState(t, Connected)

	assert.Equal(t, Connected, s.State())
	assert.Equal(t, "/dev/rfcomm0", s.Target())
	assert.Equal(t, "GET_LOG\n", transport.channel(0).writtenBytes())
}

func TestConnectFailureReturnsToDisconnected(t *testing.T) {
	s, transport, rec, _ := newTestSession(t)
	transport.openErr = errLinkDown

	err := s.Connect("/dev/rfcomm0")
	require.ErrorIs(t, err, errLinkDown)
	rec.waitState(t, Disconnected)
	assert.Equal(t, Disconnected, s.State())
	assert.Contains(t, rec.waitNotice(t), "connection to /dev/rfcomm0 failed")
}

func TestTelemetryDispatchAcrossChunkBoundary(t *testing.T) {
	s, transport, rec, store := newTestSession(t)
	require.NoError(t, s.Connect("/dev/rfcomm0"))
	ch := transport.channel(0)

	ch.push(t, "FlowRate:3.50/Lm")
	ch.push(t, "in,Total:120.75L\n")

	select {
	case snap := <-rec.tele:
		assert.Equal(t, 3.50, snap.FlowRateLMin)
		assert.Equal(t, 120.75, snap.TotalVolumeL)
	case <-time.After(time.Second):
		t.Fatal("no telemetry event")
	}

	snap, ok := store.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 120.75, snap.TotalVolumeL)
}

func TestMalformedTelemetryLeavesSnapshotAlone(t *testing.T) {
	s, transport, rec, store := newTestSession(t)
	require.NoError(t, s.Connect("/dev/rfcomm0"))
	ch := transport.channel(0)

	ch.push(t, "FlowRate:2.00/Lmin,Total:10.00L\n")
	<-rec.tele

	ch.push(t, "FlowRate:bad,Total:1L\n")
	ch.push(t, "FlowRate:4.00/Lmin,Total:11.00L\n")
	<-rec.tele

	snap, _ := store.Snapshot()
	assert.Equal(t, 4.00, snap.FlowRateLMin, "bad line skipped, stream kept going")
	assert.Empty(t, rec.notices, "parse errors stay quiet")
}

func TestLogRecordsAppendInOrder(t *testing.T) {
	s, transport, rec, store := newTestSession(t)
	require.NoError(t, s.Connect("/dev/rfcomm0"))
	ch := transport.channel(0)

	ch.push(t, "[LOG]{\"datetime\":\"2024-01-01T00:00:00\",\"flowRate\":2.1}\n")
	ch.push(t, "[LOG]{\"flowRate\":9.9}\n") // missing datetime, discarded
	ch.push(t, "[LOG]{\"datetime\":\"2024-01-01T00:01:00\",\"flowRate\":0.4}\n")

	<-rec.entries
	<-rec.entries

	entries := store.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "2024-01-01T00:00:00", entries[0].Datetime)
	assert.Equal(t, 0.4, entries[1].FlowRate)
}

func TestCommandAckForwardedVerbatim(t *testing.T) {
	s, transport, rec, _ := newTestSession(t)
	require.NoError(t, s.Connect("/dev/rfcomm0"))

	transport.channel(0).push(t, "[CMD]Log cleared\n")
	assert.Equal(t, "[CMD]Log cleared", rec.waitNotice(t))
}

func TestUnrecognizedLinesIgnored(t *testing.T) {
	s, transport, rec, store := newTestSession(t)
	require.NoError(t, s.Connect("/dev/rfcomm0"))
	ch := transport.channel(0)

	ch.push(t, "boot: firmware v1.3\n")
	ch.push(t, "FlowRate:1.00/Lmin,Total:2.00L\n")
	<-rec.tele

	assert.Zero(t, store.Len())
	assert.Empty(t, rec.notices)
}

func TestSendWhileDisconnected(t *testing.T) {
	s, transport, _, _ := newTestSession(t)

	err := s.Send(protocol.ResetLog())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, transport.channels, "no channel was ever opened")
}

func TestSendResetLogClearsLocalEntries(t *testing.T) {
	s, transport, rec, store := newTestSession(t)
	require.NoError(t, s.Connect("/dev/rfcomm0"))
	ch := transport.channel(0)

	ch.push(t, "[LOG]{\"datetime\":\"x\",\"flowRate\":1.0}\n")
	<-rec.entries
	ch.push(t, "FlowRate:1.00/Lmin,Total:2.00L\n")
	<-rec.tele

	require.NoError(t, s.Send(protocol.ResetLog()))

	assert.Contains(t, ch.writtenBytes(), "RESET_LOG\n")
	assert.Zero(t, store.Len())
	_, ok := store.Snapshot()
	assert.True(t, ok, "RESET_LOG keeps the snapshot")

	require.NoError(t, s.Send(protocol.ResetAll()))
	_, ok = store.Snapshot()
	assert.False(t, ok, "RESET_ALL zeroes the snapshot too")
}

func TestSendInvalidWifiWritesNothing(t *testing.T) {
	s, transport, _, _ := newTestSession(t)
	require.NoError(t, s.Connect("/dev/rfcomm0"))
	ch := transport.channel(0)
	before := ch.writtenBytes()

	err := s.Send(protocol.SetWifi("", "secret"))
	assert.ErrorIs(t, err, protocol.ErrEmptySSID)
	assert.Equal(t, before, ch.writtenBytes())
}

func TestDisconnectWhileConnecting(t *testing.T) {
	s, transport, rec, store := newTestSession(t)
	transport.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- s.Connect("/dev/rfcomm0") }()
	rec.waitState(t, Connecting)

	s.Disconnect()
	rec.waitState(t, Disconnected)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("connect did not abort")
	}

	assert.Equal(t, Disconnected, s.State())
	assert.Empty(t, transport.channels)
	assert.Zero(t, store.Len())
	_, ok := store.Snapshot()
	assert.False(t, ok)
}

func TestTransportErrorForcesDisconnectWithNotice(t *testing.T) {
	s, transport, rec, _ := newTestSession(t)
	require.NoError(t, s.Connect("/dev/rfcomm0"))
	rec.waitState(t, Connected)

	// Simulate the radio dropping: the read loop sees a hard error.
	transport.channel(0).Close()

	rec.waitState(t, Disconnected)
	assert.Contains(t, rec.waitNotice(t), "connection lost")
	assert.Equal(t, Disconnected, s.State())
}

func TestCleanRemoteCloseIsQuiet(t *testing.T) {
	s, transport, rec, _ := newTestSession(t)
	require.NoError(t, s.Connect("/dev/rfcomm0"))
	rec.waitState(t, Connected)

	close(transport.channel(0).reads) // EOF

	rec.waitState(t, Disconnected)
	assert.Empty(t, rec.notices, "clean close is not an error")
}

func TestReconnectStartsWithEmptyBuffer(t *testing.T) {
	s, transport, rec, store := newTestSession(t)
	require.NoError(t, s.Connect("/dev/rfcomm0"))
	ch := transport.channel(0)

	// Leave half a telemetry line stranded in the framer.
	ch.push(t, "FlowRate:9.99/Lm")
	s.Disconnect()
	rec.waitState(t, Disconnected)

	require.NoError(t, s.Connect("/dev/rfcomm0"))
	rec.waitState(t, Connected)
	ch2 := transport.channel(1)

	// If the old partial leaked, this would complete it into a bogus
	// 9.99 reading. It must parse as its own malformed line instead.
	ch2.push(t, "in,Total:1.00L\n")
	ch2.push(t, "FlowRate:5.00/Lmin,Total:2.00L\n")
	<-rec.tele

	snap, _ := store.Snapshot()
	assert.Equal(t, 5.00, snap.FlowRateLMin)
}

// Line delivery must happen inside the session's critical section, so a
// concurrent Disconnect or superseding Connect can never interleave
// between framing a chunk and dispatching its lines.
func TestDispatchRunsUnderSessionLock(t *testing.T) {
	transport := &fakeTransport{}
	held := make(chan bool, 1)

	var s *Session
	s = New(transport, flowlog.NewStore(), Events{
		TelemetryUpdated: func(protocol.TelemetrySnapshot) {
			free := s.mu.TryLock()
			if free {
				s.mu.Unlock()
			}
			held <- !free
		},
	})
	t.Cleanup(s.Disconnect)

	require.NoError(t, s.Connect("/dev/rfcomm0"))
	transport.channel(0).push(t, "FlowRate:1.00/Lmin,Total:2.00L\n")

	select {
	case locked := <-held:
		assert.True(t, locked, "delivery ran outside the session critical section")
	case <-time.After(time.Second):
		t.Fatal("no telemetry delivered")
	}
}

func TestConnectWhileConnectedSupersedes(t *testing.T) {
	s, transport, rec, _ := newTestSession(t)
	require.NoError(t, s.Connect("/dev/rfcomm0"))
	rec.waitState(t, Connected)
	first := transport.channel(0)

	require.NoError(t, s.Connect("/dev/rfcomm1"))

	assert.False(t, first.IsOpen(), "old channel released")
	assert.Equal(t, Connected, s.State())
	assert.Equal(t, "/dev/rfcomm1", s.Target())
	assert.Equal(t, "GET_LOG\n", transport.channel(1).writtenBytes())
}
