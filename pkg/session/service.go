// Package session owns the connection lifecycle to the water meter:
// open the transport channel, feed its byte stream through the line
// framer and classifier, dispatch typed messages to the store and the
// observer callbacks, and push encoded commands back out.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/hydroware/water_meter_link/pkg/flowlog"
	"github.com/hydroware/water_meter_link/pkg/framing"
	"github.com/hydroware/water_meter_link/pkg/protocol"
)

// New builds a disconnected session. The store must outlive the session;
// the presentation layer reads it directly.
func New(transport Transport, store *flowlog.Store, events Events) *Session {
	return &Session{
		transport: transport,
		events:    events,
		store:     store,
		state:     Disconnected,
		framer:    framing.NewLineFramer(),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Target returns the device address of the current or pending
// connection, empty when disconnected.
func (s *Session) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Connect opens a channel to target and starts consuming its byte
// stream. An active or pending connection is torn down first; there is
// never more than one live link. On success the session is Connected,
// the framer starts empty, and a GET_LOG has been issued so the device
// replays its history into the fresh store.
func (s *Session) Connect(target string) error {
	s.Disconnect()

	s.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.target = target
	s.gen++
	gen := s.gen
	s.state = Connecting
	s.mu.Unlock()
	s.stateChanged(Connecting)

	ch, err := s.transport.Open(ctx, target)

	s.mu.Lock()
	if gen != s.gen {
		// Disconnect (or a newer Connect) won the race while we were
		// opening; the channel is not ours to keep.
		s.mu.Unlock()
		if ch != nil && ch.IsOpen() {
			ch.Close()
		}
		return fmt.Errorf("connect to %s aborted: %w", target, context.Canceled)
	}
	if err != nil {
		s.cancel = nil
		s.target = ""
		s.state = Disconnected
		s.mu.Unlock()
		cancel()
		s.stateChanged(Disconnected)
		s.notify(fmt.Sprintf("connection to %s failed: %v", target, err))
		return fmt.Errorf("open %s: %w", target, err)
	}
	s.channel = ch
	s.framer = framing.NewLineFramer()
	s.state = Connected
	s.mu.Unlock()
	s.stateChanged(Connected)

	log.Infof("Connected to meter at %s", target)
	go s.readLoop(ch, gen)

	if err := s.Send(protocol.FetchLog()); err != nil {
		log.Warnf("Initial GET_LOG failed: %v", err)
	}
	return nil
}

// Disconnect cancels a pending connect, closes the channel if open and
// discards the framer buffer. Safe to call in any state.
func (s *Session) Disconnect() {
	ch, changed := s.teardown()
	if ch != nil && ch.IsOpen() {
		ch.Close()
	}
	if changed {
		log.Info("Disconnected from meter")
		s.stateChanged(Disconnected)
	}
}

// Send encodes request and writes it to the device, returning once the
// transport reports the bytes flushed. Only valid while Connected; in
// any other state it reports ErrNotConnected and writes nothing.
func (s *Session) Send(request protocol.Command) error {
	data, err := request.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != Connected || s.channel == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	ch := s.channel
	s.mu.Unlock()

	if _, err := ch.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", request.Name(), err)
	}

	// Local-side acknowledgment: the reset reached the wire, so the
	// in-memory mirror of the device log resets with it.
	switch request.Kind {
	case protocol.CmdResetLog:
		s.store.ClearEntries()
	case protocol.CmdResetAll:
		s.store.ClearAll()
	}
	return nil
}

// Store exposes the session's telemetry/log store for read access.
func (s *Session) Store() *flowlog.Store {
	return s.store
}

// teardown clears all connection state under the lock and reports
// whether there was anything to tear down. The channel close happens at
// the caller, outside the lock.
func (s *Session) teardown() (Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disconnected {
		return nil, false
	}
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	ch := s.channel
	s.channel = nil
	s.framer.Reset()
	s.target = ""
	s.state = Disconnected
	return ch, true
}

// readLoop consumes the channel until it ends. gen pins the loop to the
// session generation it was started for.
func (s *Session) readLoop(ch Channel, gen int) {
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			s.consume(buf[:n], gen)
		}
		if err != nil {
			s.handleStreamEnd(gen, err)
			return
		}
	}
}

// consume frames and dispatches one inbound chunk. It holds the session
// lock across the whole step so a teardown (or a superseding connect)
// cannot slip in between framing and delivery and leak old-session lines
// into the new session's store.
func (s *Session) consume(chunk []byte, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	for _, raw := range s.framer.Feed(chunk) {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		s.dispatch(line)
	}
}

func (s *Session) dispatch(line string) {
	msg, err := protocol.Classify(line)
	if err != nil {
		// Line noise. Drop the line, keep the stream and the UI quiet.
		log.Warnf("Dropping line: %v", err)
		return
	}
	if msg == nil {
		return
	}

	switch msg.Kind {
	case protocol.KindTelemetry:
		s.store.UpdateSnapshot(msg.Telemetry)
		if s.events.TelemetryUpdated != nil {
			s.events.TelemetryUpdated(msg.Telemetry)
		}
	case protocol.KindLogEntry:
		s.store.Append(msg.Entry)
		if s.events.LogAppended != nil {
			s.events.LogAppended(msg.Entry)
		}
	case protocol.KindNotice:
		s.notify(msg.Notice)
	}
}

// handleStreamEnd runs when the channel reports EOF or a read error. A
// clean remote close only drops the state; a transport error additionally
// tells the user. Either way the channel is released and the buffer
// discarded, same as an explicit Disconnect.
func (s *Session) handleStreamEnd(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen {
		// An explicit Disconnect already cleaned up; this read error is
		// just the closed channel.
		s.mu.Unlock()
		return
	}
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	ch := s.channel
	s.channel = nil
	s.framer.Reset()
	s.target = ""
	s.state = Disconnected
	s.mu.Unlock()

	if ch != nil && ch.IsOpen() {
		ch.Close()
	}

	if errors.Is(err, io.EOF) {
		log.Info("Meter closed the connection")
	} else {
		log.Warnf("Connection lost: %v", err)
		s.notify(fmt.Sprintf("connection lost: %v", err))
	}
	s.stateChanged(Disconnected)
}

func (s *Session) notify(text string) {
	if s.events.Notice != nil {
		s.events.Notice(text)
	}
}

func (s *Session) stateChanged(state State) {
	if s.events.StateChanged != nil {
		s.events.StateChanged(state)
	}
}
