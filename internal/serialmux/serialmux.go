// Package serialmux provides an abstraction over the serial link to the
// tracked devices: it pumps raw port bytes through the wire framer on a
// background monitor goroutine, fans decoded packets out to subscribers and
// keeps a latest-packet mailbox per header for pollers.
package serialmux

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/hobovr/vrtrack/internal/wire"
)

// ErrWriteFailed indicates a short write to the serial port.
var ErrWriteFailed = errors.New("failed to write to serial port")

const readBufferSize = 512

// SerialMux multiplexes a single serial port to multiple packet consumers.
type SerialMux[T SerialPorter] struct {
	port T

	framerMu sync.Mutex
	framer   *wire.Framer

	subscribers  map[string]chan wire.Packet
	subscriberMu sync.Mutex

	commandMu sync.Mutex

	closing   bool
	closingMu sync.Mutex
}

// Muxer is the device-independent interface exposed by SerialMux, used by
// the binary so dev mode can swap in a mock port.
type Muxer interface {
	// Subscribe creates a new channel receiving decoded packets. The id
	// identifies the channel for Unsubscribe.
	Subscribe() (string, chan wire.Packet)
	// Unsubscribe removes and closes a subscriber channel.
	Unsubscribe(string)
	// Latest returns the most recent packet decoded for the header.
	Latest(wire.HeaderKind) (wire.Packet, bool)
	// SendCommand writes a command, wire-terminated, to the port.
	SendCommand(string) error
	// Monitor reads port bytes and dispatches packets until the context is
	// cancelled or the port fails.
	Monitor(context.Context) error
	// Close closes subscriber channels and the port.
	Close() error
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		framer:      wire.NewFramer(),
		subscribers: make(map[string]chan wire.Packet),
	}
}

// Subscribe registers a new packet consumer.
func (s *SerialMux[T]) Subscribe() (string, chan wire.Packet) {
	id := uuid.NewString()
	ch := make(chan wire.Packet, 1)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Latest returns the most recent packet decoded for the given header since
// monitoring began.
func (s *SerialMux[T]) Latest(h wire.HeaderKind) (wire.Packet, bool) {
	s.framerMu.Lock()
	defer s.framerMu.Unlock()
	return s.framer.Latest(h)
}

// SendCommand writes the command to the serial port, appending the wire
// terminator so the device sees a complete frame.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	payload := append([]byte(command), wire.Terminator...)
	n, err := s.port.Write(payload)
	if err != nil {
		return err
	}
	if n != len(payload) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads raw bytes from the serial port, feeds them through the
// framer and dispatches decoded packets to subscribers. Dispatch is
// non-blocking: a subscriber that falls behind misses packets rather than
// stalling the monitor, matching the freshness-over-completeness contract
// of the mailbox.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	readChan := make(chan []byte)
	errChan := make(chan error, 1)

	// The blocking port read runs in its own goroutine so the outer loop can
	// await context cancellation.
	go func() {
		defer close(readChan)
		buf := make([]byte, readBufferSize)
		for {
			n, err := s.port.Read(buf)
			if err != nil {
				if err != io.EOF {
					select {
					case errChan <- err:
					case <-ctx.Done():
					}
				}
				return
			}
			if n == 0 {
				continue
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case readChan <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errChan:
			if s.isClosing() {
				return nil
			}
			return err

		case chunk, ok := <-readChan:
			if !ok {
				// The reader goroutine exits by closing readChan whether the
				// port hit EOF or a real failure; a pending failure must not
				// be lost to the race between the two ready cases.
				select {
				case err := <-errChan:
					if s.isClosing() {
						return nil
					}
					return err
				default:
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}

			s.framerMu.Lock()
			packets := s.framer.Feed(chunk)
			s.framerMu.Unlock()

			if len(packets) == 0 {
				continue
			}

			s.subscriberMu.Lock()
			if s.isClosing() {
				// Close owns the channels now; do not send on them.
				s.subscriberMu.Unlock()
				return nil
			}
			for _, pkt := range packets {
				for _, ch := range s.subscribers {
					select {
					case ch <- pkt:
					default:
						// Skip a full subscriber rather than block the monitor.
					}
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// Close closes all subscriber channels and the underlying port. Safe to
// call while Monitor is running; the monitor drains out instead of
// reporting the port error caused by the close.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()

	return s.port.Close()
}
