package serialmux

import (
	"io"
	"time"
)

// MockSerialPort implements SerialPorter for dev mode and tests: reads come
// from a pipe fed by a generator goroutine, writes are discarded.
type MockSerialPort struct {
	io.Reader
	closer io.Closer
}

func (m *MockSerialPort) Write(p []byte) (int, error) {
	return len(p), nil
}

func (m *MockSerialPort) Close() error {
	return m.closer.Close()
}

// NewMockSerialMux creates a SerialMux backed by a mock port that replays
// the given wire frame at the given interval, simulating a device that
// reports poses continuously.
func NewMockSerialMux(frame []byte, interval time.Duration) *SerialMux[*MockSerialPort] {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	r, w := io.Pipe()

	mockPort := &MockSerialPort{
		Reader: r,
		closer: r,
	}

	go func() {
		defer w.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := w.Write(frame); err != nil {
				return
			}
		}
	}()

	return NewSerialMux(mockPort)
}
