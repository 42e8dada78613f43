package serialmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hobovr/vrtrack/internal/testutil"
	"github.com/hobovr/vrtrack/internal/wire"
)

// TestSerialPort implements SerialPorter for testing SerialMux operations.
type TestSerialPort struct {
	mu          sync.Mutex
	readData    []byte
	readIndex   int
	readErr     error // returned once readData is exhausted
	writtenData bytes.Buffer
	writeErr    error
	closed      bool
}

func NewTestSerialPort(data []byte) *TestSerialPort {
	return &TestSerialPort{readData: data}
}

func (p *TestSerialPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	if p.readIndex >= len(p.readData) {
		if p.readErr != nil {
			return 0, p.readErr
		}
		// Simulate a quiet line until more data arrives or the port closes.
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		p.mu.Lock()
		if p.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(buf, p.readData[p.readIndex:])
	p.readIndex += n
	return n, nil
}

func (p *TestSerialPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.writtenData.Write(data)
}

func (p *TestSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *TestSerialPort) WrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.writtenData.Bytes()...)
}

func TestMonitorDispatchesPackets(t *testing.T) {
	frame := testutil.Frame("hmd:", []float32{1, 2, 3, 4}, nil)
	port := NewTestSerialPort(frame)
	mux := NewSerialMux[*TestSerialPort](port)
	defer mux.Close()

	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	select {
	case pkt := <-ch:
		assert.Equal(t, wire.HeaderHMD, pkt.Header)
		assert.Equal(t, []float32{1, 2, 3, 4}, pkt.Floats)
	case <-time.After(time.Second):
		t.Fatal("no packet dispatched")
	}
}

func TestLatestMailbox(t *testing.T) {
	data := append(
		testutil.Frame("hmd:", []float32{1, 1, 1, 1}, nil),
		testutil.Frame("hmd:", []float32{2, 2, 2, 2}, nil)...,
	)
	port := NewTestSerialPort(data)
	mux := NewSerialMux[*TestSerialPort](port)
	defer mux.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	deadline := time.Now().Add(time.Second)
	for {
		if pkt, ok := mux.Latest(wire.HeaderHMD); ok && pkt.Floats[0] == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("latest packet never arrived")
		}
		time.Sleep(time.Millisecond)
	}

	_, ok := mux.Latest(wire.HeaderLeftController)
	assert.False(t, ok)
}

func TestSendCommandAppendsTerminator(t *testing.T) {
	port := NewTestSerialPort(nil)
	mux := NewSerialMux[*TestSerialPort](port)
	defer mux.Close()

	require.NoError(t, mux.SendCommand("nut"))
	assert.Equal(t, append([]byte("nut"), wire.Terminator...), port.WrittenData())
}

func TestSendCommandShortWrite(t *testing.T) {
	port := NewTestSerialPort(nil)
	port.writeErr = io.ErrShortWrite
	mux := NewSerialMux[*TestSerialPort](port)
	defer mux.Close()

	assert.Error(t, mux.SendCommand("nut"))
}

func TestMonitorReportsPortFailureAfterData(t *testing.T) {
	// A port that delivers one good frame and then dies must surface the
	// failure from Monitor, not drop it when the read loop winds down.
	// Repeated runs cover both orders the shutdown can be observed in.
	for i := 0; i < 20; i++ {
		frame := testutil.Frame("hmd:", []float32{1, 2, 3, 4}, nil)
		port := NewTestSerialPort(frame)
		port.readErr = errors.New("device unplugged")
		mux := NewSerialMux[*TestSerialPort](port)

		err := mux.Monitor(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "device unplugged")
		mux.Close()
	}
}

func TestCloseIsIdempotentAndStopsMonitor(t *testing.T) {
	port := NewTestSerialPort(nil)
	mux := NewSerialMux[*TestSerialPort](port)

	monitorDone := make(chan error, 1)
	go func() { monitorDone <- mux.Monitor(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, mux.Close())
	require.NoError(t, mux.Close())

	select {
	case err := <-monitorDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after Close")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	port := NewTestSerialPort(nil)
	mux := NewSerialMux[*TestSerialPort](port)
	defer mux.Close()

	id, ch := mux.Subscribe()
	mux.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)
}

func TestMonitorContextCancellation(t *testing.T) {
	port := NewTestSerialPort(nil)
	mux := NewSerialMux[*TestSerialPort](port)
	defer mux.Close()

	ctx, cancel := context.WithCancel(context.Background())
	monitorDone := make(chan error, 1)
	go func() { monitorDone <- mux.Monitor(ctx) }()

	cancel()
	select {
	case err := <-monitorDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("monitor did not observe cancellation")
	}
}

func TestMockSerialMuxReplaysFrames(t *testing.T) {
	frame := testutil.Frame("rc:", []float32{1, 2, 3, 4, 5, 6, 7}, []bool{true, false, false, false, false})
	mux := NewMockSerialMux(frame, 5*time.Millisecond)
	defer mux.Close()

	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	select {
	case pkt := <-ch:
		assert.Equal(t, wire.HeaderRightController, pkt.Header)
		assert.True(t, pkt.Flags[0])
	case <-time.After(time.Second):
		t.Fatal("mock mux produced no packet")
	}
}
