package serialmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPortOptionsDefaults(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)

	assert.Equal(t, 115200, opts.BaudRate)
	assert.Equal(t, 8, opts.DataBits)
	assert.Equal(t, 1, opts.StopBits)
	assert.Equal(t, "N", opts.Parity)
}

func TestPortOptionsValidation(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"bad data bits", PortOptions{DataBits: 9}},
		{"bad stop bits", PortOptions{StopBits: 3}},
		{"bad parity", PortOptions{Parity: "X"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.opts.Normalize()
			assert.Error(t, err)
		})
	}
}

func TestPortOptionsParityAliases(t *testing.T) {
	for in, want := range map[string]string{
		"none": "N", "EVEN": "E", "odd": "O", " n ": "N",
	} {
		opts, err := PortOptions{Parity: in}.Normalize()
		require.NoError(t, err)
		assert.Equal(t, want, opts.Parity)
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 9600, Parity: "even"}.SerialMode()
	require.NoError(t, err)

	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, serial.EvenParity, mode.Parity)
}
