// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files, mainly builders for valid serial wire frames.
package testutil

import (
	"encoding/binary"
	"math"
	"testing"
)

// Frame builds a complete wire frame: marker, little-endian float32 fields,
// flag bytes, and the stream terminator.
func Frame(marker string, floats []float32, flags []bool) []byte {
	var b []byte
	b = append(b, marker...)
	for _, f := range floats {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(f))
		b = append(b, tmp[:]...)
	}
	for _, fl := range flags {
		if fl {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	b = append(b, '\t', '\r', '\n')
	return b
}

// FixedFrame builds a legacy headerless frame of float32 fields plus the
// terminator.
func FixedFrame(floats []float32) []byte {
	return Frame("", floats, nil)
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
