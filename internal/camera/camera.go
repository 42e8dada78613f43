// Package camera provides the webcam frame source consumed by the tracking
// worker, backed by OpenCV video capture.
package camera

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// ErrNoFrame indicates the device produced no frame within the bound.
var ErrNoFrame = errors.New("no frame available within timeout")

// pollInterval is how often an empty capture is retried while waiting for
// the device to produce a frame.
const pollInterval = 5 * time.Millisecond

// Webcam is a tracker.Source backed by a local capture device.
type Webcam struct {
	mu       sync.Mutex
	cap      *gocv.VideoCapture
	mat      gocv.Mat
	released bool
}

// Open opens the capture device at the given index. An unavailable device
// is a construction error; the caller should not fall back silently.
func Open(index int) (*Webcam, error) {
	cap, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("camera %d unavailable: %w", index, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("camera %d failed to open", index)
	}
	return &Webcam{cap: cap, mat: gocv.NewMat()}, nil
}

// NextFrame reads the next frame, polling the device until one arrives or
// the timeout elapses.
func (w *Webcam) NextFrame(timeout time.Duration) (image.Image, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return nil, errors.New("camera already released")
	}

	deadline := time.Now().Add(timeout)
	for {
		if w.cap.Read(&w.mat) && !w.mat.Empty() {
			img, err := w.mat.ToImage()
			if err != nil {
				return nil, fmt.Errorf("frame conversion failed: %w", err)
			}
			return img, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNoFrame
		}
		time.Sleep(pollInterval)
	}
}

// Release frees the capture device. Safe to call more than once.
func (w *Webcam) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return nil
	}
	w.released = true
	if err := w.mat.Close(); err != nil {
		return err
	}
	return w.cap.Close()
}
