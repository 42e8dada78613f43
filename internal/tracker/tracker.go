// Package tracker runs the blob tracking pipeline: frame acquisition,
// per-channel blob detection, distance triangulation and adaptive Kalman
// filtering, all on one dedicated background goroutine. The latest pose per
// channel is published through a snapshot read API.
package tracker

import (
	"errors"
	"fmt"
	"image"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hobovr/vrtrack/internal/kalman"
	"github.com/hobovr/vrtrack/internal/triangulate"
)

// Source supplies camera frames. NextFrame blocks up to the given bound and
// fails if no frame arrives in time; Release frees the capture device.
type Source interface {
	NextFrame(timeout time.Duration) (image.Image, error)
	Release() error
}

// Detector finds one colour blob in a frame. The boolean is false when the
// marker is not currently visible.
type Detector interface {
	Detect(frame image.Image) (triangulate.Blob, bool)
}

// Config holds tracking parameters. Zero values select the defaults.
type Config struct {
	FocalLengthPX float64
	BallRadiusCM  float64

	// FirstFrameTimeout bounds the startup probe for a usable frame source.
	FirstFrameTimeout time.Duration
	// FrameTimeout bounds each acquisition inside the tracking loop.
	FrameTimeout time.Duration
	// JoinTimeout bounds the wait for the worker goroutine on Stop.
	JoinTimeout time.Duration

	// CalibrationSamples and EMIterations configure each channel's filter.
	CalibrationSamples int
	EMIterations       int
}

// DefaultConfig returns the stock tracking configuration.
func DefaultConfig() Config {
	return Config{
		FocalLengthPX:      490,
		BallRadiusCM:       2,
		FirstFrameTimeout:  3 * time.Second,
		FrameTimeout:       3 * time.Second,
		JoinTimeout:        4 * time.Second,
		CalibrationSamples: kalman.DefaultTrainSize,
		EMIterations:       kalman.DefaultEMIterations,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FocalLengthPX <= 0 {
		c.FocalLengthPX = def.FocalLengthPX
	}
	if c.BallRadiusCM <= 0 {
		c.BallRadiusCM = def.BallRadiusCM
	}
	if c.FirstFrameTimeout <= 0 {
		c.FirstFrameTimeout = def.FirstFrameTimeout
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = def.FrameTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = def.JoinTimeout
	}
	if c.CalibrationSamples == 0 {
		c.CalibrationSamples = def.CalibrationSamples
	}
	if c.EMIterations <= 0 {
		c.EMIterations = def.EMIterations
	}
	return c
}

// Tracker owns the background tracking goroutine. One channel is tracked per
// configured detector; channel order is fixed at construction.
type Tracker struct {
	cfg       Config
	source    Source
	detectors []Detector
	cam       triangulate.Camera

	poseMu sync.RWMutex
	poses  []triangulate.Pose

	// filters are written by the worker goroutine; filterMu only guards the
	// learning/calibration broadcasts against that single writer.
	filterMu sync.Mutex
	filters  []*kalman.Filter

	alive   atomic.Bool
	started atomic.Bool
	done    chan struct{}

	errMu  sync.Mutex
	runErr error

	// closeMu serialises Start's probe/launch section against Close, so a
	// concurrent Close cannot release the source mid-probe.
	closeMu  sync.Mutex
	released bool
}

// New creates a Tracker for the given frame source and detectors. The
// source is a required capability: a nil source is a configuration error,
// not a runtime condition.
func New(source Source, detectors []Detector, cfg Config) (*Tracker, error) {
	if source == nil {
		return nil, errors.New("tracker: frame source is required")
	}
	if len(detectors) == 0 {
		return nil, errors.New("tracker: at least one detector channel is required")
	}
	return &Tracker{
		cfg:       cfg.withDefaults(),
		source:    source,
		detectors: detectors,
		poses:     make([]triangulate.Pose, len(detectors)),
		filters:   make([]*kalman.Filter, len(detectors)),
		done:      make(chan struct{}),
	}, nil
}

// Start probes the frame source for a first frame within the configured
// bound, then launches the tracking goroutine. If no frame arrives the
// source is released and Start fails; the worker is never spawned. Start
// holds the shutdown lock for the whole probe, so a concurrent Close waits
// rather than releasing the source underneath it.
func (t *Tracker) Start() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()

	if t.started.Load() {
		return errors.New("tracker: already started")
	}
	if t.released {
		return errors.New("tracker: already closed")
	}

	frame, err := t.source.NextFrame(t.cfg.FirstFrameTimeout)
	if err != nil {
		t.released = true
		if rerr := t.source.Release(); rerr != nil {
			log.Printf("tracker: release after failed start: %v", rerr)
		}
		return fmt.Errorf("tracker: frame source unusable: %w", err)
	}

	bounds := frame.Bounds()
	t.cam = triangulate.Camera{
		FocalLengthPX: t.cfg.FocalLengthPX,
		FrameWidthPX:  float64(bounds.Dx()),
		FrameHeightPX: float64(bounds.Dy()),
		BallRadiusCM:  t.cfg.BallRadiusCM,
	}

	t.started.Store(true)
	t.alive.Store(true)
	go t.run()
	return nil
}

// run is the worker loop: one frame per iteration, channels processed
// sequentially, cooperative stop checked between iterations.
func (t *Tracker) run() {
	defer close(t.done)
	defer t.alive.Store(false)

	for t.alive.Load() {
		frame, err := t.source.NextFrame(t.cfg.FrameTimeout)
		if err != nil {
			t.setErr(fmt.Errorf("frame acquisition failed: %w", err))
			log.Printf("tracker: stopping: frame acquisition failed: %v", err)
			return
		}

		t.processFrame(frame)
		runtime.Gosched()
	}
}

// processFrame runs detection, triangulation and filtering for every
// channel. Channels with no visible blob or a degenerate observation keep
// their previously published pose.
func (t *Tracker) processFrame(frame image.Image) {
	for i, det := range t.detectors {
		blob, ok := det.Detect(frame)
		if !ok {
			continue
		}

		pose, err := triangulate.Estimate(blob, t.cam)
		if err != nil {
			continue
		}

		t.filterMu.Lock()
		if t.filters[i] == nil {
			t.filters[i] = kalman.New(pose[:], kalman.Config{
				TrainSize:    t.cfg.CalibrationSamples,
				EMIterations: t.cfg.EMIterations,
			})
		} else {
			est := t.filters[i].Update(pose[:])
			pose = triangulate.Pose{est[0], est[1], est[2]}
		}
		t.filterMu.Unlock()

		t.poseMu.Lock()
		t.poses[i] = pose
		t.poseMu.Unlock()
	}
}

// Poses returns an independent copy of the pose table, one entry per
// channel in configuration order. Safe to call from any goroutine at any
// time, including during shutdown.
func (t *Tracker) Poses() []triangulate.Pose {
	t.poseMu.RLock()
	defer t.poseMu.RUnlock()
	out := make([]triangulate.Pose, len(t.poses))
	copy(out, t.poses)
	return out
}

// Alive reports whether the tracking goroutine is still running.
func (t *Tracker) Alive() bool { return t.alive.Load() }

// Err returns the fatal acquisition error that ended the worker, if any.
func (t *Tracker) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.runErr
}

func (t *Tracker) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.runErr == nil {
		t.runErr = err
	}
}

// SetLearning toggles covariance learning on every channel filter created
// so far.
func (t *Tracker) SetLearning(on bool) {
	t.filterMu.Lock()
	defer t.filterMu.Unlock()
	for _, f := range t.filters {
		if f != nil {
			f.SetLearning(on)
		}
	}
}

// Calibrate re-arms the calibration routine on every channel filter created
// so far.
func (t *Tracker) Calibrate(observations, emIters int) {
	t.filterMu.Lock()
	defer t.filterMu.Unlock()
	for _, f := range t.filters {
		if f != nil {
			f.Calibrate(observations, emIters)
		}
	}
}

// Stop signals the worker to exit and waits up to the join bound. A worker
// that fails to exit in time is reported as an error, not a crash.
func (t *Tracker) Stop() error {
	if !t.started.Load() {
		return nil
	}
	t.alive.Store(false)
	select {
	case <-t.done:
		return nil
	case <-time.After(t.cfg.JoinTimeout):
		return fmt.Errorf("tracker: worker did not exit within %s", t.cfg.JoinTimeout)
	}
}

// Close stops the worker and releases the frame source exactly once. It is
// idempotent and safe to call before Start; the shutdown lock prevents the
// release from racing a concurrent stop.
func (t *Tracker) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()

	if err := t.Stop(); err != nil {
		log.Printf("tracker: %v", err)
	}

	if t.released {
		return nil
	}
	t.released = true
	return t.source.Release()
}
