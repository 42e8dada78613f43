// Command vrtrack runs the VR positional tracking pipeline: it monitors the
// serial link to the headset and controllers and, when colour masks are
// configured, runs camera-based blob tracking with adaptive filtering.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"log"
	"math"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hobovr/vrtrack/internal/blob"
	"github.com/hobovr/vrtrack/internal/camera"
	"github.com/hobovr/vrtrack/internal/serialmux"
	"github.com/hobovr/vrtrack/internal/tracker"
	"github.com/hobovr/vrtrack/internal/version"
	"github.com/hobovr/vrtrack/internal/wire"
)

var (
	devMode    = flag.Bool("dev", false, "Run with a mock serial port instead of real hardware")
	serialPath = flag.String("serial", "", "Serial port path for the headset link (empty disables serial)")
	baudRate   = flag.Int("baud", 115200, "Serial baud rate")
	camIndex   = flag.Int("cam", 0, "Camera index for blob tracking")
	masksPath  = flag.String("masks", "", "JSON file of HSV colour masks, one per channel (empty disables camera tracking)")
	focalPx    = flag.Float64("focal", 490, "Camera focal length in pixels")
	ballRadius = flag.Float64("ball-radius", 2, "Tracked ball radius in cm")
	printEvery = flag.Duration("print", time.Second, "Pose print interval")
)

func main() {
	flag.Parse()
	log.Printf("vrtrack %s (%s)", version.Version, version.GitSHA)

	if *serialPath == "" && *masksPath == "" && !*devMode {
		log.Fatal("nothing to do: provide -serial and/or -masks (or -dev)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if *serialPath != "" || *devMode {
		mux := newMux()
		defer mux.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mux.Monitor(ctx); err != nil && err != context.Canceled {
				log.Printf("serial monitor stopped: %v", err)
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			logPackets(ctx, mux)
		}()
	}

	if *masksPath != "" {
		tr, err := startTracking()
		if err != nil {
			log.Fatalf("failed to start tracking: %v", err)
		}
		defer tr.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			printPoses(ctx, tr)
		}()
	}

	<-ctx.Done()
	log.Print("shutting down")
	stop()
	wg.Wait()
}

// newMux builds the serial mux: a real port, or a mock replaying a headset
// frame in dev mode.
func newMux() serialmux.Muxer {
	if *devMode {
		return serialmux.NewMockSerialMux(mockHMDFrame(), 50*time.Millisecond)
	}
	mux, err := serialmux.NewRealSerialMux(*serialPath, serialmux.PortOptions{BaudRate: *baudRate})
	if err != nil {
		log.Fatalf("failed to open serial port %s: %v", *serialPath, err)
	}
	return mux
}

// logPackets subscribes to the mux and logs every decoded packet.
func logPackets(ctx context.Context, mux serialmux.Muxer) {
	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-ch:
			if !ok {
				return
			}
			log.Printf("packet %s: floats=%v flags=%v", pkt.Header, pkt.Floats, pkt.Flags)
		}
	}
}

// startTracking wires the camera, per-channel blob finders and the tracking
// worker.
func startTracking() (*tracker.Tracker, error) {
	masks, err := blob.LoadMasks(*masksPath)
	if err != nil {
		return nil, err
	}

	cam, err := camera.Open(*camIndex)
	if err != nil {
		return nil, err
	}

	detectors := make([]tracker.Detector, len(masks))
	for i, m := range masks {
		detectors[i] = blob.NewFinder(m)
	}

	cfg := tracker.DefaultConfig()
	cfg.FocalLengthPX = *focalPx
	cfg.BallRadiusCM = *ballRadius

	tr, err := tracker.New(cam, detectors, cfg)
	if err != nil {
		cam.Release()
		return nil, err
	}
	if err := tr.Start(); err != nil {
		return nil, err
	}
	log.Printf("tracking %d channels on camera %d", len(masks), *camIndex)
	return tr, nil
}

// printPoses periodically prints the published pose table until shutdown or
// worker death.
func printPoses(ctx context.Context, tr *tracker.Tracker) {
	ticker := time.NewTicker(*printEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !tr.Alive() {
				log.Printf("tracking worker died: %v", tr.Err())
				return
			}
			for i, p := range tr.Poses() {
				log.Printf("channel %d: x=%.3f y=%.3f z=%.3f", i, p[0], p[1], p[2])
			}
		}
	}
}

// mockHMDFrame builds one valid headset wire frame for dev mode.
func mockHMDFrame() []byte {
	var b []byte
	b = append(b, wire.HeaderHMD.Marker()...)
	for _, f := range []float32{0.1, 1.6, -0.3, 1} {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(f))
		b = append(b, tmp[:]...)
	}
	return append(b, wire.Terminator...)
}
