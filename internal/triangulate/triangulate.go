// Package triangulate recovers a 3D position in camera space from a single
// 2D blob observation, using the apparent size of a sphere of known radius
// (monocular size-based depth recovery).
package triangulate

import (
	"errors"
	"math"
)

// ErrDegenerate is returned when the observation geometry cannot produce a
// finite position, e.g. a blob exactly on the optical axis.
var ErrDegenerate = errors.New("degenerate blob geometry")

// Blob is a detected marker in image coordinates: pixel centre and radius.
type Blob struct {
	X      float64
	Y      float64
	Radius float64
}

// Camera holds the intrinsics and marker geometry needed for estimation.
type Camera struct {
	FocalLengthPX float64
	FrameWidthPX  float64
	FrameHeightPX float64
	BallRadiusCM  float64
}

// Pose is a 3D point in metres, camera space.
type Pose [3]float64

// IsFinite reports whether every component of the pose is a real number.
func (p Pose) IsFinite() bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Estimate converts a blob observation into a camera-space position. The
// image Y axis is flipped so the result is right-handed with Y up. A blob
// centred on the optical axis, or any non-finite intermediate, yields
// ErrDegenerate.
func Estimate(b Blob, cam Camera) (Pose, error) {
	x := b.X - cam.FrameWidthPX/2
	y := cam.FrameHeightPX/2 - b.Y
	a := b.Radius / 2
	f := cam.FocalLengthPX

	l := math.Hypot(x, y)
	if l == 0 {
		return Pose{}, ErrDegenerate
	}

	// Tangent difference between the blob centre ray and its rim ray gives
	// the angular radius of the sphere, hence its distance.
	k := l / f
	j := (l + a) / f
	ratio := (j - k) / (1 + j*k)

	distCM := cam.BallRadiusCM * math.Sqrt(1+ratio*ratio) / ratio

	fl := f / l
	zCM := distCM * fl / math.Sqrt(1+fl*fl)
	radialCM := zCM * k

	pose := Pose{
		radialCM * x / l / 100,
		radialCM * y / l / 100,
		zCM / 100,
	}
	if !pose.IsFinite() {
		return Pose{}, ErrDegenerate
	}
	return pose, nil
}
