package triangulate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCam = Camera{
	FocalLengthPX: 490,
	FrameWidthPX:  640,
	FrameHeightPX: 480,
	BallRadiusCM:  2,
}

func TestEstimateCenteredBlobIsDegenerate(t *testing.T) {
	// Dead centre of a 640x480 frame: radial distance is zero.
	_, err := Estimate(Blob{X: 320, Y: 240, Radius: 20}, testCam)
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestEstimateKnownValue(t *testing.T) {
	// Blob offset 100px right and 100px up from centre with a 30px radius.
	// Reference values computed by hand from the estimation formulas.
	pose, err := Estimate(Blob{X: 420, Y: 140, Radius: 30}, testCam)
	require.NoError(t, err)

	assert.InDelta(t, 0.13996, pose[0], 5e-4)
	assert.InDelta(t, 0.13996, pose[1], 5e-4)
	assert.InDelta(t, 0.68582, pose[2], 5e-4)
}

func TestEstimateIsDeterministic(t *testing.T) {
	b := Blob{X: 400, Y: 200, Radius: 12}
	p1, err := Estimate(b, testCam)
	require.NoError(t, err)
	p2, err := Estimate(b, testCam)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestEstimateYAxisFlip(t *testing.T) {
	// A blob above the image centre (smaller pixel Y) must land at positive Y.
	above, err := Estimate(Blob{X: 320, Y: 100, Radius: 20}, testCam)
	require.NoError(t, err)
	assert.Positive(t, above[1])

	below, err := Estimate(Blob{X: 320, Y: 380, Radius: 20}, testCam)
	require.NoError(t, err)
	assert.Negative(t, below[1])

	// Depth is positive in both cases.
	assert.Positive(t, above[2])
	assert.Positive(t, below[2])
}

func TestEstimateZeroRadiusIsDegenerate(t *testing.T) {
	// A zero-radius blob gives ratio == 0 and an infinite distance.
	_, err := Estimate(Blob{X: 420, Y: 140, Radius: 0}, testCam)
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestEstimateLargerBlobIsCloser(t *testing.T) {
	near, err := Estimate(Blob{X: 420, Y: 140, Radius: 60}, testCam)
	require.NoError(t, err)
	far, err := Estimate(Blob{X: 420, Y: 140, Radius: 15}, testCam)
	require.NoError(t, err)
	assert.Less(t, near[2], far[2])
}

func TestPoseIsFinite(t *testing.T) {
	assert.True(t, Pose{1, 2, 3}.IsFinite())
	assert.False(t, Pose{math.NaN(), 0, 0}.IsFinite())
	assert.False(t, Pose{0, math.Inf(1), 0}.IsFinite())
}
