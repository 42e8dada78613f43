// Package blob finds colour-keyed tracking markers in camera frames. Each
// Finder owns one HSV colour mask and reports the centre and radius of the
// largest matching region, which feeds the triangulation stage.
package blob

import (
	"image"

	"gocv.io/x/gocv"

	"github.com/hobovr/vrtrack/internal/triangulate"
)

// hue is capped at 180 and saturation/value at 255, matching the OpenCV
// 8-bit HSV colour space the masks are defined in.
const (
	maxHue      = 180
	maxSatVal   = 255
	defaultArea = 9 // px², rejects single-pixel noise
)

// ColorRange defines an HSV colour mask as centre +/- range per component.
type ColorRange struct {
	HueCenter float64 `json:"hue_center"`
	HueRange  float64 `json:"hue_range"`
	SatCenter float64 `json:"sat_center"`
	SatRange  float64 `json:"sat_range"`
	ValCenter float64 `json:"val_center"`
	ValRange  float64 `json:"val_range"`
}

// bounds returns the clamped lower and upper HSV corners of the mask.
func (c ColorRange) bounds() (lower, upper [3]float64) {
	clamp := func(v, max float64) float64 {
		if v < 0 {
			return 0
		}
		if v > max {
			return max
		}
		return v
	}
	lower[0] = clamp(c.HueCenter-c.HueRange, maxHue)
	upper[0] = clamp(c.HueCenter+c.HueRange, maxHue)
	lower[1] = clamp(c.SatCenter-c.SatRange, maxSatVal)
	upper[1] = clamp(c.SatCenter+c.SatRange, maxSatVal)
	lower[2] = clamp(c.ValCenter-c.ValRange, maxSatVal)
	upper[2] = clamp(c.ValCenter+c.ValRange, maxSatVal)
	return lower, upper
}

// Finder detects the largest blob matching one colour mask.
type Finder struct {
	rng     ColorRange
	minArea float64
}

// NewFinder creates a Finder for the given colour mask.
func NewFinder(rng ColorRange) *Finder {
	return &Finder{rng: rng, minArea: defaultArea}
}

// Detect locates the largest region matching the colour mask. It returns
// false when nothing above the noise floor matches.
func (f *Finder) Detect(frame image.Image) (triangulate.Blob, bool) {
	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return triangulate.Blob{}, false
	}
	defer mat.Close()

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(mat, &hsv, gocv.ColorRGBToHSV)

	lower, upper := f.rng.bounds()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.InRangeWithScalar(hsv,
		gocv.NewScalar(lower[0], lower[1], lower[2], 0),
		gocv.NewScalar(upper[0], upper[1], upper[2], 0),
		&mask)

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	best := -1
	bestArea := f.minArea
	for i := 0; i < contours.Size(); i++ {
		if area := gocv.ContourArea(contours.At(i)); area > bestArea {
			best = i
			bestArea = area
		}
	}
	if best < 0 {
		return triangulate.Blob{}, false
	}

	rect := gocv.BoundingRect(contours.At(best))
	return triangulate.Blob{
		X:      float64(rect.Min.X) + float64(rect.Dx())/2,
		Y:      float64(rect.Min.Y) + float64(rect.Dy())/2,
		Radius: float64(rect.Dx()) / 2,
	}, true
}
