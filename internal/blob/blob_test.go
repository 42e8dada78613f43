package blob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColorRangeBounds(t *testing.T) {
	lower, upper := ColorRange{
		HueCenter: 98, HueRange: 10,
		SatCenter: 200, SatRange: 55,
		ValCenter: 250, ValRange: 32,
	}.bounds()

	assert.Equal(t, [3]float64{88, 145, 218}, lower)
	// Value clamps at the 8-bit ceiling.
	assert.Equal(t, [3]float64{108, 255, 255}, upper)
}

func TestColorRangeBoundsClampLow(t *testing.T) {
	lower, _ := ColorRange{HueCenter: 5, HueRange: 20}.bounds()
	assert.Equal(t, 0.0, lower[0])
}

func TestLoadMasks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "masks.json")
	content := `[
		{"hue_center": 98, "hue_range": 10, "sat_center": 200, "sat_range": 55, "val_center": 250, "val_range": 32},
		{"hue_center": 68, "hue_range": 15, "sat_center": 135, "sat_range": 53, "val_center": 255, "val_range": 50}
	]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	masks, err := LoadMasks(path)
	require.NoError(t, err)
	require.Len(t, masks, 2)
	assert.Equal(t, 98.0, masks[0].HueCenter)
	assert.Equal(t, 50.0, masks[1].ValRange)
}

func TestLoadMasksRejectsNonJSON(t *testing.T) {
	_, err := LoadMasks("masks.yaml")
	assert.Error(t, err)
}

func TestLoadMasksRejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))

	_, err := LoadMasks(path)
	assert.Error(t, err)
}
