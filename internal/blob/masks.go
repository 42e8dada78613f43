package blob

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadMasks loads the per-channel colour masks from a JSON file: an array
// of ColorRange objects, one per tracked marker, in channel order. Fields
// omitted from an entry default to zero, so masks should be fully
// specified.
func LoadMasks(path string) ([]ColorRange, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("masks file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read masks file: %w", err)
	}

	var masks []ColorRange
	if err := json.Unmarshal(data, &masks); err != nil {
		return nil, fmt.Errorf("failed to parse masks file: %w", err)
	}
	if len(masks) == 0 {
		return nil, fmt.Errorf("masks file %q defines no channels", cleanPath)
	}
	return masks, nil
}
