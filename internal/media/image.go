package media

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// DefaultImageMaxPixels bounds the longest edge of inbound images before
// they are handed to the agent runtime.
const DefaultImageMaxPixels = 4096

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
}

// ShrinkImage re-encodes the image at path in place when either dimension
// exceeds maxPixels. Non-image files and small images are left untouched.
// Returns true when the file was rewritten.
func ShrinkImage(path string, maxPixels int) (bool, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultImageMaxPixels
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !imageExts[ext] || ext == ".gif" {
		return false, nil
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		// Mis-labeled payloads are common; leave the bytes as-is.
		return false, nil
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxPixels && bounds.Dy() <= maxPixels {
		return false, nil
	}
	resized := imaging.Fit(img, maxPixels, maxPixels, imaging.Lanczos)
	if err := imaging.Save(resized, path); err != nil {
		return false, fmt.Errorf("media: shrink %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
