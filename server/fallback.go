package main

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
)

// loadFallbackImage reads the JPEG served when the KVM device is not
// connected.
func loadFallbackImage(path string) ([]byte, error) {
	img, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fallback image: %w", err)
	}
	if len(img) < 4 || img[0] != 0xFF || img[1] != 0xD8 {
		return nil, fmt.Errorf("fallback image %s is not a JPEG", path)
	}
	return img, nil
}

// blankFallbackImage renders a plain placeholder, used when no fallback image
// can be loaded.
func blankFallbackImage(width, height int) []byte {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = 0x20
	}

	var buf bytes.Buffer
	// encoding to memory cannot fail
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 50}) //nolint:errcheck
	return buf.Bytes()
}
