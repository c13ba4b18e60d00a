package detection

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

var ErrUnsupportedImage = errors.New("unsupported image")

// Image is a validated upload. Data holds the original bytes, which are what
// the detector receives.
type Image struct {
	Filename string
	Format   string
	Width    int
	Height   int
	Data     []byte
}

// DecodeImage checks that data is a JPEG, PNG or GIF and reads its
// dimensions without decoding the pixels.
func DecodeImage(data []byte, filename string) (Image, error) {
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty upload", ErrUnsupportedImage)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Image{}, fmt.Errorf("%w: zero-sized image", ErrUnsupportedImage)
	}
	if filename == "" {
		filename = "upload." + format
	}
	return Image{
		Filename: filename,
		Format:   format,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Data:     data,
	}, nil
}
