package detector

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ImageSize is the pixel size of an uploaded frame.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DecodeImageSize reads only the image header and returns its size and format.
func DecodeImageSize(data []byte) (ImageSize, string, error) {
	if len(data) == 0 {
		return ImageSize{}, "", fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageSize{}, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ImageSize{}, "", fmt.Errorf("%w: zero size", ErrInvalidImage)
	}
	return ImageSize{Width: cfg.Width, Height: cfg.Height}, format, nil
}

// DecodeBase64Image decodes a plain base64 payload or a data URL
// ("data:image/jpeg;base64,...").
func DecodeBase64Image(s string) ([]byte, error) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
	}
	return data, nil
}
