// Package media handles inline image payloads: data URLs and the JPEG
// normalization applied before upload.
package media

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/url"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

// JPEGQuality is the encoder quality used for normalized uploads.
const JPEGQuality = 90

// ParseDataURL splits a data URL into its media type and decoded bytes.
func ParseDataURL(s string) (mediaType string, data []byte, err error) {
	if !strings.HasPrefix(s, "data:") {
		return "", nil, fmt.Errorf("not a data URL")
	}
	header, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URL: missing comma")
	}

	isBase64 := false
	if strings.HasSuffix(header, ";base64") {
		isBase64 = true
		header = strings.TrimSuffix(header, ";base64")
	}
	mediaType, _, _ = strings.Cut(header, ";")
	if mediaType == "" {
		mediaType = "text/plain"
	}

	if isBase64 {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// some encoders drop the padding
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		}
		if err != nil {
			return "", nil, fmt.Errorf("malformed data URL payload: %w", err)
		}
		return mediaType, data, nil
	}

	unescaped, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, fmt.Errorf("malformed data URL payload: %w", err)
	}
	return mediaType, []byte(unescaped), nil
}

// EncodeDataURL returns data as a base64 data URL. An empty mediaType is
// sniffed from the content.
func EncodeDataURL(mediaType string, data []byte) string {
	if mediaType == "" {
		mediaType = mimetype.Detect(data).String()
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Metadata describes a decoded image.
type Metadata struct {
	Width  int
	Height int
	Format string
}

// Inspect reads the image header only.
func Inspect(data []byte) (*Metadata, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	return &Metadata{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// NormalizeJPEG re-encodes any supported image (jpeg, png, gif, webp) as
// JPEG. JPEG input is returned untouched. Transparent areas are flattened
// onto white. Dimensions never change.
func NormalizeJPEG(data []byte) ([]byte, error) {
	if mimetype.Detect(data).Is("image/jpeg") {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	flat := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	flat = imaging.Overlay(flat, img, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// JPEGFromDataURL decodes an inline payload and normalizes it for upload.
func JPEGFromDataURL(s string) ([]byte, error) {
	_, data, err := ParseDataURL(s)
	if err != nil {
		return nil, err
	}
	return NormalizeJPEG(data)
}
