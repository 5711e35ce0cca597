// Package transcode converts raw image bytes to and from data URLs.
package transcode

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/dunamismax/visionx/internal/domain"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const fallbackMIMEType = "application/octet-stream"

// Info describes a decoded image header.
type Info struct {
	MIMEType string `json:"mime_type"`
	Format   string `json:"format"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Bytes    int    `json:"bytes"`
}

// Encode builds a data URL for data. An empty mimeType is sniffed.
func Encode(data []byte, mimeType string) domain.EncodedImage {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		mimeType = DetectMIME(data)
	}
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(mimeType) + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString("data:")
	b.WriteString(mimeType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return domain.EncodedImage(b.String())
}

func EncodeReader(r io.Reader, mimeType string) (domain.EncodedImage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", domain.Wrap(domain.ErrEncoding, "read image", err)
	}
	return Encode(data, mimeType), nil
}

func EncodeFile(path string) (domain.EncodedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", domain.Wrap(domain.ErrEncoding, "open image", err)
	}
	defer f.Close()
	return EncodeReader(f, "")
}

// Decode returns the bytes carried by img's base64 payload.
func Decode(img domain.EncodedImage) ([]byte, error) {
	payload, ok := img.Payload()
	if !ok {
		return nil, domain.Wrap(domain.ErrEncoding, "decode image", errors.New("missing data URL separator"))
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, domain.Wrap(domain.ErrEncoding, "decode image", err)
	}
	return data, nil
}

// Validate splits on the first comma and reports whether the remainder is
// well-formed base64.
func Validate(img domain.EncodedImage) bool {
	_, err := Decode(img)
	return err == nil
}

// DetectMIME sniffs the content type, falling back to the registered image
// decoders for formats net/http does not recognize.
func DetectMIME(data []byte) string {
	sniffed := http.DetectContentType(data)
	if strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	if _, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return "image/" + format
	}
	return fallbackMIMEType
}

func Inspect(img domain.EncodedImage) (Info, error) {
	data, err := Decode(img)
	if err != nil {
		return Info{}, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, domain.Wrap(domain.ErrEncoding, "inspect image", fmt.Errorf("decode header: %w", err))
	}
	mimeType := img.MIMEType()
	if mimeType == "" {
		mimeType = "image/" + format
	}
	return Info{
		MIMEType: mimeType,
		Format:   format,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Bytes:    len(data),
	}, nil
}

// ExtensionFor maps a MIME type to a file extension for written outputs.
func ExtensionFor(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg":
		return "jpeg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/bmp":
		return "bmp"
	case "image/tiff":
		return "tiff"
	default:
		return "png"
	}
}
