// Package qr renders ticket identifiers as QR code PNGs and reads them back.
//
// The payload is the literal string it is given; there is no extra framing
// or signature, so any standard QR decoder recovers the ticket id.
package qr

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // scanner uploads from phone cameras
	_ "image/png"
	"io"

	"github.com/makiuchi-d/gozxing"
	zxingqr "github.com/makiuchi-d/gozxing/qrcode"
	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the edge length in pixels of generated images.
const DefaultSize = 256

// ErrNoCode is returned when an image does not contain a readable QR code.
var ErrNoCode = errors.New("no qr code found in image")

// Encode renders content as a PNG QR code with medium error correction.
func Encode(content string, size int) ([]byte, error) {
	if content == "" {
		return nil, errors.New("qr: empty content")
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("qr: encode: %w", err)
	}
	return png, nil
}

// Decode reads an image (PNG or JPEG) and returns the text of the QR code
// it contains.
func Decode(r io.Reader) (string, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return "", fmt.Errorf("qr: decode image: %w", err)
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("qr: binarize: %w", err)
	}
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	result, err := zxingqr.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCode, err)
	}
	return result.GetText(), nil
}

// DecodeBytes is Decode over an in-memory image.
func DecodeBytes(b []byte) (string, error) {
	return Decode(bytes.NewReader(b))
}
