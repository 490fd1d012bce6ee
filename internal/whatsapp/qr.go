package whatsapp

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// PNGQREncoder renders pairing codes as base64 PNG data URLs
type PNGQREncoder struct {
	Size  int
	Level qrcode.RecoveryLevel
}

// NewPNGQREncoder returns the encoder used for the panel
func NewPNGQREncoder() PNGQREncoder {
	return PNGQREncoder{Size: 256, Level: qrcode.Medium}
}

// Encode renders payload as data:image/png;base64,...
func (e PNGQREncoder) Encode(payload string) (string, error) {
	if payload == "" {
		return "", fmt.Errorf("empty QR payload")
	}
	size := e.Size
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(payload, e.Level, size)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
