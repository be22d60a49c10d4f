package identity

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// ShareQR renders an address as a PNG QR code for out-of-band sharing.
func ShareQR(address string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(address, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode share qr: %w", err)
	}
	return png, nil
}
