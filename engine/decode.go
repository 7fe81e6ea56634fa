package engine

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	iface "OwlDetServer/interface"

	"gocv.io/x/gocv"
)

// DecodeImage turns encoded image bytes (jpeg, png, ...) into BGR pixels.
func DecodeImage(data []byte) (iface.Image, error) {
	if len(data) == 0 {
		return iface.Image{}, fmt.Errorf("%w: empty image", iface.ErrExtractionFailure)
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return iface.Image{}, fmt.Errorf("%w: %w", iface.ErrExtractionFailure, err)
	}
	defer mat.Close()
	if mat.Empty() {
		return iface.Image{}, fmt.Errorf("%w: %w", iface.ErrExtractionFailure, errors.New("decoded image is empty or unsupported format"))
	}
	return iface.Image{
		Width:    mat.Cols(),
		Height:   mat.Rows(),
		Channels: mat.Channels(),
		Pixels:   mat.ToBytes(),
	}, nil
}

// DecodeBase64Image accepts plain base64 or a data URL.
func DecodeBase64Image(b64 string) (iface.Image, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return iface.Image{}, fmt.Errorf("%w: bad base64: %w", iface.ErrInvalidRequest, err)
	}
	return DecodeImage(data)
}
