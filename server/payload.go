package server

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ImagePayload is the request envelope: raw base64 image data or a
// data URI ("data:image/<fmt>;base64,<data>").
type ImagePayload struct {
	Image string `json:"image"`
}

// Validation errors double as the client-facing detail strings.
var (
	ErrNoImage    = errors.New("No image provided")
	ErrBadDataURI = errors.New("Invalid data URI format")
	ErrBadBase64  = errors.New("Invalid base64 data")
)

// decodePayload strips an optional data URI prefix and decodes the
// base64 body into raw image bytes.
func decodePayload(data string) ([]byte, error) {
	if data == "" {
		return nil, ErrNoImage
	}
	if strings.HasPrefix(data, "data:image") {
		idx := strings.Index(data, ",")
		if idx < 0 {
			return nil, ErrBadDataURI
		}
		data = data[idx+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, ErrBadBase64
	}
	return raw, nil
}
