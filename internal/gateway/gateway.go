package gateway

import (
	"context"
	"errors"

	"github.com/zombor/ocr-table/internal/ocr"
)

// ErrUnsupportedRoute is returned when a provider has no endpoint for the
// requested document type
var ErrUnsupportedRoute = errors.New("unsupported provider/document type")

// Image is an uploaded image to recognize
type Image struct {
	Data        []byte
	ContentType string
}

// Gateway submits images to an external OCR provider
type Gateway interface {
	// Submit sends one image and returns the provider's raw JSON payload
	Submit(ctx context.Context, img Image, route ocr.Route) ([]byte, error)
}
