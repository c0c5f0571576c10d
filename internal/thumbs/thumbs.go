// Package thumbs derives catalog thumbnails from uploaded product photos.
package thumbs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/disintegration/imaging"
)

const maxEdge = 400

// Derive decodes the uploaded image, fits it inside a 400x400 box keeping
// aspect ratio, and re-encodes it as JPEG for the catalog pages.
func Derive(r io.Reader) (*bytes.Buffer, error) {
	const op = "thumbs.Derive"

	src, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	thumb := imaging.Fit(src, maxEdge, maxEdge, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &buf, nil
}
