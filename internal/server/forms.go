package server

import (
	"fmt"
	"mime/multipart"
	"strings"
)

const (
	maxImageSize = 10 << 20 // 10 MB
	maxCSVSize   = 5 << 20  // 5 MB
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/gif":  true,
}

// validateImageUpload enforces the upload constraints before any external
// call is made: size cap and an allowed image content type.
func validateImageUpload(fh *multipart.FileHeader) error {
	if fh.Size > maxImageSize {
		return fmt.Errorf("image file size must be less than 10MB")
	}
	contentType := fh.Header.Get("Content-Type")
	if !allowedImageTypes[contentType] {
		return fmt.Errorf("please upload a valid image file (JPEG, PNG, GIF)")
	}
	return nil
}

func validateCSVUpload(fh *multipart.FileHeader) error {
	if fh.Size > maxCSVSize {
		return fmt.Errorf("CSV file size must be less than 5MB")
	}
	if !strings.HasSuffix(strings.ToLower(fh.Filename), ".csv") {
		return fmt.Errorf("please upload a valid CSV file")
	}
	return nil
}
