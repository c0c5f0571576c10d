package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Product is a catalog item indexed for visual search. The product code is
// its immutable external identity.
type Product struct {
	ID             uuid.UUID `db:"id"`
	ProductCode    string    `db:"product_code"`
	Name           string    `db:"name"`
	Description    string    `db:"description"`
	Category       string    `db:"category"`
	S3URL          string    `db:"s3_url"`
	ThumbnailS3URL string    `db:"thumbnail_s3_url"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// SearchSession is one user-initiated search. S3URL stays empty until the
// store upload succeeds.
type SearchSession struct {
	ID               uuid.UUID `db:"id"`
	SessionToken     string    `db:"session_token"`
	UploadedFilename string    `db:"uploaded_filename"`
	S3URL            string    `db:"s3_url"`
	CreatedAt        time.Time `db:"created_at"`
}

// Detection stores the raw detection payload for a session. Exactly one row
// per session; when the upstream call fails the payload encodes the error.
type Detection struct {
	ID              uuid.UUID       `db:"id"`
	SessionID       uuid.UUID       `db:"session_id"`
	DetectedObjects json.RawMessage `db:"detected_objects"`
	MaskURLs        []string        `db:"mask_urls"`
	CreatedAt       time.Time       `db:"created_at"`
}

// SearchResult is one similarity hit for a session. ProductID is set only
// when the hit resolves to a local catalog entry.
type SearchResult struct {
	ID         uuid.UUID       `db:"id"`
	SessionID  uuid.UUID       `db:"session_id"`
	ProductID  *uuid.UUID      `db:"product_id"`
	Confidence float64         `db:"confidence"`
	ResultType string          `db:"result_type"`
	Metadata   json.RawMessage `db:"metadata"`
	CreatedAt  time.Time       `db:"created_at"`
}

const (
	ResultTypeVisualSearch            = "visual_search"
	ResultTypeVisualSearchWithContext = "visual_search_with_context"
)
