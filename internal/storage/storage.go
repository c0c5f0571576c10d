package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/ethxnwzng/ClothingImageSearch/internal/models"
)

// ErrNotFound marks a missing session or product so handlers can answer
// with a redirect or a 404 instead of a 500.
var ErrNotFound = errors.New("not found")

// ErrDuplicateCode is returned when a product code already exists.
var ErrDuplicateCode = errors.New("product code already exists")

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // for migrations
}

func NewStorage(dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

// --- search sessions ---

func (s *Storage) CreateSession(ctx context.Context, sess *models.SearchSession) error {
	const op = "storage.CreateSession"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO search_sessions (id, session_token, uploaded_filename, s3_url)
		 VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.SessionToken, sess.UploadedFilename, sess.S3URL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AttachSessionRef records the storage reference once the upload succeeds.
// The single post-create mutation a session ever sees.
func (s *Storage) AttachSessionRef(ctx context.Context, id uuid.UUID, ref string) error {
	const op = "storage.AttachSessionRef"
	tag, err := s.pool.Exec(ctx,
		`UPDATE search_sessions SET s3_url = $2 WHERE id = $1`, id, ref)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func (s *Storage) GetSessionByToken(ctx context.Context, token string) (*models.SearchSession, error) {
	const op = "storage.GetSessionByToken"
	var sess models.SearchSession
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_token, uploaded_filename, s3_url, created_at
		 FROM search_sessions WHERE session_token = $1`, token).
		Scan(&sess.ID, &sess.SessionToken, &sess.UploadedFilename, &sess.S3URL, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &sess, nil
}

// --- detections ---

func (s *Storage) SaveDetection(ctx context.Context, d *models.Detection) error {
	const op = "storage.SaveDetection"
	masks, err := json.Marshal(d.MaskURLs)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO detections (id, session_id, detected_objects, mask_urls)
		 VALUES ($1, $2, $3, $4)`,
		d.ID, d.SessionID, d.DetectedObjects, masks)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) DetectionBySession(ctx context.Context, sessionID uuid.UUID) (*models.Detection, error) {
	const op = "storage.DetectionBySession"
	var (
		d     models.Detection
		masks []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, detected_objects, mask_urls, created_at
		 FROM detections WHERE session_id = $1
		 ORDER BY created_at LIMIT 1`, sessionID).
		Scan(&d.ID, &d.SessionID, &d.DetectedObjects, &masks, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := json.Unmarshal(masks, &d.MaskURLs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &d, nil
}

// --- search results ---

func (s *Storage) SaveSearchResults(ctx context.Context, results []*models.SearchResult) error {
	const op = "storage.SaveSearchResults"
	for _, r := range results {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO search_results (id, session_id, product_id, confidence, result_type, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ID, r.SessionID, r.ProductID, r.Confidence, r.ResultType, r.Metadata)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

func (s *Storage) ResultsBySession(ctx context.Context, sessionID uuid.UUID) ([]models.SearchResult, error) {
	const op = "storage.ResultsBySession"
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, product_id, confidence, result_type, metadata, created_at
		 FROM search_results WHERE session_id = $1
		 ORDER BY confidence DESC, created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var r models.SearchResult
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ProductID, &r.Confidence,
			&r.ResultType, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return results, nil
}

// --- products ---

func (s *Storage) ProductCodeExists(ctx context.Context, code string) (bool, error) {
	const op = "storage.ProductCodeExists"
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM products WHERE product_code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return exists, nil
}

// CreateProduct inserts the catalog row and runs upload inside one
// transaction. The upload callback does the S3 work and returns the
// references to attach; any failure rolls the row back so no orphan
// product without an image is ever committed.
func (s *Storage) CreateProduct(ctx context.Context, p *models.Product,
	upload func(ctx context.Context) (s3URL, thumbURL string, err error)) error {
	const op = "storage.CreateProduct"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO products (id, product_code, name, description, category, s3_url, thumbnail_s3_url)
		 VALUES ($1, $2, $3, $4, $5, '', '')`,
		p.ID, p.ProductCode, p.Name, p.Description, p.Category)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%s: %w", op, ErrDuplicateCode)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	s3URL, thumbURL, err := upload(ctx)
	if err != nil {
		return fmt.Errorf("%s: upload: %w", op, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE products SET s3_url = $2, thumbnail_s3_url = $3, updated_at = now() WHERE id = $1`,
		p.ID, s3URL, thumbURL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.S3URL = s3URL
	p.ThumbnailS3URL = thumbURL
	return nil
}

func (s *Storage) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	const op = "storage.GetProduct"
	var p models.Product
	err := s.pool.QueryRow(ctx,
		`SELECT id, product_code, name, description, category, s3_url, thumbnail_s3_url, created_at, updated_at
		 FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.ProductCode, &p.Name, &p.Description, &p.Category,
			&p.S3URL, &p.ThumbnailS3URL, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &p, nil
}

// ListProducts returns one newest-first page plus the total row count.
func (s *Storage) ListProducts(ctx context.Context, limit, offset int) ([]models.Product, int, error) {
	const op = "storage.ListProducts"

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, product_code, name, description, category, s3_url, thumbnail_s3_url, created_at, updated_at
		 FROM products ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.ProductCode, &p.Name, &p.Description, &p.Category,
			&p.S3URL, &p.ThumbnailS3URL, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("%s: %w", op, err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}
	return products, total, nil
}
