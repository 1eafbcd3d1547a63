package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"

	"github.com/docutag/contentgen/models"
)

// ErrNoCredits is returned by DeductCredit when the account balance is already zero
var ErrNoCredits = errors.New("no credits remaining")

// DB wraps the database connection and provides data access methods
type DB struct {
	conn *sql.DB
	log  zerolog.Logger
}

// Config contains database configuration
type Config struct {
	DSN            string // PostgreSQL connection string
	SkipMigrations bool   // Leave the schema as is; used by the migration commands
}

// New creates a new database connection and applies pending migrations unless
// config.SkipMigrations is set
func New(ctx context.Context, config Config, log zerolog.Logger) (*DB, error) {
	conn, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := NewWithConn(conn, log)
	if config.SkipMigrations {
		return db, nil
	}
	if err := Migrate(ctx, conn, db.log); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// NewWithConn wraps an open connection without migrating it
func NewWithConn(conn *sql.DB, log zerolog.Logger) *DB {
	return &DB{conn: conn, log: log.With().Str("component", "db").Logger()}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// DB returns the underlying database connection for metrics collection
func (db *DB) DB() *sql.DB {
	return db.conn
}

// Lookup returns the account holding token, or models.ErrAccountNotFound
func (db *DB) Lookup(ctx context.Context, token string) (*models.Account, error) {
	var account models.Account
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, token, credits FROM accounts WHERE token = $1",
		token,
	).Scan(&account.ID, &account.Token, &account.Credits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	return &account, nil
}

// CreateAccount inserts an account with an initial credit balance
func (db *DB) CreateAccount(ctx context.Context, account *models.Account) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO accounts (id, token, credits, created_at) VALUES ($1, $2, $3, $4)",
		account.ID, account.Token, account.Credits, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// ProvisionAccount creates an account with a fresh ID and bearer token
func (db *DB) ProvisionAccount(ctx context.Context, credits int) (*models.Account, error) {
	if credits < 0 {
		return nil, fmt.Errorf("credits must not be negative, got %d", credits)
	}
	account := &models.Account{
		ID:      uuid.NewString(),
		Token:   "cg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Credits: credits,
	}
	if err := db.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	db.log.Info().Str("account_id", account.ID).Int("credits", credits).Msg("account provisioned")
	return account, nil
}

// DeductCredit removes one credit, never taking the balance below zero
func (db *DB) DeductCredit(ctx context.Context, accountID string) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE accounts SET credits = credits - 1 WHERE id = $1 AND credits > 0",
		accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to deduct credit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to deduct credit: %w", err)
	}
	if n == 0 {
		return ErrNoCredits
	}
	return nil
}

// SaveGeneration stores a generation, replacing any earlier row with the same ID
func (db *DB) SaveGeneration(ctx context.Context, g *models.Generation) error {
	content, err := json.Marshal(g.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}

	query := `
		INSERT INTO generations (id, account_id, kind, slug, model, parser, source, content, content_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			content_path = excluded.content_path
	`
	_, err = db.conn.ExecContext(ctx, query,
		g.ID,
		g.AccountID,
		string(g.Kind),
		g.Slug,
		g.Model,
		g.Parser,
		g.Source,
		string(content),
		g.ContentPath,
		g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save generation: %w", err)
	}
	return nil
}

const generationColumns = "id, account_id, kind, slug, model, parser, source, content, content_path, created_at"

// GetGeneration retrieves a generation by ID. It returns nil, nil when none exists.
func (db *DB) GetGeneration(ctx context.Context, id string) (*models.Generation, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+generationColumns+" FROM generations WHERE id = $1", id)
	return scanGeneration(row)
}

// GetGenerationBySlug retrieves a generation by slug. It returns nil, nil when none exists.
func (db *DB) GetGenerationBySlug(ctx context.Context, slug string) (*models.Generation, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+generationColumns+" FROM generations WHERE slug = $1", slug)
	return scanGeneration(row)
}

// ListGenerations returns an account's generations, newest first
func (db *DB) ListGenerations(ctx context.Context, accountID string, limit, offset int) ([]*models.Generation, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+generationColumns+" FROM generations WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		accountID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	defer rows.Close()

	var results []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate generations: %w", err)
	}
	return results, nil
}

// SlugExists reports whether a generation or image already uses slug
func (db *DB) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM generations WHERE slug = $1) OR EXISTS(SELECT 1 FROM images WHERE slug = $1)",
		slug,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check slug existence: %w", err)
	}
	return exists, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row scanner) (*models.Generation, error) {
	var (
		g           models.Generation
		kind        string
		source      sql.NullString
		content     string
		contentPath sql.NullString
	)
	err := row.Scan(&g.ID, &g.AccountID, &kind, &g.Slug, &g.Model, &g.Parser, &source, &content, &contentPath, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query generation: %w", err)
	}

	if err := json.Unmarshal([]byte(content), &g.Content); err != nil {
		return nil, fmt.Errorf("failed to unmarshal content: %w", err)
	}
	g.Kind = models.ContentKind(kind)
	g.Source = source.String
	g.ContentPath = contentPath.String
	return &g, nil
}

// SaveImage stores a generated image record
func (db *DB) SaveImage(ctx context.Context, img *models.StoredImage) error {
	query := `
		INSERT INTO images (id, account_id, slug, prompt, model, url, storage_path, mime_type, width, height, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := db.conn.ExecContext(ctx, query,
		img.ID,
		img.AccountID,
		img.Slug,
		img.Prompt,
		img.Model,
		img.URL,
		img.StoragePath,
		img.MimeType,
		img.Width,
		img.Height,
		img.SizeBytes,
		img.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	return nil
}

// GetImageBySlug retrieves an image by slug. It returns nil, nil when none exists.
func (db *DB) GetImageBySlug(ctx context.Context, slug string) (*models.StoredImage, error) {
	var (
		img         models.StoredImage
		url         sql.NullString
		storagePath sql.NullString
		mimeType    sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, account_id, slug, prompt, model, url, storage_path, mime_type, width, height, size_bytes, created_at
		FROM images WHERE slug = $1`,
		slug,
	).Scan(&img.ID, &img.AccountID, &img.Slug, &img.Prompt, &img.Model, &url, &storagePath, &mimeType,
		&img.Width, &img.Height, &img.SizeBytes, &img.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query image: %w", err)
	}

	img.URL = url.String
	img.StoragePath = storagePath.String
	img.MimeType = mimeType.String
	return &img, nil
}

// Stats contains totals for the metrics endpoint
type Stats struct {
	Generations      map[models.ContentKind]int
	Images           int
	TotalStorageSize int64
}

// GetStats counts generations per kind and sums stored image bytes
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Generations: make(map[models.ContentKind]int)}

	rows, err := db.conn.QueryContext(ctx, "SELECT kind, COUNT(*) FROM generations GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("failed to count generations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan generation count: %w", err)
		}
		stats.Generations[models.ContentKind(kind)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate generation counts: %w", err)
	}

	err = db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM images",
	).Scan(&stats.Images, &stats.TotalStorageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to count images: %w", err)
	}

	return stats, nil
}
