package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docutag/contentgen/models"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewWithConn(conn, zerolog.Nop()), mock
}

func TestLookup(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT id, token, credits FROM accounts").
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "token", "credits"}).AddRow("acct-1", "tok-1", 7))

	account, err := db.Lookup(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", account.ID)
	assert.Equal(t, 7, account.Credits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupNotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT id, token, credits FROM accounts").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "token", "credits"}))

	account, err := db.Lookup(context.Background(), "missing")
	assert.Nil(t, account)
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestLookupQueryError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT id, token, credits FROM accounts").
		WillReturnError(errors.New("connection reset"))

	_, err := db.Lookup(context.Background(), "tok-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrAccountNotFound)
}

func TestProvisionAccount(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("INSERT INTO accounts").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	account, err := db.ProvisionAccount(context.Background(), 25)
	require.NoError(t, err)
	assert.NotEmpty(t, account.ID)
	assert.True(t, strings.HasPrefix(account.Token, "cg_"))
	assert.Len(t, account.Token, len("cg_")+32)
	assert.Equal(t, 25, account.Credits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisionAccountRejectsNegativeCredits(t *testing.T) {
	db, mock := newMockDB(t)

	_, err := db.ProvisionAccount(context.Background(), -1)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetGenerationBySlug(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT .+ FROM generations WHERE slug = \\$1").
		WithArgs("missing-slug").
		WillReturnError(sql.ErrNoRows)

	g, err := db.GetGenerationBySlug(context.Background(), "missing-slug")
	require.NoError(t, err)
	assert.Nil(t, g)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeductCredit(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("UPDATE accounts SET credits").
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE accounts SET credits").
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.DeductCredit(context.Background(), "acct-1"))
	assert.ErrorIs(t, db.DeductCredit(context.Background(), "acct-1"), ErrNoCredits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveGeneration(t *testing.T) {
	db, mock := newMockDB(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO generations").
		WithArgs("gen-1", "acct-1", "news", "rust-2-0", "gemini-2.5-flash", "strict", "https://example.com",
			`{"title":"Rust 2.0"}`, "generations/rust-2-0.md", created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := db.SaveGeneration(context.Background(), &models.Generation{
		ID:          "gen-1",
		AccountID:   "acct-1",
		Kind:        models.KindNews,
		Slug:        "rust-2-0",
		Model:       "gemini-2.5-flash",
		Parser:      "strict",
		Source:      "https://example.com",
		Content:     models.RecoveredContent{"title": "Rust 2.0"},
		ContentPath: "generations/rust-2-0.md",
		CreatedAt:   created,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func generationRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "account_id", "kind", "slug", "model", "parser", "source", "content", "content_path", "created_at"})
}

func TestGetGeneration(t *testing.T) {
	db, mock := newMockDB(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM generations WHERE id").
		WithArgs("gen-1").
		WillReturnRows(generationRows().AddRow("gen-1", "acct-1", "tool", "linear", "m", "relaxed", nil,
			`{"name":"Linear","features":["a","b"]}`, nil, created))

	g, err := db.GetGeneration(context.Background(), "gen-1")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, models.KindTool, g.Kind)
	assert.Equal(t, "Linear", g.Content.Headline(models.KindTool))
	assert.Equal(t, []string{"a", "b"}, g.Content.Strings("features"))
	assert.Empty(t, g.Source)
	assert.Equal(t, created, g.CreatedAt)
}

func TestGetGenerationMissing(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT (.+) FROM generations WHERE slug").
		WithArgs("nope").
		WillReturnRows(generationRows())

	g, err := db.GetGenerationBySlug(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, g)
}

func TestListGenerations(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM generations WHERE account_id").
		WithArgs("acct-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(generationRows().
			AddRow("gen-2", "acct-1", "news", "b", "m", "strict", "", `{"title":"B"}`, "", now).
			AddRow("gen-1", "acct-1", "news", "a", "m", "dirty", "", `{"title":"A"}`, "", now.Add(-time.Hour)))

	list, err := db.ListGenerations(context.Background(), "acct-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "gen-2", list[0].ID)
	assert.Equal(t, "dirty", list[1].Parser)
}

func TestSlugExists(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("taken").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := db.SlugExists(context.Background(), "taken")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSaveAndGetImage(t *testing.T) {
	db, mock := newMockDB(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO images").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM images WHERE slug").
		WithArgs("fox").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "slug", "prompt", "model", "url", "storage_path", "mime_type", "width", "height", "size_bytes", "created_at"}).
			AddRow("img-1", "acct-1", "fox", "a red fox", "gemini-2.5-flash-image", nil, "images/fox.png", "image/png", 1024, 576, 2048, created))

	err := db.SaveImage(context.Background(), &models.StoredImage{
		ID:          "img-1",
		AccountID:   "acct-1",
		Slug:        "fox",
		Prompt:      "a red fox",
		Model:       "gemini-2.5-flash-image",
		StoragePath: "images/fox.png",
		MimeType:    "image/png",
		Width:       1024,
		Height:      576,
		SizeBytes:   2048,
		CreatedAt:   created,
	})
	require.NoError(t, err)

	img, err := db.GetImageBySlug(context.Background(), "fox")
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, "images/fox.png", img.StoragePath)
	assert.Empty(t, img.URL)
	assert.Equal(t, 1024, img.Width)
	assert.Equal(t, int64(2048), img.SizeBytes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStats(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT kind, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "count"}).AddRow("news", 4).AddRow("tool", 2))
	mock.ExpectQuery("FROM images").
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(3, 4096))

	stats, err := db.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Generations[models.KindNews])
	assert.Equal(t, 2, stats.Generations[models.KindTool])
	assert.Equal(t, 3, stats.Images)
	assert.Equal(t, int64(4096), stats.TotalStorageSize)
}

func TestMigrateAppliesPending(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	for _, table := range []string{"generations", "images"} {
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	require.NoError(t, Migrate(context.Background(), conn, zerolog.Nop()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRollsBackFailedMigration(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS images").
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), conn, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create_images_table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackRevertsLatest(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(3))
	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE IF EXISTS images").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, Rollback(context.Background(), conn))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackWithNothingApplied(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))

	assert.Error(t, Rollback(context.Background(), conn))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMigrationStatus(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))

	status, err := GetMigrationStatus(context.Background(), conn)
	require.NoError(t, err)
	require.Len(t, status, 3)
	assert.True(t, status[0].Applied)
	assert.True(t, status[1].Applied)
	assert.False(t, status[2].Applied)
	assert.Equal(t, "create_images_table", status[2].Name)
}
