// Package storage persists generated images and rendered markdown to a local directory or an
// S3-compatible bucket.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Store is implemented by every storage backend. Paths are relative to the backend root and
// always use forward slashes.
type Store interface {
	SaveImage(ctx context.Context, data []byte, slug, contentType string) (string, error)
	SaveMarkdown(ctx context.Context, content, slug string) (string, error)
	ReadImage(ctx context.Context, relPath string) ([]byte, error)
	ReadMarkdown(ctx context.Context, relPath string) (string, error)
	Delete(ctx context.Context, relPath string) error
}

// Config contains storage configuration
type Config struct {
	BasePath string // Base directory for all stored files
}

// DefaultConfig returns default storage configuration
func DefaultConfig() Config {
	return Config{
		BasePath: "./storage",
	}
}

// Storage handles filesystem storage operations
type Storage struct {
	config Config
}

// New creates a new Storage instance
func New(config Config) (*Storage, error) {
	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base storage directory: %w", err)
	}

	return &Storage{
		config: config,
	}, nil
}

// SaveImage writes an image under images/YYYY/MM/ and returns its relative path
func (s *Storage) SaveImage(ctx context.Context, data []byte, slug, contentType string) (string, error) {
	ext := extensionFromContentType(contentType)
	if ext == "" {
		ext = ".png"
	}
	return s.save(data, "images", slug, ext)
}

// SaveMarkdown writes rendered markdown under generations/YYYY/MM/ and returns its relative path
func (s *Storage) SaveMarkdown(ctx context.Context, content, slug string) (string, error) {
	return s.save([]byte(content), "generations", slug, ".md")
}

func (s *Storage) save(data []byte, prefix, slug, ext string) (string, error) {
	dir := datedDir(prefix, time.Now())
	dirPath := filepath.Join(s.config.BasePath, filepath.FromSlash(dir))
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", prefix, err)
	}

	filename := slug + ext
	counter := 1
	for fileExists(filepath.Join(dirPath, filename)) {
		filename = fmt.Sprintf("%s-%d%s", slug, counter, ext)
		counter++
	}

	if err := os.WriteFile(filepath.Join(dirPath, filename), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s file: %w", prefix, err)
	}

	return path.Join(dir, filename), nil
}

// ReadImage reads an image from the filesystem
func (s *Storage) ReadImage(ctx context.Context, relPath string) ([]byte, error) {
	data, err := os.ReadFile(s.GetFullPath(relPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read image file: %w", err)
	}
	return data, nil
}

// ReadMarkdown reads stored markdown from the filesystem
func (s *Storage) ReadMarkdown(ctx context.Context, relPath string) (string, error) {
	data, err := os.ReadFile(s.GetFullPath(relPath))
	if err != nil {
		return "", fmt.Errorf("failed to read markdown file: %w", err)
	}
	return string(data), nil
}

// Delete removes a stored file; a missing file is not an error
func (s *Storage) Delete(ctx context.Context, relPath string) error {
	if err := os.Remove(s.GetFullPath(relPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// GetFullPath returns the full filesystem path for a relative path
func (s *Storage) GetFullPath(relPath string) string {
	clean := path.Clean("/" + relPath)
	return filepath.Join(s.config.BasePath, filepath.FromSlash(clean))
}

func datedDir(prefix string, now time.Time) string {
	return fmt.Sprintf("%s/%04d/%02d", prefix, now.Year(), int(now.Month()))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// extensionFromContentType returns the file extension for a content type
func extensionFromContentType(contentType string) string {
	contentType = strings.ToLower(strings.Split(contentType, ";")[0])
	contentType = strings.TrimSpace(contentType)

	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "text/markdown":
		return ".md"
	default:
		return ""
	}
}
