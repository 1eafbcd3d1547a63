package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docutag/contentgen"
	"github.com/docutag/contentgen/db"
	"github.com/docutag/contentgen/models"
	"github.com/docutag/contentgen/recovery"
	"github.com/docutag/contentgen/slug"
	"github.com/docutag/contentgen/storage"
)

// Repository is the persistence the server needs; *db.DB implements it
type Repository interface {
	Lookup(ctx context.Context, token string) (*models.Account, error)
	DeductCredit(ctx context.Context, accountID string) error
	SaveGeneration(ctx context.Context, g *models.Generation) error
	GetGeneration(ctx context.Context, id string) (*models.Generation, error)
	GetGenerationBySlug(ctx context.Context, slug string) (*models.Generation, error)
	ListGenerations(ctx context.Context, accountID string, limit, offset int) ([]*models.Generation, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	SaveImage(ctx context.Context, img *models.StoredImage) error
	GetImageBySlug(ctx context.Context, slug string) (*models.StoredImage, error)
}

var _ Repository = (*db.DB)(nil)

// Server represents the API server
type Server struct {
	pipeline    *contentgen.Pipeline
	repo        Repository
	store       storage.Store
	metrics     http.Handler
	log         zerolog.Logger
	server      *http.Server
	mux         *http.ServeMux
	corsEnabled bool
}

// Config contains server configuration
type Config struct {
	Addr        string
	CORSEnabled bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Addr:        ":8080",
		CORSEnabled: true,
	}
}

// Dependencies are the collaborators a Server routes requests to. Store and Metrics may be nil.
type Dependencies struct {
	Pipeline *contentgen.Pipeline
	Repo     Repository
	Store    storage.Store
	Metrics  http.Handler
	Log      zerolog.Logger
}

// NewServer creates a new API server
func NewServer(config Config, deps Dependencies) *Server {
	s := &Server{
		pipeline:    deps.Pipeline,
		repo:        deps.Repo,
		store:       deps.Store,
		metrics:     deps.Metrics,
		log:         deps.Log.With().Str("component", "api").Logger(),
		mux:         http.NewServeMux(),
		corsEnabled: config.CORSEnabled,
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.middleware(s.mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Generation retries and fallback search run inline
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
	s.mux.HandleFunc("/api/generate", s.handleGenerate)
	s.mux.HandleFunc("/api/media", s.handleMedia)
	s.mux.HandleFunc("/api/image", s.handleImage)
	s.mux.HandleFunc("/api/generations", s.handleListGenerations)
	s.mux.HandleFunc("/api/generations/", s.handleGetGeneration)               // Handles /api/generations/{id}
	s.mux.HandleFunc("/api/generations/by-slug/", s.handleGetGenerationBySlug) // Handles /api/generations/by-slug/{slug}
	s.mux.HandleFunc("/api/images/", s.handleServeImage)                       // Handles /api/images/{slug}
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the API server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down API server")
	return s.server.Shutdown(ctx)
}

// middleware applies common middleware to all routes
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.corsEnabled {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Health checks and metrics scrapes are not logged
		quiet := r.URL.Path == "/health" || r.URL.Path == "/metrics"
		start := time.Now()

		next.ServeHTTP(w, r)

		if !quiet {
			s.log.Info().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		}
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now(),
	})
}

// GenerateRequest asks for one article or tool listing
type GenerateRequest struct {
	Kind  string `json:"kind"`
	URL   string `json:"url,omitempty"`
	Text  string `json:"text,omitempty"`
	Model string `json:"model,omitempty"`
}

// GenerateResponse is a stored generation plus bookkeeping
type GenerateResponse struct {
	*models.Generation
	Attempts int `json:"attempts"`
}

// handleGenerate runs the pipeline, then persists the result and charges one credit
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind, err := models.ParseContentKind(req.Kind)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var input models.Context
	switch {
	case strings.TrimSpace(req.URL) != "":
		input = models.URLContext(req.URL)
	case strings.TrimSpace(req.Text) != "":
		input = models.TextContext(req.Text)
	default:
		respondError(w, http.StatusBadRequest, "url or text is required")
		return
	}

	ctx := r.Context()
	outcome, err := s.pipeline.GenerateContent(ctx, callerFrom(r), input, kind, req.Model)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}

	generation := &models.Generation{
		ID:        uuid.NewString(),
		AccountID: outcome.Account.ID,
		Kind:      kind,
		Model:     outcome.Model,
		Parser:    outcome.Parser,
		Content:   outcome.Content,
		CreatedAt: time.Now().UTC(),
	}
	if input.IsURL() {
		generation.Source = input.Value
	}

	generation.Slug, err = slug.Unique(ctx, slug.FromContent(outcome.Content, kind, generation.ID), s.repo.SlugExists)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to allocate slug")
		respondError(w, http.StatusInternalServerError, "failed to save generation")
		return
	}

	if s.store != nil {
		path, err := s.store.SaveMarkdown(ctx, storage.RenderMarkdown(kind, outcome.Content), generation.Slug)
		if err != nil {
			s.log.Warn().Err(err).Str("slug", generation.Slug).Msg("failed to store markdown")
		} else {
			generation.ContentPath = path
		}
	}

	if err := s.repo.DeductCredit(ctx, outcome.Account.ID); err != nil {
		s.discardMarkdown(ctx, generation.ContentPath)
		if errors.Is(err, db.ErrNoCredits) {
			respondError(w, http.StatusPaymentRequired, contentgen.UserMessage(contentgen.ErrQuotaExceeded))
			return
		}
		s.log.Error().Err(err).Str("account_id", outcome.Account.ID).Msg("failed to deduct credit")
		respondError(w, http.StatusInternalServerError, "failed to charge credit")
		return
	}

	if err := s.repo.SaveGeneration(ctx, generation); err != nil {
		s.discardMarkdown(ctx, generation.ContentPath)
		s.log.Error().Err(err).Str("id", generation.ID).Msg("failed to save generation")
		respondError(w, http.StatusInternalServerError, "failed to save generation")
		return
	}

	respondJSON(w, http.StatusOK, GenerateResponse{Generation: generation, Attempts: outcome.Attempts})
}

// discardMarkdown removes a stored document whose generation was not saved
func (s *Server) discardMarkdown(ctx context.Context, path string) {
	if path == "" || s.store == nil {
		return
	}
	if err := s.store.Delete(ctx, path); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("failed to remove orphaned markdown")
	}
}

// MediaRequest asks for image candidates for a page
type MediaRequest struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// handleMedia returns image candidates; extraction problems are reported in the body
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req MediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	kind, err := models.ParseContentKind(req.Kind)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, s.pipeline.ExtractMedia(r.Context(), req.URL, kind))
}

// ImageRequest asks for an illustration
type ImageRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	Persist     bool   `json:"persist,omitempty"`
}

// handleImage generates an image; persisting it requires an authenticated caller
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "title or prompt is required")
		return
	}

	ctx := r.Context()
	var account *models.Account
	if req.Persist {
		var err error
		if account, err = s.lookupCaller(ctx, r); err != nil {
			s.respondPipelineError(w, err)
			return
		}
	}

	result, err := s.pipeline.GenerateImage(ctx, contentgen.ImageRequest{
		Title:        req.Title,
		Description:  req.Description,
		Model:        req.Model,
		CustomPrompt: req.Prompt,
	})
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}

	if account != nil {
		if err := s.persistImage(ctx, account, req.Model, result); err != nil {
			s.log.Error().Err(err).Msg("failed to persist image")
			respondError(w, http.StatusInternalServerError, "failed to save image")
			return
		}
	}

	respondJSON(w, http.StatusOK, result)
}

// persistImage records the image and, for inline data, writes the bytes to storage
func (s *Server) persistImage(ctx context.Context, account *models.Account, model string, result *models.ImageResult) error {
	record := &models.StoredImage{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		Prompt:    result.ImagePrompt,
		Model:     model,
		MimeType:  result.MimeType,
		Width:     result.Width,
		Height:    result.Height,
		CreatedAt: time.Now().UTC(),
	}

	var err error
	record.Slug, err = slug.Unique(ctx, slug.FromPrompt(result.ImagePrompt, record.ID), s.repo.SlugExists)
	if err != nil {
		return err
	}

	data, isInline, err := decodeDataURI(result.ImageURL)
	if err != nil {
		return err
	}
	if isInline && s.store != nil {
		path, err := s.store.SaveImage(ctx, data, record.Slug, result.MimeType)
		if err != nil {
			return err
		}
		record.StoragePath = path
		record.SizeBytes = int64(len(data))
		result.StoragePath = path
	} else if !isInline {
		record.URL = result.ImageURL
	} else {
		return fmt.Errorf("no storage configured for inline image")
	}

	return s.repo.SaveImage(ctx, record)
}

// decodeDataURI returns the payload of a base64 data URI; isInline is false for other URLs
func decodeDataURI(uri string) (data []byte, isInline bool, err error) {
	if !strings.HasPrefix(uri, "data:") {
		return nil, false, nil
	}
	idx := strings.Index(uri, ";base64,")
	if idx < 0 {
		return nil, true, fmt.Errorf("unsupported data URI encoding")
	}
	data, err = base64.StdEncoding.DecodeString(uri[idx+len(";base64,"):])
	if err != nil {
		return nil, true, fmt.Errorf("failed to decode data URI: %w", err)
	}
	return data, true, nil
}

// handleListGenerations lists the caller's generations
func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	account, err := s.lookupCaller(r.Context(), r)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}

	limit := 20
	offset := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}

	list, err := s.repo.ListGenerations(r.Context(), account.ID, limit, offset)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list generations")
		respondError(w, http.StatusInternalServerError, "failed to list generations")
		return
	}
	if list == nil {
		list = []*models.Generation{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"generations": list,
		"limit":       limit,
		"offset":      offset,
	})
}

// handleGetGeneration returns one stored generation
func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/generations/"), "/")
	if id == "" {
		respondError(w, http.StatusBadRequest, "id is required")
		return
	}

	generation, err := s.repo.GetGeneration(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("failed to get generation")
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if generation == nil {
		respondError(w, http.StatusNotFound, "generation not found")
		return
	}

	respondJSON(w, http.StatusOK, generation)
}

// handleGetGenerationBySlug returns one stored generation by its slug
func (s *Server) handleGetGenerationBySlug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	genSlug := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/generations/by-slug/"), "/")
	if genSlug == "" {
		respondError(w, http.StatusBadRequest, "slug is required")
		return
	}

	generation, err := s.repo.GetGenerationBySlug(r.Context(), genSlug)
	if err != nil {
		s.log.Error().Err(err).Str("slug", genSlug).Msg("failed to get generation")
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if generation == nil {
		respondError(w, http.StatusNotFound, "generation not found")
		return
	}

	respondJSON(w, http.StatusOK, generation)
}

// handleServeImage serves a stored image file, or redirects to its external URL
func (s *Server) handleServeImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	imageSlug := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/images/"), "/")
	if imageSlug == "" {
		respondError(w, http.StatusBadRequest, "slug is required")
		return
	}

	img, err := s.repo.GetImageBySlug(r.Context(), imageSlug)
	if err != nil {
		s.log.Error().Err(err).Str("slug", imageSlug).Msg("failed to get image")
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	if img == nil {
		respondError(w, http.StatusNotFound, "image not found")
		return
	}

	if img.StoragePath == "" || s.store == nil {
		if img.URL == "" {
			respondError(w, http.StatusNotFound, "image file not available")
			return
		}
		http.Redirect(w, r, img.URL, http.StatusFound)
		return
	}

	data, err := s.store.ReadImage(r.Context(), img.StoragePath)
	if err != nil {
		s.log.Error().Err(err).Str("path", img.StoragePath).Msg("failed to read image")
		respondError(w, http.StatusNotFound, "image file not available")
		return
	}

	if img.MimeType != "" {
		w.Header().Set("Content-Type", img.MimeType)
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// lookupCaller authenticates the bearer token without checking credits
func (s *Server) lookupCaller(ctx context.Context, r *http.Request) (*models.Account, error) {
	caller := callerFrom(r)
	if caller.Token == "" {
		return nil, contentgen.ErrUnauthenticated
	}
	account, err := s.repo.Lookup(ctx, caller.Token)
	if errors.Is(err, models.ErrAccountNotFound) {
		return nil, contentgen.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	return account, nil
}

func callerFrom(r *http.Request) contentgen.Caller {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return contentgen.Caller{Token: strings.TrimSpace(header[len("bearer "):])}
	}
	return contentgen.Caller{}
}

// statusFor maps pipeline errors to HTTP status codes
func statusFor(err error) int {
	var genErr *contentgen.GenerationFailedError
	var formatErr *recovery.UnrecoverableFormatError
	switch {
	case errors.Is(err, contentgen.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, contentgen.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, contentgen.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, contentgen.ErrUnconfigured):
		return http.StatusServiceUnavailable
	case errors.As(err, &genErr) && genErr.Overloaded():
		return http.StatusServiceUnavailable
	case errors.As(err, &genErr):
		return http.StatusBadGateway
	case errors.As(err, &formatErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, contentgen.ErrNoImageReturned):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondPipelineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	respondError(w, status, contentgen.UserMessage(err))
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
