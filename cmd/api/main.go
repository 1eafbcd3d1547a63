package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/docutag/contentgen"
	"github.com/docutag/contentgen/api"
	"github.com/docutag/contentgen/db"
	"github.com/docutag/contentgen/generator"
	"github.com/docutag/contentgen/metrics"
	"github.com/docutag/contentgen/recovery"
	"github.com/docutag/contentgen/scraper"
	"github.com/docutag/contentgen/storage"
)

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool parses a boolean variable, warning and falling back on bad input
func getEnvBool(logger zerolog.Logger, key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn().Str("key", key).Str("provided", raw).Bool("default", defaultValue).Msg("invalid boolean, using default")
		return defaultValue
	}
	return v
}

func newModel(provider string) (generator.Model, error) {
	switch strings.ToLower(provider) {
	case "openai":
		return generator.NewOpenAIClient(os.Getenv("OPENAI_API_KEY"), os.Getenv("OPENAI_BASE_URL"))
	case "anthropic":
		return generator.NewAnthropicClient(os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("ANTHROPIC_BASE_URL"))
	case "gemini", "":
		var opts []generator.GeminiOption
		if baseURL := os.Getenv("GEMINI_BASE_URL"); baseURL != "" {
			opts = append(opts, generator.WithGeminiBaseURL(baseURL))
		}
		return generator.NewGeminiClient(os.Getenv("GEMINI_API_KEY"), opts...)
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}
}

// runCommand performs one operator command against the database
func runCommand(ctx context.Context, database *db.DB, status, rollback bool, credits int) error {
	switch {
	case status:
		migrations, err := db.GetMigrationStatus(ctx, database.DB())
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		for _, m := range migrations {
			state := "pending"
			if m.Applied {
				state = "applied"
			}
			fmt.Printf("%3d  %-28s %s\n", m.Version, m.Name, state)
		}
	case rollback:
		if err := db.Rollback(ctx, database.DB()); err != nil {
			return err
		}
		fmt.Println("rolled back the most recent migration")
	default:
		account, err := database.ProvisionAccount(ctx, credits)
		if err != nil {
			return err
		}
		fmt.Printf("account %s created with %d credits\ntoken: %s\n", account.ID, account.Credits, account.Token)
	}
	return nil
}

func main() {
	// An absent .env is normal in containers
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "contentgen").Logger()

	logger.Info().Str("version", "1.0.0").Msg("contentgen service initializing")

	// Default values
	defaultPort := getEnv("PORT", "8080")
	defaultProvider := getEnv("MODEL_PROVIDER", "gemini")
	defaultModel := getEnv("DEFAULT_MODEL", "gemini-2.5-flash")
	defaultImageModel := getEnv("IMAGE_MODEL", "gemini-2.5-flash-image")
	defaultLanguage := getEnv("CONTENT_LANGUAGE", generator.DefaultLanguage)
	defaultStorageBackend := getEnv("STORAGE_BACKEND", "fs")
	defaultStoragePath := getEnv("STORAGE_BASE_PATH", "./storage")

	fetchTimeout := scraper.DefaultConfig().HTTPTimeout
	if raw := os.Getenv("FETCH_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			fetchTimeout = d
		} else {
			logger.Warn().Str("provided", raw).Dur("default", fetchTimeout).Msg("invalid FETCH_TIMEOUT value, using default")
		}
	}

	// Command-line flags (override environment variables)
	port := flag.String("port", defaultPort, "Server port")
	provider := flag.String("provider", defaultProvider, "Model provider: gemini, openai or anthropic")
	model := flag.String("model", defaultModel, "Default text model")
	imageModel := flag.String("image-model", defaultImageModel, "Default image model")
	browserTLS := flag.Bool("browser-tls", getEnvBool(logger, "BROWSER_TLS", false), "Use a browser TLS fingerprint for page fetches")
	normalizeNewlines := flag.Bool("normalize-newlines", getEnvBool(logger, "NORMALIZE_NEWLINES", false), "Escape raw newlines inside model JSON strings before parsing")
	disableCORS := flag.Bool("disable-cors", false, "Disable CORS")
	migrateStatus := flag.Bool("migrate-status", false, "Print migration status and exit")
	migrateRollback := flag.Bool("migrate-rollback", false, "Revert the most recent migration and exit")
	createAccount := flag.Int("create-account", -1, "Create an account with this many credits, print its token and exit")
	flag.Parse()

	ctx := context.Background()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// PostgreSQL database configuration (required)
	dbHost := getEnv("DB_HOST", "")
	if dbHost == "" {
		logger.Fatal().Msg("DB_HOST environment variable is required")
	}
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "docutag")
	dbPassword := getEnv("DB_PASSWORD", "docutag_dev_pass")
	dbName := getEnv("DB_NAME", "docutag")

	migrationCommand := *migrateStatus || *migrateRollback
	database, err := db.New(ctx, db.Config{
		DSN:            fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable", dbHost, dbPort, dbUser, dbPassword, dbName),
		SkipMigrations: migrationCommand,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer database.Close()

	if migrationCommand || *createAccount >= 0 {
		if err := runCommand(ctx, database, *migrateStatus, *migrateRollback, *createAccount); err != nil {
			logger.Fatal().Err(err).Msg("command failed")
		}
		return
	}

	registry.MustRegister(collectors.NewDBStatsCollector(database.DB(), "contentgen"))
	logger.Info().Str("host", dbHost).Str("port", dbPort).Str("database", dbName).Msg("using PostgreSQL database")

	// Storage
	var store storage.Store
	switch defaultStorageBackend {
	case "s3":
		store, err = storage.NewS3Storage(ctx, storage.S3Config{
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Bucket:          os.Getenv("S3_BUCKET"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY"),
			SecretAccessKey: os.Getenv("S3_SECRET_KEY"),
			UsePathStyle:    getEnvBool(logger, "S3_PATH_STYLE", false),
		})
	default:
		store, err = storage.New(storage.Config{BasePath: defaultStoragePath})
	}
	if err != nil {
		logger.Fatal().Err(err).Str("backend", defaultStorageBackend).Msg("failed to initialize storage")
	}

	// Model client; a missing credential leaves generation disabled rather than failing startup
	var invoker *generator.Invoker
	client, err := newModel(*provider)
	switch {
	case errors.Is(err, generator.ErrUnconfigured):
		logger.Warn().Str("provider", *provider).Msg("no model credential configured, generation disabled")
	case err != nil:
		logger.Fatal().Err(err).Msg("failed to create model client")
	default:
		invoker = generator.NewInvoker(client, logger, m)
	}

	// Scraping
	fetchConfig := scraper.DefaultConfig()
	fetchConfig.HTTPTimeout = fetchTimeout
	fetchConfig.BrowserTLS = *browserTLS
	fetcher := scraper.NewFetcher(fetchConfig, logger, m)
	fallback := scraper.NewFallbackResolver(scraper.DefaultFallbackConfig(), fetcher, logger, m)
	media := scraper.NewMediaExtractor(fetcher, fallback, logger, m)

	recoveryOpts := []recovery.Option{recovery.WithLogger(logger), recovery.WithMetrics(m)}
	if *normalizeNewlines {
		recoveryOpts = append(recoveryOpts, recovery.WithNewlineNormalization())
	}

	pipeline := contentgen.New(
		database,
		generator.NewPromptBuilder(fetcher, defaultLanguage, logger),
		invoker,
		recovery.New(recoveryOpts...),
		media,
		contentgen.WithDefaultModel(*model),
		contentgen.WithImageModel(*imageModel),
		contentgen.WithImageService(getEnv("IMAGE_SERVICE_URL", contentgen.DefaultImageServiceURL)),
		contentgen.WithLogger(logger),
		contentgen.WithMetrics(m),
	)

	server := api.NewServer(api.Config{
		Addr:        ":" + *port,
		CORSEnabled: !*disableCORS,
	}, api.Dependencies{
		Pipeline: pipeline,
		Repo:     database,
		Store:    store,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Log:      logger,
	})

	// Stored totals updater
	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-statsCtx.Done():
				return
			case <-ticker.C:
				stats, err := database.GetStats(statsCtx)
				if err != nil {
					logger.Warn().Err(err).Msg("failed to read stored totals")
					continue
				}
				byKind := make(map[string]int, len(stats.Generations))
				for kind, n := range stats.Generations {
					byKind[string(kind)] = n
				}
				m.SetStoredTotals(byKind, stats.Images, stats.TotalStorageSize)
			}
		}
	}()

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", *port).
			Str("provider", *provider).
			Str("model", *model).
			Str("image_model", *imageModel).
			Str("storage_backend", defaultStorageBackend).
			Bool("browser_tls", *browserTLS).
			Bool("normalize_newlines", *normalizeNewlines).
			Bool("generation_enabled", invoker != nil).
			Msg("contentgen service starting")

		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	logger.Info().Msg("server stopped")
}
