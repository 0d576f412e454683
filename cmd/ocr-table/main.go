package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/ocr-table/internal/gateway"
	"github.com/zombor/ocr-table/internal/upload"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// firstNonEmpty returns the flag value, falling back to an unprefixed env var
func firstNonEmpty(value, envKey string) string {
	if value != "" {
		return value
	}
	return os.Getenv(envKey)
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env file is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	flags := ff.NewFlagSet("ocr-table")
	var (
		port        = flags.IntLong("port", 8080, "HTTP server port")
		dbPath      = flags.StringLong("db", "ocr-table.db", "Batch history database file path")
		storagePath = flags.StringLong("storage", "./uploads", "Scratch directory for queued uploads")
		apiKey      = flags.StringLong("baidu-api-key", "", "Baidu API key (or set BAIDU_AK env var)")
		secretKey   = flags.StringLong("baidu-secret-key", "", "Baidu secret key (or set BAIDU_SK env var)")
		accessToken = flags.StringLong("baidu-access-token", "", "Preissued Baidu access token (or set BAIDU_ACCESS_TOKEN env var)")
		tokenURL    = flags.StringLong("baidu-token-url", gateway.DefaultBaiduTokenURL, "Baidu OAuth token endpoint")
		baseURL     = flags.StringLong("baidu-base-url", gateway.DefaultBaiduBaseURL, "Baidu OCR API base URL")
		ocrTimeout  = flags.DurationLong("ocr-timeout", 60*time.Second, "Timeout for a single OCR request")
		authUser    = flags.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = flags.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = flags.BoolLong("version", "Show version information")
		_           = flags.StringLong("config", "", "Config file (optional)")
	)

	if err := ff.Parse(flags, os.Args[1:],
		ff.WithEnvVarPrefix("OCR_TABLE"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(flags))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.Info("Initializing database...")
	db, err := upload.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	slog.Info("Initializing storage...")
	store, err := upload.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	// Uploads only live for one session
	if err := store.Clear(); err != nil {
		slog.Warn("Failed to clear upload storage", "path", *storagePath, "error", err)
	}

	credentials := gateway.NewCredentials(
		firstNonEmpty(*apiKey, "BAIDU_AK"),
		firstNonEmpty(*secretKey, "BAIDU_SK"),
		*tokenURL,
		nil,
	)
	credentials.Seed(firstNonEmpty(*accessToken, "BAIDU_ACCESS_TOKEN"))
	if !credentials.Configured() {
		slog.Warn("Baidu API key or secret key is not set; recognition requests will fail until configured")
	}

	slog.Info("Initializing Baidu gateway...", "base_url", *baseURL, "timeout", *ocrTimeout)
	baidu, err := gateway.NewBaidu(credentials, gateway.BaiduConfig{
		BaseURL: *baseURL,
		Timeout: *ocrTimeout,
	})
	if err != nil {
		slog.Error("Failed to initialize Baidu gateway", "error", err)
		os.Exit(1)
	}

	service := upload.NewService(db, store, baidu)

	basicAuth := upload.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := upload.NewServer(service, basicAuth)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutting down...")
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := service.Wait(waitCtx); err != nil {
		slog.Warn("Extraction still running at shutdown", "error", err)
	}
}
