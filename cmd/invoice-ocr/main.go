package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/invoice-ocr/internal/extraction"
	"github.com/zombor/invoice-ocr/internal/invoice"
	"github.com/zombor/invoice-ocr/internal/ledger"
	"github.com/zombor/invoice-ocr/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env file is fine
	_ = godotenv.Load()

	def := invoice.DefaultConfig()
	fs := ff.NewFlagSet("invoice-ocr")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dbPath         = fs.StringLong("db", "invoice-ocr.db", "Database file path")
		storagePath    = fs.StringLong("storage", "./documents", "Storage directory for source documents")
		chartPath      = fs.StringLong("chart", "", "JSON chart of accounts, taxes and suppliers to load at startup (optional)")
		backend        = fs.StringLong("backend", def.Backend, "AI backend: 'ollama' or 'gemini'")
		backendURL     = fs.StringLong("backend-url", def.BackendURL, "Ollama API base URL")
		model          = fs.StringLong("model", def.Model, "Model name")
		timeout        = fs.DurationLong("timeout", def.Timeout, "AI request timeout")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		ocrLanguages   = fs.StringLong("ocr-languages", "fra,deu,eng", "Comma separated Tesseract languages")
		watchFolder    = fs.StringLong("watch-folder", def.WatchFolder, "Folder scanned for incoming PDFs")
		successFolder  = fs.StringLong("success-folder", def.SuccessFolder, "Archive folder for processed PDFs")
		errorFolder    = fs.StringLong("error-folder", def.ErrorFolder, "Archive folder for failed PDFs")
		rejectedFolder = fs.StringLong("rejected-folder", def.RejectedFolder, "Folder for rejected non-PDF files")
		alertEmail     = fs.StringLong("alert-email", "", "Recipient of alert emails (optional)")
		alertThreshold = fs.Float64Long("alert-threshold", def.AlertAmountThreshold, "Entry total above which an alert is sent")
		batchSize      = fs.IntLong("batch-size", def.BatchSize, "Jobs processed per batch")
		interval       = fs.DurationLong("interval", time.Minute, "Delay between scheduler runs")
		smtpAddr       = fs.StringLong("smtp-addr", "", "SMTP server host:port (alerts are logged when empty)")
		smtpFrom       = fs.StringLong("smtp-from", "invoice-ocr@localhost", "Alert sender address")
		smtpUser       = fs.StringLong("smtp-user", "", "SMTP username (optional)")
		smtpPass       = fs.StringLong("smtp-pass", "", "SMTP password (optional)")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_OCR"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg := invoice.Config{
		Backend:              *backend,
		BackendURL:           *backendURL,
		Model:                *model,
		Timeout:              *timeout,
		WatchFolder:          *watchFolder,
		SuccessFolder:        *successFolder,
		ErrorFolder:          *errorFolder,
		RejectedFolder:       *rejectedFolder,
		AlertEmail:           *alertEmail,
		AlertAmountThreshold: *alertThreshold,
		BatchSize:            *batchSize,
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize database
	slog.Info("Initializing database...")
	db, err := invoice.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if *chartPath != "" {
		if err := seedChart(db, *chartPath); err != nil {
			slog.Error("Failed to load chart", "path", *chartPath, "error", err)
			os.Exit(1)
		}
	}

	// Initialize AI backend
	var ai scanning.Backend
	switch cfg.Backend {
	case invoice.BackendGemini:
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini backend...", "model", cfg.Model)
		ai, err = scanning.NewGemini(apiKey, cfg.Model, cfg.Timeout)
	default:
		slog.Info("Initializing Ollama backend...", "url", cfg.BackendURL, "model", cfg.Model)
		ai, err = scanning.NewOllama(cfg.BackendURL, cfg.Model, cfg.Timeout)
	}
	if err != nil {
		slog.Error("Failed to initialize AI backend", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}
	defer ai.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := invoice.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	var notifier invoice.Notifier = invoice.LogNotifier{}
	if *smtpAddr != "" {
		notifier = &invoice.SMTPNotifier{Addr: *smtpAddr, From: *smtpFrom, Username: *smtpUser, Password: *smtpPass}
	}

	ocr := extraction.NewTesseractOCR(strings.Split(*ocrLanguages, ",")...)
	service := invoice.NewService(
		cfg,
		db,
		store,
		invoice.NewArchive(cfg),
		extraction.NewExtractor(ocr),
		scanning.NewClient(ai),
		invoice.NewAlerter(notifier, cfg.AlertEmail),
	)

	basicAuth := invoice.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := invoice.NewServer(service, basicAuth)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx, fmt.Sprintf(":%d", *port))
	})
	g.Go(func() error {
		return invoice.NewScheduler(service, *interval).Run(ctx)
	})
	g.Go(func() error {
		return invoice.NewWatcher(service, cfg.WatchFolder, 2*time.Second).Run(ctx)
	})

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost:%d", *port), "version", version)
	if err := g.Wait(); err != nil {
		slog.Error("Shutting down", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutting down...")
}

func seedChart(db *invoice.BoltDB, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	chart, err := ledger.LoadChart(f)
	if err != nil {
		return err
	}
	if err := db.SeedChart(chart); err != nil {
		return err
	}
	slog.Info("Chart loaded", "accounts", len(chart.Accounts), "taxes", len(chart.Taxes), "suppliers", len(chart.Suppliers))
	return nil
}
