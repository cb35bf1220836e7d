package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/scanning"
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

	fs := ff.NewFlagSet("receipt-ledger")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "receipt-ledger.db", "Accounts database file path")
		ledgerDir     = fs.StringLong("ledger-dir", "./user_folders", "Directory holding one folder of spreadsheets per user")
		dateColumn    = fs.BoolDefault(0, "ledger-date-column", true, "Include a Date column in ledgers")
		maxUploads    = fs.IntLong("max-concurrent-uploads", 4, "Uploads processed at the same time")
		agentType     = fs.StringLong("agent", "openai", "Structuring agent: 'openai', 'gemini' or 'ollama'")
		agentTimeout  = fs.DurationLong("agent-timeout", 45*time.Second, "Timeout for one completion call")
		openaiKey     = fs.StringLong("openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		openaiModel   = fs.StringLong("openai-model", "gpt-4o-mini", "OpenAI model name")
		openaiURL     = fs.StringLong("openai-url", "https://api.openai.com/v1", "OpenAI compatible API base URL")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llama3.1", "Ollama model name")
		tesseractBin  = fs.StringLong("tesseract", "tesseract", "Path to the tesseract binary")
		tesseractLang = fs.StringLong("tesseract-lang", "eng", "Tesseract language")
		tessdataDir   = fs.StringLong("tessdata-dir", "", "Tesseract tessdata directory (optional)")
		adminUser     = fs.StringLong("admin-user", "admin", "Bootstrap admin username")
		adminPass     = fs.StringLong("admin-pass", "", "Bootstrap admin password; the admin is created on first start when set")
		debug         = fs.BoolLong("debug", "Enable debug logging")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_LEDGER"),
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

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	// Initialize database
	slog.Info("Initializing database...")
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize agent based on type
	var agent scanning.Agent
	switch *agentType {
	case "openai":
		apiKey := *openaiKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		slog.Info("Initializing OpenAI agent...", "model", *openaiModel, "url", *openaiURL)
		agent, err = scanning.NewOpenAI(scanning.OpenAIConfig{
			APIKey:   apiKey,
			Model:    *openaiModel,
			BaseURL:  *openaiURL,
			Timeout:  *agentTimeout,
			WithDate: *dateColumn,
		})
		if err != nil {
			slog.Error("Failed to initialize OpenAI. Set --openai-key flag or OPENAI_API_KEY environment variable", "error", err)
			os.Exit(1)
		}
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini agent...", "model", *geminiModel)
		agent, err = scanning.NewGemini(apiKey, *geminiModel, *agentTimeout, *dateColumn)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama agent...", "url", *ollamaURL, "model", *ollamaModel)
		agent, err = scanning.NewOllama(*ollamaURL, *ollamaModel, *agentTimeout, *dateColumn)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid agent type", "type", *agentType, "valid", "openai, gemini or ollama")
		os.Exit(1)
	}
	defer agent.Close()

	extractor := scanning.NewTesseract(scanning.TesseractConfig{
		Binary:      *tesseractBin,
		Language:    *tesseractLang,
		TessdataDir: *tessdataDir,
	})

	// Initialize storage
	slog.Info("Initializing storage...", "path", *ledgerDir)
	store, err := receipt.NewLocalStorage(*ledgerDir)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	ledger := receipt.NewLedgerStore(store, receipt.SchemaFor(*dateColumn))
	service := receipt.NewService(ledger, extractor, agent, *maxUploads)
	accounts := receipt.NewAccounts(db, ledger)

	if *adminPass != "" {
		if err := accounts.EnsureAdmin(*adminUser, *adminPass); err != nil {
			slog.Error("Failed to create admin account", "error", err)
			os.Exit(1)
		}
	}
	if users, err := accounts.ListUsers(); err == nil && len(users) == 0 {
		slog.Warn("No accounts exist. Set --admin-pass to create the first admin")
	}

	server := receipt.NewServer(service, accounts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started",
		"address", fmt.Sprintf("http://localhost%s", addr),
		"agent", *agentType,
		"date_column", *dateColumn,
	)
	if err := server.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shut down")
}
