package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loomworks/loom/internal/apply"
	"github.com/loomworks/loom/internal/audit"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/background"
	"github.com/loomworks/loom/internal/backup"
	"github.com/loomworks/loom/internal/bundle"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/driver"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/health"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/server"
	"github.com/loomworks/loom/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "token":
			cmdToken(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("loom %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}
	runServer()
}

func printUsage() {
	fmt.Printf(`Loom %s - Agent Request Orchestration Service

Usage: loom [command] [options]

Commands:
  (default)    Start the orchestration server
  token        Manage API tokens (create, list, revoke)

Server Options:
  --dir <path>   Loom home directory

Config Precedence:
  1. --dir flag
  2. LOOM_HOME env var
  3. ~/.loom (default)

Examples:
  loom                                  Start the server
  loom --dir /srv/loom                  Start with a specific home directory
  loom token create --name "Local Dev" --user alice
`, Version)
}

// resolveHomeDir picks the home directory: flag > env > ~/.loom.
func resolveHomeDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("LOOM_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func runServer() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Loom home directory (default: ~/.loom)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("loom %s\n", Version)
		os.Exit(0)
	}

	homeDir := resolveHomeDir(*dirFlag)
	dataDir := filepath.Join(homeDir, "data")
	logDir := filepath.Join(dataDir, "logs")

	cfg, err := config.Load(homeDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(logDir, cfg.Server.LogJSON); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Info("loom starting", "version", Version, "home", homeDir)

	auditLog := audit.New(cfg.Server.AuditLog)

	st, err := store.New(dataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	authStore, err := auth.NewStore(dataDir)
	if err != nil {
		logger.Error("failed to open auth store", "error", err)
		os.Exit(1)
	}

	limiter := auth.NewRateLimiter(cfg.Limits.RequestsPerSecond, cfg.Limits.Burst)
	registry := health.NewRegistry(cfg.Breaker.FailureThreshold, cfg.ResetTimeout())

	loader := bundle.NewLoader(st, st, st, st)
	syncer := background.NewSyncer(st)
	applier := apply.NewApplier(st, syncer, auditLog)

	factory := executor.NewGatewayFactory(
		cfg.Gateway.BaseURL,
		os.Getenv(cfg.Gateway.APIKeyEnv),
		cfg.GatewayTimeout(),
	)

	defaults := models.BuildChain(cfg.Models.Default, cfg.Models.Fallbacks)
	logger.Info("model chain configured", "chain", defaults)

	sink := server.LedgerSink{AuthStore: authStore}
	drv := driver.New(loader, factory, registry, applier, sink, auditLog, defaults)

	conts := background.NewContinuations()
	worker := background.NewWorker(st, loader, factory, applier, conts)
	worker.Start()

	backups, err := backup.New(dataDir, filepath.Join(homeDir, "backups"), cfg.Retention.BackupKeep)
	if err != nil {
		logger.Error("failed to initialize backups", "error", err)
		os.Exit(1)
	}

	sched := background.NewScheduler(st, limiter, backups, cfg.Retention.CheckpointDays)
	if err := sched.Start(cfg.Retention.PurgeSchedule, cfg.Retention.BackupSchedule); err != nil {
		logger.Error("failed to start maintenance scheduler", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg.Server.Address, drv, st, conts, authStore, limiter)
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdownChan:
		logger.Info("shutting down", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown incomplete", "error", err)
		}
		worker.Stop()
		sched.Stop()
		syncer.Stop()
		_ = authStore.Close()
		_ = st.Close()

		logger.Info("shutdown complete")
	}
}

func cmdToken(args []string) {
	if len(args) < 1 {
		printTokenUsage()
		os.Exit(1)
	}

	dataDir := filepath.Join(resolveHomeDir(""), "data")
	authStore, err := auth.NewStore(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing auth store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = authStore.Close() }()

	switch args[0] {
	case "create":
		tokenCreate(authStore, args[1:])
	case "list":
		tokenList(authStore)
	case "revoke":
		tokenRevoke(authStore, args[1:])
	case "help", "-h", "--help":
		printTokenUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown token command: %s\n", args[0])
		printTokenUsage()
		os.Exit(1)
	}
}

func printTokenUsage() {
	fmt.Println(`Token Management

Usage: loom token <command> [options]

Commands:
  create    Create a new API token
  list      List all tokens
  revoke    Revoke a token

Examples:
  loom token create --name "Local Dev" --user alice
  loom token create --name "CI" --user ci --allowance 5000000 --expires-days 90
  loom token revoke loom_xxxx...`)
}

func tokenCreate(authStore *auth.Store, args []string) {
	fs := flag.NewFlagSet("token create", flag.ExitOnError)
	name := fs.String("name", "", "Human-readable token name (required)")
	user := fs.String("user", "", "User the token belongs to (required)")
	allowance := fs.Int64("allowance", 0, "Monthly token allowance (0 = unlimited)")
	expiresDays := fs.Int("expires-days", 0, "Days until expiry (0 = never)")
	_ = fs.Parse(args)

	if *name == "" || *user == "" {
		fmt.Fprintln(os.Stderr, "Error: --name and --user are required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	var expiresAt *time.Time
	if *expiresDays > 0 {
		t := time.Now().AddDate(0, 0, *expiresDays)
		expiresAt = &t
	}

	token, tokenID, err := authStore.CreateToken(*name, *user, *allowance, expiresAt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Token created successfully!")
	fmt.Println()
	fmt.Printf("Token:  %s\n", tokenID)
	fmt.Printf("Name:   %s\n", token.Name)
	fmt.Printf("User:   %s\n", token.UserID)
	if token.MonthlyTokenAllowance > 0 {
		fmt.Printf("Allowance: %d tokens/month\n", token.MonthlyTokenAllowance)
	}
	fmt.Println()
	fmt.Println("IMPORTANT: Save this token now. It cannot be retrieved later.")
}

func tokenList(authStore *auth.Store) {
	tokens, err := authStore.ListTokens()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing tokens: %v\n", err)
		os.Exit(1)
	}

	if len(tokens) == 0 {
		fmt.Println("No tokens found.")
		fmt.Println()
		fmt.Println("Create one with: loom token create --name \"My Token\" --user alice")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tUSER\tCREATED\tLAST USED")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t-------\t---------")

	for _, t := range tokens {
		lastUsed := "never"
		if t.LastUsedAt != nil {
			lastUsed = t.LastUsedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			maskTokenID(t.ID), t.Name, t.UserID,
			t.CreatedAt.Format("2006-01-02 15:04"), lastUsed)
	}
	_ = w.Flush()
}

func tokenRevoke(authStore *auth.Store, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: token ID required")
		fmt.Fprintln(os.Stderr, "Usage: loom token revoke <token_id>")
		os.Exit(1)
	}

	if err := authStore.RevokeToken(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error revoking token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Token %s revoked.\n", maskTokenID(args[0]))
}

// maskTokenID shows only the prefix and last 4 characters.
func maskTokenID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:9] + "..." + id[len(id)-4:]
}
