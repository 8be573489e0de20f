// ABOUTME: Entry point for the whitenoise daemon and local CLI
// ABOUTME: Runs the core headless and offers account/status commands for development use

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/parres-hq/whitenoise"
	"github.com/parres-hq/whitenoise/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
         _     _ _                   _
 __ __ _| |_ (_) |_ ___ _ _  ___ (_)___ ___
 \ V  V / ' \| |  _/ -_) ' \/ _ \| (_-</ -_)
  \_/\_/|_||_|_|\__\___|_||_\___/|_/__/\___|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: whitenoise <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                   Run the core headless")
		fmt.Println("  create-account          Generate a fresh identity")
		fmt.Println("  login <nsec|hex>        Import an existing secret key")
		fmt.Println("  status                  Show accounts, groups, and relay state")
		fmt.Println("  version                 Print the version")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "create-account":
		runCreateAccount()
	case "login":
		if len(os.Args) < 3 {
			fatal("login requires a secret key")
		}
		runLogin(os.Args[2])
	case "status":
		runStatus()
	case "version":
		fmt.Println(version)
	default:
		fatal("unknown command %q", os.Args[1])
	}
}

func fatal(format string, args ...any) {
	color.Red(format, args...)
	os.Exit(1)
}

// setupLogger configures slog from the config's logging section.
func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func boot() (*whitenoise.Whitenoise, *config.Config) {
	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		fatal("loading config: %v", err)
	}
	logger := setupLogger(cfg)
	wn, err := whitenoise.New(cfg, logger)
	if err != nil {
		fatal("starting core: %v", err)
	}
	return wn, cfg
}

func runServe() {
	color.Cyan(banner)
	wn, cfg := boot()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := wn.Accounts.ResumeAll(ctx); err != nil {
		fatal("resuming accounts: %v", err)
	}

	accts, _ := wn.Accounts.ListAccounts(ctx)
	color.Green("whitenoise %s serving %d account(s), data in %s", version, len(accts), cfg.Data.Dir)

	<-ctx.Done()
	color.Yellow("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wn.Close(shutdownCtx); err != nil {
		fatal("shutdown: %v", err)
	}
}

func runCreateAccount() {
	wn, _ := boot()
	ctx := context.Background()

	pubkey, err := wn.Accounts.CreateAccount(ctx)
	if err != nil {
		fatal("creating account: %v", err)
	}
	color.Green("created account %s", pubkey)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = wn.Close(shutdownCtx)
}

func runLogin(secret string) {
	wn, _ := boot()
	ctx := context.Background()

	pubkey, err := wn.Accounts.Login(ctx, secret)
	if err != nil {
		fatal("login: %v", err)
	}
	color.Green("logged in as %s", pubkey)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = wn.Close(shutdownCtx)
}

func runStatus() {
	wn, cfg := boot()
	ctx := context.Background()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = wn.Close(shutdownCtx)
	}()

	accts, err := wn.Accounts.ListAccounts(ctx)
	if err != nil {
		fatal("listing accounts: %v", err)
	}

	color.Cyan("data dir: %s", cfg.Data.Dir)
	color.Cyan("accounts: %d", len(accts))
	for _, a := range accts {
		fmt.Printf("  %s  (synced %s)\n", a.Pubkey, time.UnixMilli(a.LastSyncedMs).Format(time.RFC3339))
		memberships, err := wn.Store.ListMemberships(ctx, a.Pubkey)
		if err != nil {
			continue
		}
		for _, m := range memberships {
			info, err := wn.Store.GetGroup(ctx, m.MLSGroupID)
			if err != nil {
				continue
			}
			name := info.Name
			if name == "" {
				name = string(info.GroupType)
			}
			fmt.Printf("    %-24s epoch %-4d %s (%s)\n", name, info.Epoch, info.State, m.Confirmation)
		}
	}

	if wn.Media != nil {
		count, bytes, err := wn.Media.Stats(ctx)
		if err == nil {
			color.Cyan("media cache: %d blobs, %.1f MiB", count, float64(bytes)/(1<<20))
		}
	}

	for url, status := range wn.RelayStatus() {
		fmt.Printf("  relay %-40s %s\n", url, status)
	}
}
