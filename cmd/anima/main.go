// Anima is a desktop-resident supervisor that keeps multiple software
// projects making autonomous forward progress, alternating Developer and
// Acceptor agent sessions against each project's own milestones.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anima-dev/anima/internal/api"
	"github.com/anima-dev/anima/internal/audit"
	"github.com/anima-dev/anima/internal/clock"
	"github.com/anima-dev/anima/internal/events"
	"github.com/anima-dev/anima/internal/store"
	"github.com/anima-dev/anima/internal/supervisor"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	var (
		registryPath = flag.String("registry", defaultRegistryPath(), "Path to the application-level project registry")
		auditDBPath  = flag.String("audit-db", defaultAuditPath(), "Path to the SQLite audit log")
		addr         = flag.String("addr", ":8420", "Control API listen address")
		agentCLI     = flag.String("agent-cli", "claude", "Path to the agent CLI binary")
		registerPath = flag.String("register", "", "Register a new project at this path and exit")
		displayName  = flag.String("name", "", "Display name for -register")
		showVersion  = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("anima %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	fileStore := store.NewFileStore(*registryPath)
	bus := events.New()
	clk := clock.New()

	cli := supervisor.AgentCLIConfig{
		Path:          *agentCLI,
		DeveloperArgs: []string{"--dangerously-skip-permissions"},
		AcceptorArgs:  []string{"--dangerously-skip-permissions"},
	}
	sup := supervisor.New(fileStore, clk, bus, cli, logger)

	if *registerPath != "" {
		ctx := context.Background()
		id, err := sup.RegisterProject(ctx, *registerPath, *displayName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "register failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("registered project %s as %s\n", *registerPath, id)
		return
	}

	auditDB, err := audit.Open(*auditDBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open audit database: %v\n", err)
		os.Exit(1)
	}
	defer auditDB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	auditCancel := make(chan struct{})
	go auditDB.Follow(ctx, bus, auditCancel, logger)

	if err := sup.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start supervisor: %v\n", err)
		os.Exit(1)
	}

	apiServer := api.New(sup, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		close(auditCancel)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = apiServer.Shutdown(shutdownCtx)
	}()

	fmt.Println(banner())
	fmt.Printf("Control API listening on %s\n", *addr)
	fmt.Println("Press Ctrl+C to stop")

	if err := apiServer.Start(*addr); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func defaultRegistryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "anima-registry.json"
	}
	return filepath.Join(home, ".anima", "registry.json")
}

func defaultAuditPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "anima-audit.db"
	}
	return filepath.Join(home, ".anima", "audit.db")
}

func banner() string {
	return `
  ___        _
 / _ \      (_)
/ /_\ \_ __  _ _ __ ___   __ _
|  _  | '_ \| | '_ ` + "`" + `_ \ / _` + "`" + ` |
| | | | | | | | | | | | | (_| |
\_| |_/_| |_|_|_| |_| |_|\__,_|

a desktop-resident supervisor keeping your projects moving
`
}
