// main.go
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

	"github.com/clinicport/callcore/internal/app"
	"github.com/clinicport/callcore/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callcore v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	switch command {
	case "node":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: node command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: callcore node <node-directory>")
			os.Exit(1)
		}
		runNode(args[1])

	case "signal":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: signal command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: callcore signal <server-directory>")
			os.Exit(1)
		}
		runSignal(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runNode(dirArg string) {
	absDir, cfgPath := resolveDir(dirArg)

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s — fill in identity.user_id and restart.\n", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if cfg.Signal.ServerOnly {
		log.Fatalf("Config has signal.server_only enabled — use 'callcore signal %s' instead", dirArg)
	}

	printNodeBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunNode(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Node failed: %v", err)
	}
}

func runSignal(dirArg string) {
	absDir, cfgPath := resolveDir(dirArg)

	cfg, err := config.LoadPartial(cfgPath)
	if os.IsNotExist(err) {
		cfg = config.Default()
		cfg.Signal.ServerOnly = true
	} else if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Signal.ServerOnly = true
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	printServerBanner(absDir, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunServer(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Signaling server failed: %v", err)
	}
}

func resolveDir(dirArg string) (absDir, cfgPath string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}
	return absDir, filepath.Join(absDir, "callcore.json")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func printNodeBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("callcore — clinic call node")
	fmt.Printf("  dir:     %s\n", dir)
	fmt.Printf("  config:  %s\n", cfgPath)
	fmt.Printf("  user:    %s\n", cfg.Identity.UserID)
	fmt.Printf("  signal:  %s\n", cfg.Signal.URL)
	fmt.Printf("  api:     http://%s\n", cfg.API.HTTPAddr)
	fmt.Println()
}

func printServerBanner(dir string, cfg config.Config) {
	fmt.Println("callcore — signaling server")
	fmt.Printf("  dir:     %s\n", dir)
	fmt.Printf("  bind:    %s:%d\n", cfg.Signal.ServerBind, cfg.Signal.ServerPort)
	fmt.Printf("  db:      %s\n", cfg.Signal.DBPath)
	fmt.Println()
}

func showUsage() {
	fmt.Println(`callcore — WebRTC call session controller

Usage:
  callcore node <node-directory>      Run a call node (signaling client + local call API)
  callcore signal <server-directory>  Run the signaling hub (WebSocket + session REST + SQLite)

Flags:
  -h         Show help
  -version   Show version

The directory holds callcore.json; a default one is created on first run.`)
}
