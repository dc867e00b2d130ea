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

	"github.com/petervdpas/boombox/internal/app"
	"github.com/petervdpas/boombox/internal/config"
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
		fmt.Printf("Boombox v%s\n", appVersion)
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

	switch command := args[0]; command {
	case "host":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: host command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: boombox host <peer-directory>")
			os.Exit(1)
		}
		runPeer(args[1], app.ModeHost, "")

	case "join":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: join command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: boombox join <peer-directory> [host-peer-id|multiaddr]")
			os.Exit(1)
		}
		target := ""
		if len(args) > 2 {
			target = args[2]
		}
		runPeer(args[1], app.ModeJoin, target)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(peerDirArg string, mode app.Mode, target string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "boombox.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printPeerBanner(absDir, cfgPath, cfg, mode, created)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Mode:    mode,
		Target:  target,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Boombox - synchronized group playback")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  boombox host <directory>                 Host a session")
	fmt.Println("  boombox join <directory> [peer|addr]     Join a hosted session")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  host <directory>")
	fmt.Println("        Run a peer that hosts a session and coordinates playback")
	fmt.Println("        A default boombox.json is created on first run")
	fmt.Println()
	fmt.Println("  join <directory> [host-peer-id|multiaddr]")
	fmt.Println("        Join the session hosted by the given peer")
	fmt.Println("        Without a target the last joined session is used")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  boombox host ./peers/livingroom")
	fmt.Println("  boombox join ./peers/kitchen /ip4/192.168.1.20/tcp/4001/p2p/12D3KooW...")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config, mode app.Mode, created bool) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   Boombox Peer Runner                  ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s", cfgPath)
	if created {
		fmt.Print(" (created)")
	}
	fmt.Println()
	if cfg.Identity.Label != "" {
		fmt.Printf("Peer Label:     %s\n", cfg.Identity.Label)
	}
	fmt.Printf("Mode:           %s\n", mode)
	if mode == app.ModeHost {
		fmt.Printf("Session:        %s\n", cfg.Session.Name)
	}
	fmt.Println()
}
