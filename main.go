package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/infinitchat/internal/app"
	"github.com/petervdpas/infinitchat/internal/config"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	userID   = flag.String("user", "", "User id written into a newly created config")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("infinitchat v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run command requires a directory path")
			fmt.Fprintln(os.Stderr, "Usage: infinitchat [-user id] run <directory>")
			os.Exit(1)
		}
		runCLI(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func runCLI(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath, *userID)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Infof("Wrote default config to %s", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("infinitchat failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("infinitchat - friends, chat, statuses and calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  infinitchat [-user id] run <directory>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <directory>")
	fmt.Printf("        Run the client from the directory. A default %s is\n", config.FileName)
	fmt.Println("        created on first run; -user sets its identity.user_id.")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
