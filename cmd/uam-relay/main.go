// Command uam-relay runs a UAM relay: agent registration, envelope
// routing, store-and-forward delivery, webhooks, and relay-to-relay
// federation behind one HTTP listener.
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/YouAM-Network/uam-relay/pkg/config"
	"github.com/YouAM-Network/uam-relay/pkg/federation"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/server"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}
	switch args[1] {
	case "serve":
		return runServe(stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "uam-relay %s (protocol %s)\n", server.Version, protocol.Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: uam-relay <command> [arguments]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve    Run the relay (default)")
	fmt.Fprintln(w, "  keygen   Create the relay identity key and print its public half")
	fmt.Fprintln(w, "  version  Print version information")
	fmt.Fprintln(w, "  help     Show this help")
}

func runServe(stderr io.Writer) int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "uam-relay: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "uam-relay: %v\n", err)
		return 1
	}
	defer func() {
		if err := srv.Close(context.Background()); err != nil {
			logger.Error("shutdown cleanup failed", "error", err)
		}
	}()

	logger.Info("relay starting",
		"domain", cfg.RelayDomain, "addr", cfg.Addr(), "version", server.Version)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay stopped", "error", err)
		return 1
	}
	logger.Info("relay stopped")
	return 0
}

// runKeygen materializes the relay identity key, creating it on first
// use, and prints the public half peers will see in our well-known
// document. Takes the key path as an argument, or falls back to the
// configured UAM_RELAY_KEY_PATH.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	_ = godotenv.Load()

	var path string
	if len(args) > 0 {
		path = args[0]
	} else {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(stderr, "uam-relay: %v\n", err)
			return 1
		}
		path = cfg.RelayKeyPath
	}

	priv, err := federation.LoadOrCreateKey(path)
	if err != nil {
		fmt.Fprintf(stderr, "uam-relay: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "key file:   %s\n", path)
	fmt.Fprintf(stdout, "public key: %s\n",
		protocol.EncodePublicKey(priv.Public().(ed25519.PublicKey)))
	return 0
}
