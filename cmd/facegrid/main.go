// facegrid - real-time face-match capture client
// Captures frames from a camera or a still picture, sends them to a
// recognition backend over a websocket and renders the matches into a
// rotating grid served on a local dashboard.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-facegrid/internal/config"
	"github.com/teslashibe/go-facegrid/internal/log"
)

// Version is the application version.
const Version = "0.1.0"

var (
	cfg     config.Config
	envFile string
)

var rootCmd = &cobra.Command{
	Use:           "facegrid",
	Short:         "Real-time face-match capture client",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		log.InitWith(log.Options{Level: cfg.LogLevel, File: cfg.LogFile})
		return nil
	},
}

func main() {
	loaded, err := config.Load(envFileFromArgs(os.Args[1:])...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded
	registerFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func registerFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&envFile, "env", ".env", "Environment file to load before reading FACEGRID_* variables")
	pf.StringVar(&cfg.BackendURL, "backend", cfg.BackendURL, "Recognition backend base URL")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	pf.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write logs to this rotating file")

	rootCmd.AddCommand(newRunCmd(), newStatsCmd(), newLayoutCmd())
}

// envFileFromArgs finds --env before cobra parses flags, since the file
// seeds the flag defaults.
func envFileFromArgs(args []string) []string {
	for i, a := range args {
		switch {
		case a == "--env" && i+1 < len(args):
			return []string{args[i+1]}
		case len(a) > 6 && a[:6] == "--env=":
			return []string{a[6:]}
		}
	}
	return nil
}
