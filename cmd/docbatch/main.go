// Package main is the entrypoint for docbatch: the API server and a command
// line client for it.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/docbatch/internal/client"
)

// globalOptions are the flags shared by every client subcommand.
type globalOptions struct {
	server  string
	apiKey  string
	timeout time.Duration
}

var errNoAPIKey = errors.New("an API key is required: pass --api-key or set DOCBATCH_API_KEY")

func (o *globalOptions) client() (*client.Client, error) {
	server := o.server
	if server == "" {
		server = os.Getenv("DOCBATCH_SERVER")
	}
	if server == "" {
		server = "http://localhost:8080"
	}
	key := o.apiKey
	if key == "" {
		key = os.Getenv("DOCBATCH_API_KEY")
	}
	if key == "" {
		return nil, errNoAPIKey
	}
	return client.New(server, key, o.timeout), nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "docbatch",
		Short: "Batch download of tax documents for client companies",
		Long: "docbatch fetches tax documents for many client companies at once, retries " +
			"failed fetches automatically and packages stored documents into zip archives.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", "", "API server URL (default $DOCBATCH_SERVER or http://localhost:8080)")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", "", "API key (default $DOCBATCH_API_KEY)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "Per-request timeout")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newKeysCmd(),
		newCompaniesCmd(opts),
		newBatchCmd(opts),
		newArchiveCmd(opts),
	)
	return root
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
