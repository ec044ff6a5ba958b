package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"billsync/backend/internal/analytics"
	"billsync/backend/internal/config"
	"billsync/backend/internal/realtime"
	"billsync/backend/internal/service"
	"billsync/backend/internal/store"
	"billsync/backend/internal/store/memory"
	pgstore "billsync/backend/internal/store/postgres"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose     bool
	Format      string
	DatabaseURL string

	open Opener
}

// Env is what a command works against.
type Env struct {
	Service   *service.Service
	Analytics *analytics.Engine
	Sync      *realtime.Manager
	Close     func()
}

// Opener connects to the repository the flags describe.
type Opener func(ctx context.Context, opts *RootOptions, stderr io.Writer) (*Env, error)

func NewRootCommand() *cobra.Command {
	return newRootCommand(openEnv)
}

func newRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "billctl",
		Short: "Maintenance commands for bills and products",
		Long: `Maintenance commands for bills and products.

Without --database-url (or DATABASE_URL) the commands run against the
seeded in-memory store, which is useful for trying them out.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "database-url", "", "postgres connection string (overrides DATABASE_URL)")

	cmd.AddCommand(NewRecalcCommand(opts))
	cmd.AddCommand(NewDriftCommand(opts))
	cmd.AddCommand(NewOrphansCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func openEnv(ctx context.Context, opts *RootOptions, stderr io.Writer) (*Env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.DatabaseURL != "" {
		cfg.DatabaseURL = opts.DatabaseURL
	}
	cfg.LogLevel = "warn"
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}
	logger := config.NewLogger(cfg, stderr)

	var (
		repo      store.Repository
		closeRepo func() error
	)
	if cfg.DatabaseURL == "" {
		mem := memory.NewSeeded(memory.WithLogger(logger))
		repo, closeRepo = mem, mem.Close
	} else {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		repo, closeRepo = pg, pg.Close
	}
	return newEnv(repo, closeRepo, logger), nil
}

func newEnv(repo store.Repository, closeRepo func() error, logger *slog.Logger) *Env {
	svc := service.New(repo, nil, service.Options{Logger: logger})
	manager := realtime.NewManager(repo, realtime.Options{Logger: logger})
	return &Env{
		Service:   svc,
		Analytics: analytics.NewEngine(svc, nil, analytics.Options{Logger: logger}),
		Sync:      manager,
		Close: func() {
			manager.UnsubscribeAll()
			svc.Close()
			_ = closeRepo()
		},
	}
}

func withEnv(cmd *cobra.Command, opts *RootOptions, fn func(*Env) error) error {
	env, err := opts.open(cmd.Context(), opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env)
}

// emit writes v as JSON, or calls text for the text format.
func emit(cmd *cobra.Command, opts *RootOptions, v any, text func(io.Writer)) error {
	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}

func emitLine(cmd *cobra.Command, v any) error {
	return json.NewEncoder(cmd.OutOrStdout()).Encode(v)
}
