package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stanstork/ocms-cron/internal/config"
	"github.com/stanstork/ocms-cron/internal/handlers"
	"github.com/stanstork/ocms-cron/internal/migration"
	"github.com/stanstork/ocms-cron/internal/models"
	"golang.org/x/sync/errgroup"
)

type rootOptions struct {
	ConfigPath string
	Verbose    bool
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	if err := newRootCommand(logger).Execute(); err != nil {
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newRootCommand(logger zerolog.Logger) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "ocms-cron",
		Short:         "Batch job orchestration for offence notice processing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.Verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config.yaml (default ./config.yaml or ./config/config.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newServeCommand(opts, logger))
	cmd.AddCommand(newMigrateCommand(opts, logger))
	cmd.AddCommand(newRunCommand(opts, logger))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions, logger zerolog.Logger) *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the job scheduler and the callback sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			app, err := newApplication(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.close()

			if !skipMigrations {
				if err := migration.RunMigrations(app.db, logger); err != nil {
					return err
				}
			}
			return app.serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on start")
	return cmd
}

// serve blocks until ctx is cancelled or one of the loops fails.
func (app *application) serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           app.httpHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		app.logger.Info().Msg("Shutting down HTTP server...")
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return app.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return app.callbacks.Run(gctx, app.config.Callback.SweepInterval)
	})

	err := g.Wait()
	app.logger.Info().Msg("Application terminated.")
	return err
}

func newMigrateCommand(opts *rootOptions, logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			return migration.RunMigrations(db, logger)
		},
	}
}

func newRunCommand(opts *rootOptions, logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "Run one job now through the engine and print its result",
		Long: `Run one configured job immediately, under the same lock and audit
rules as a scheduled run. Exits non-zero when the run reports failure.

Example:
  ocms-cron run agency_upload --config ./config/config.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			app, err := newApplication(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.close()

			// The sweeper delivers callbacks claimed from other instances.
			sweepCtx, cancelSweep := context.WithCancel(ctx)
			defer cancelSweep()
			go app.callbacks.Run(sweepCtx, time.Minute)

			name := args[0]
			result, err := app.scheduler.Trigger(ctx, name)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			out, _ := json.MarshalIndent(models.TriggerResponse{
				Success:   result.Success,
				Message:   result.Message,
				JobName:   name,
				Timestamp: time.Now().UnixMilli(),
			}, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !result.Success {
				return fmt.Errorf("%s reported failure", name)
			}
			return nil
		},
	}
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the job endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, ok := models.ParseRole(role)
			if !ok {
				return fmt.Errorf("invalid role %q", role)
			}
			if strings.TrimSpace(subject) == "" {
				return errors.New("--subject is required")
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			tok, err := handlers.IssueToken(cfg.JWTSecret, subject, []models.Role{parsed}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, usually the operator id")
	cmd.Flags().StringVar(&role, "role", string(models.RoleOperator), "viewer, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
