// Package main provides the LIS API server and its maintenance commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/api"
	"github.com/biolis/go-lis/internal/app"
	"github.com/biolis/go-lis/internal/config"
	"github.com/biolis/go-lis/internal/credential"
	"github.com/biolis/go-lis/internal/infrastructure/migrations"
	"github.com/biolis/go-lis/internal/lab"
	"github.com/biolis/go-lis/internal/observability/logging"
	"github.com/biolis/go-lis/internal/observability/tracing"
)

const serviceName = "lis-api"

func main() {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Laboratory information system API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(tracing.Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads configuration, builds the logger and opens the store.
func setup(ctx context.Context) (*config.Config, *zap.Logger, app.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}
	return cfg, logger, store, nil
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply pending migrations before serving")
	return cmd
}

func runServer(ctx context.Context, migrate bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, store, err := setup(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer store.Close()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	if migrate {
		if err := app.Migrate(ctx, store, logger); err != nil {
			return err
		}
	}

	reg := app.NewRegistry()
	svcs, err := app.NewServices(store, cfg, reg, logger)
	if err != nil {
		return err
	}

	handler := api.NewRouter(api.Deps{
		Store:       store,
		Lab:         svcs.Lab,
		Guard:       svcs.Guard,
		Resolver:    svcs.Resolver,
		Credentials: svcs.Credentials,
		Metrics:     svcs.Metrics,
		Gatherer:    reg,
		APIKeys:     cfg.APIKeys,
		Service:     serviceName,
		Version:     tracing.Version,
	}, logger)
	if len(cfg.APIKeys) == 0 {
		logger.Warn("API_KEYS is empty, /api/v1 is unauthenticated")
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting LIS API",
			zap.String("port", cfg.Port),
			zap.String("driver", cfg.DatabaseDriver),
			zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, logger, store, err := setup(ctx)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer store.Close()

			if err := app.Migrate(ctx, store, logger); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Migrations applied.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, logger, store, err := setup(ctx)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer store.Close()

			statuses, err := migrations.Statuses(ctx, store.DB(), store.Dialect())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				state, at := "pending", ""
				if s.Applied {
					state, at = "applied", s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Path, state, at)
			}
			return nil
		},
	})
	return cmd
}

func seedCmd() *cobra.Command {
	var (
		adminUser     string
		adminPassword string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the reference catalog and optionally an admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, store, err := setup(ctx)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer store.Close()

			if err := app.Migrate(ctx, store, logger); err != nil {
				return err
			}
			svcs, err := app.NewServices(store, cfg, nil, logger)
			if err != nil {
				return err
			}

			res, err := svcs.Lab.SyncReferenceCatalog(ctx, lab.DefaultCatalog())
			if err != nil {
				return fmt.Errorf("sync catalog: %w", err)
			}
			fmt.Printf("Catalog: %d sample types, %d tests, %d ranges added.\n", res.SampleTypes, res.LabTests, res.Ranges)

			if adminUser == "" {
				return nil
			}
			if adminPassword == "" {
				adminPassword = os.Getenv("LIS_ADMIN_PASSWORD")
			}
			u, err := svcs.Credentials.CreateUser(ctx, credential.NewUser{
				Username: adminUser,
				FullName: "Administrator",
				Password: adminPassword,
				Role:     credential.RoleAdmin,
			})
			if err != nil {
				return fmt.Errorf("create admin: %w", err)
			}
			fmt.Printf("Created admin %q (id %d).\n", u.Username, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&adminUser, "admin-user", "", "Create an administrator with this username")
	cmd.Flags().StringVar(&adminPassword, "admin-password", "", "Administrator password (default $LIS_ADMIN_PASSWORD)")
	return cmd
}
