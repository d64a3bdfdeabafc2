package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coursewire/coursewire/internal/api"
	"github.com/coursewire/coursewire/internal/config"
	"github.com/coursewire/coursewire/internal/dispatch"
	"github.com/coursewire/coursewire/internal/models"
	"github.com/coursewire/coursewire/internal/registry"
	"github.com/coursewire/coursewire/internal/storage"
	"github.com/coursewire/coursewire/internal/transport"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "coursewire",
		Short: "coursewire — outbound webhook event-delivery engine",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(orgCmd(&configPath))
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(purgeCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the coursewire server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			dispatcher := dispatch.NewDispatcher(store, transport.New(), cfg.Delivery.RetrySchedule, cfg.Delivery.MaxAttempts, log)
			pool := dispatch.NewPool(store, dispatcher, cfg.Delivery.Workers, log)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)

			reg := registry.NewService(store)
			server := api.NewServer(cfg.Server, store, reg, dispatcher, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("workers", cfg.Delivery.Workers).
				Str("storage", cfg.Storage.Driver).
				Msg("coursewire is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			pool.Stop()

			log.Info().Msg("coursewire stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func orgCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			org := &models.Organization{
				ID:        models.NewID("org"),
				Name:      name,
				APIKey:    models.NewAPIKey(),
				CreatedAt: now,
				UpdatedAt: now,
			}

			if err := store.CreateOrganization(context.Background(), org); err != nil {
				return fmt.Errorf("failed to create organization: %w", err)
			}

			out, _ := json.MarshalIndent(org, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "organization name")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			orgs, err := store.ListOrganizations(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list organizations: %w", err)
			}

			if len(orgs) == 0 {
				fmt.Println("No organizations found.")
				return nil
			}

			for _, org := range orgs {
				fmt.Printf("  %s  %s  (created %s)\n", org.ID, org.Name, org.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List the supported event types by category",
		Run: func(cmd *cobra.Command, args []string) {
			categories := make([]string, 0, len(models.EventCatalog))
			for c := range models.EventCatalog {
				categories = append(categories, c)
			}
			sort.Strings(categories)
			for _, c := range categories {
				fmt.Printf("%s:\n", c)
				for _, e := range models.EventCatalog[c] {
					fmt.Printf("  %s\n", e)
				}
			}
		},
	}
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show delivery stats for an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: coursewire stats <org_id>")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetStats(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func purgeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete finished delivery records older than the retention TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)
			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			cutoff := time.Now().UTC().Add(-cfg.Retention.DeliveryTTL)
			n, err := store.PurgeDeliveries(context.Background(), cutoff)
			if err != nil {
				return fmt.Errorf("purge failed: %w", err)
			}

			log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("delivery ledger purged")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coursewire v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
