package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cardflow/api/internal/annotation"
	"cardflow/api/internal/app"
	"cardflow/api/internal/board"
	"cardflow/api/internal/config"
	"cardflow/api/internal/email"
	"cardflow/api/internal/fallback"
	"cardflow/api/internal/feed"
	"cardflow/api/internal/notify"
	"cardflow/api/internal/pipeline"
	"cardflow/api/internal/search"
	"cardflow/api/internal/session"
	"cardflow/api/internal/store"
	"cardflow/api/internal/telemetry"
)

var version = "dev"

var addrFlag string

var rootCmd = &cobra.Command{
	Use:           "cardflow-api",
	Short:         "Credit card board API",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Apply migrations and serve the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		if addrFlag != "" {
			cfg.Addr = addrFlag
		}
		return serve(cmd.Context(), cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		migrations, err := store.MigrationsFS(cfg.MigrationsDir)
		if err != nil {
			return err
		}
		return store.ApplyMigrations(cmd.Context(), db, migrations)
	},
}

func init() {
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides API_ADDR)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
	// Bare invocation keeps the container entrypoint working.
	rootCmd.RunE = serveCmd.RunE
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	if err := telemetry.Init(ctx, cfg.OTelEnabled, "cardflow-api", version); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	migrations, err := store.MigrationsFS(cfg.MigrationsDir)
	if err != nil {
		return err
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	dataStore := store.NewPostgresStore(db)

	cache, err := fallback.Open(cfg.FallbackPath)
	if err != nil {
		return fmt.Errorf("fallback store failed: %w", err)
	}
	defer cache.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	var primary search.Index
	if meiliClient != nil {
		primary = meiliClient
	}
	searchService := search.NewService(primary, pgfts)

	var changes *feed.Feed
	if strings.TrimSpace(cfg.RedisURL) != "" {
		changes, err = feed.New(cfg.RedisURL, cfg.FeedNamespace)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer changes.Close()
		log.Printf("Publishing card changes on %s", feed.Channel(cfg.FeedNamespace))
	}

	metrics := telemetry.NewBoard(telemetry.Meter(""))

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		BoardURL: cfg.BoardURL,
	})
	fanout := notify.NewFanout(dataStore, notify.MultiSink{dataStore, notify.NewEmailSink(mailer)})
	fanout.OnSent(func(ctx context.Context, n notify.Notification) {
		metrics.NotificationSent(ctx, n.Type)
	})
	defer fanout.Wait()

	annotations := annotation.NewStore(dataStore, fanout, searchService)
	if changes != nil {
		annotations.AddListener(changes)
	}

	coordinator := board.NewCoordinator(pipeline.NewEngine(annotations), dataStore, cache, metrics)
	coordinator.SetReconcileMaxWait(cfg.ReconcileMaxWait)
	if changes != nil {
		coordinator.AddNotifier(changes)
	}
	if err := coordinator.Load(ctx); err != nil {
		return fmt.Errorf("load board: %w", err)
	}
	defer coordinator.Wait()

	service := app.New(cfg, dataStore, coordinator, annotations, searchService)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for token revocation")
		revocations, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer revocations.Close()
		service.SetRevocationStore(revocations)
	}
	go searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Cardflow API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		coordinator.Run(gctx, cfg.ReconcileInterval)
		return nil
	})
	if changes != nil {
		g.Go(func() error {
			return changes.Run(gctx, func(ctx context.Context, e feed.Event) {
				if e.Type == feed.EventCardUpdated {
					coordinator.ReconcileAsync(ctx, e.CardID)
				}
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}
