package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aiprivatesearch/licensord/internal/api"
	"github.com/aiprivatesearch/licensord/internal/config"
	"github.com/aiprivatesearch/licensord/internal/engine"
	"github.com/aiprivatesearch/licensord/internal/licensing"
	"github.com/aiprivatesearch/licensord/internal/logging"
	"github.com/aiprivatesearch/licensord/internal/registry"
	"github.com/aiprivatesearch/licensord/internal/revocation"
	"github.com/aiprivatesearch/licensord/internal/store"
	"github.com/aiprivatesearch/licensord/internal/throttle"
	"github.com/aiprivatesearch/licensord/internal/trial"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "licensord",
	Short:   "licensord - license server for the AI Private Search desktop app",
	Long:    `licensord issues, refreshes, validates and revokes signed license tokens, enforces per-tier device quotas, and manages the trial lifecycle.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Rotate the license signing key pair",
	Long:  `Generates a fresh Ed25519 signing key pair, replacing any existing pair. Every outstanding token stops verifying.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		pair, err := licensing.GenerateKeys(keyDir(cfg))
		if err != nil {
			return err
		}
		log.Warn().
			Str("fingerprint", licensing.PublicKeyFingerprint(pair.Public)).
			Msg("signing keys rotated: all previously issued tokens are now invalid")
		fmt.Println(licensing.EncodePublicKey(pair.Public))
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one trial lifecycle scan and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		st, err := store.Open(store.Config{DataDir: cfg.DataDir, OpTimeout: cfg.StoreTimeout})
		if err != nil {
			return err
		}
		defer st.Close()

		lifecycle := trial.NewLifecycle(st, trial.LogNotifier{})
		trial.NewScheduler(lifecycle).TickOnce(cmd.Context())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(scanCmd)
}

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("licensord failed")
	}
}

func setupLogging() {
	// Merge .env before reading the log settings; logging is configured
	// ahead of config.Load, which would otherwise merge it too late.
	_ = godotenv.Load()

	level := os.Getenv("LICENSORD_LOG_LEVEL")
	if os.Getenv("LICENSORD_DEBUG") == "true" {
		level = "debug"
	}
	logging.Init(logging.Config{
		Format: os.Getenv("LICENSORD_LOG_FORMAT"),
		Level:  level,
	})
}

func keyDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "keys")
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := store.Open(store.Config{DataDir: cfg.DataDir, OpTimeout: cfg.StoreTimeout})
	if err != nil {
		return err
	}
	defer st.Close()

	keys, err := licensing.LoadOrGenerateKeys(keyDir(cfg))
	if err != nil {
		return err
	}

	codec := licensing.NewCodec(keys.Private, keys.Public)
	eng := engine.New(st, codec, throttle.New(st), registry.New(st), revocation.New(st), cfg.HardwareSalt)
	lifecycle := trial.NewLifecycle(st, trial.LogNotifier{})
	scheduler := trial.NewScheduler(lifecycle)

	apiServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(eng),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Str("version", Version).Msg("licensing API listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
