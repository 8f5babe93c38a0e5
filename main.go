package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"mixer-backend/api"
	"mixer-backend/config"
	"mixer-backend/encryption"
	"mixer-backend/ledger"
	"mixer-backend/service"
	"mixer-backend/storage"
)

var (
	flagConfigFile string
	v              *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "mixer",
	Short: "Coordinate mixing ceremonies over a UTXO ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(v, flagConfigFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		defer stop()
		return run(ctx, cfg)
	},
	SilenceUsage: true,
}

func init() {
	v = config.New()
	rootCmd.PersistentFlags().StringVarP(&flagConfigFile, "config", "c", "", "optional config file (yaml, toml or json)")
	if err := config.BindFlags(v, rootCmd.Flags()); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := cfg.Logger(nil)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if !cfg.DevnetEnabled {
		return errors.New("devnet_enabled is false and no other ledger backend is available")
	}

	store, err := storage.OpenBadger(cfg.StoreDir(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	operatorKey, err := loadKey(cfg.OperatorKeyPath(), "operator", log)
	if err != nil {
		return err
	}
	adminCredential := cfg.AdminCredential
	if adminCredential == "" {
		adminKey, err := loadKey(cfg.AdminKeyPath(), "admin", log)
		if err != nil {
			return err
		}
		adminCredential = encryption.NewCryptoService().Credential(&adminKey.PublicKey)
	}

	devnet, err := ledger.NewDevnet(ledger.DevnetConfig{
		StatePath:     cfg.DevnetStatePath(),
		Validity:      cfg.CeremonyValidity,
		FaucetEnabled: cfg.FaucetAmount > 0,
	}, cfg.ProtocolParameters(), operatorKey, log)
	if err != nil {
		return fmt.Errorf("failed to start devnet: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetricsCollector(reg)

	hub := api.NewHub(log)
	events := service.NewEventProcessor(hub, cfg.EventBuffer, metrics, log)
	events.Start()
	defer events.Stop()

	svc := service.NewMixingService(service.Config{
		Params:          cfg.ProtocolParameters(),
		SignupFreshness: cfg.SignupFreshness,
		SweepInterval:   cfg.SweepInterval,
		AdminCredential: adminCredential,
		ConflictRetries: cfg.FormationRetries,
	}, store, devnet, devnet, devnet, metrics, events, log)

	var faucet api.Faucet
	if cfg.FaucetAmount > 0 {
		faucet = devnet
	}
	server := api.NewServer(api.ServerConfig{
		Port:         cfg.Port,
		ClientOrigin: cfg.ClientOrigin,
		FaucetAmount: cfg.FaucetAmount,
	}, svc, hub, faucet, reg, log).HTTPServer()

	var snapshotter *storage.Snapshotter
	if cfg.SnapshotInterval > 0 {
		snapshotter, err = storage.NewSnapshotter(store, cfg.SnapshotDir(), cfg.SnapshotKeep, log)
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Str("operator", devnet.OperatorAddress()).Msg("starting mixer api")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return svc.Watchdog().Run(ctx, cfg.SweepInterval)
	})
	if snapshotter != nil {
		g.Go(func() error {
			return snapshotter.Run(ctx, cfg.SnapshotInterval)
		})
	}

	return g.Wait()
}

func loadKey(path, role string, log zerolog.Logger) (*ecdsa.PrivateKey, error) {
	key, generated, err := encryption.LoadOrGenerateKey(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s key: %w", role, err)
	}
	if generated {
		log.Warn().Str("path", path).Str("role", role).Msg("generated new key")
	}
	return key, nil
}
