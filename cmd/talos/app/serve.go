package app

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/myquay/talos/pkg/config"
	"github.com/myquay/talos/pkg/discovery"
	"github.com/myquay/talos/pkg/engine"
	"github.com/myquay/talos/pkg/logger"
	"github.com/myquay/talos/pkg/networking"
	"github.com/myquay/talos/pkg/providers"
	"github.com/myquay/talos/pkg/server"
	"github.com/myquay/talos/pkg/storage"
	"github.com/myquay/talos/pkg/telemetry"
	"github.com/myquay/talos/pkg/tokens"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization server",
	Long: `Starts the HTTP server with the configured storage backend and identity
providers, and runs the background cleanup of expired authorization state.`,
	RunE: serveCmdFunc,
}

var configFile string

func init() {
	serveCmd.Flags().StringVar(&configFile, "config", "", "Path to the configuration file (default: ./talos.yaml)")
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	logger.Initialize()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	tokenService, err := tokens.NewService(cfg.JWTSecret, cfg.Issuer(), cfg.AccessTokenTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize token service: %w", err)
	}

	// Discovery fetches user-controlled URLs; the guarded client refuses
	// connections to private and loopback addresses.
	discoveryClient := networking.NewClientBuilder().Build()
	metrics := telemetry.NewPrometheus()

	eng := engine.New(cfg, store, discovery.NewService(discoveryClient, registry),
		registry, tokenService, metrics)
	srv := server.New(cfg, eng, store, metrics.Handler())

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Serve(ctx)
	})
	group.Go(func() error {
		eng.RunCleanup(ctx, cfg.CleanupInterval)
		return nil
	})

	logger.Infow("talos started",
		"issuer", cfg.Issuer(),
		"storage", cfg.Storage.Backend,
		"providers", len(cfg.Providers))
	return group.Wait()
}

// buildRegistry instantiates an identity provider for every configured
// credential set.
func buildRegistry(cfg *config.Settings) (*providers.Registry, error) {
	outbound := networking.NewClientBuilder().Build()

	var configured []providers.Provider
	for providerType, creds := range cfg.Providers {
		credentials := providers.Credentials{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
		}
		switch providerType {
		case "github":
			configured = append(configured, providers.NewGitHub(credentials, outbound))
		case "gitlab":
			configured = append(configured, providers.NewGitLab(credentials, outbound))
		default:
			return nil, fmt.Errorf("unknown identity provider %q", providerType)
		}
	}
	if len(configured) == 0 {
		return nil, fmt.Errorf("no identity providers configured")
	}

	return providers.NewRegistry(configured...), nil
}
