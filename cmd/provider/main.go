package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/better-wallet/dapp-provider/internal/api"
	"github.com/better-wallet/dapp-provider/internal/approval"
	"github.com/better-wallet/dapp-provider/internal/chain"
	"github.com/better-wallet/dapp-provider/internal/config"
	"github.com/better-wallet/dapp-provider/internal/eth"
	"github.com/better-wallet/dapp-provider/internal/gnosis"
	"github.com/better-wallet/dapp-provider/internal/keyring"
	"github.com/better-wallet/dapp-provider/internal/logger"
	"github.com/better-wallet/dapp-provider/internal/preexec"
	"github.com/better-wallet/dapp-provider/internal/provider"
	"github.com/better-wallet/dapp-provider/internal/session"
	"github.com/better-wallet/dapp-provider/internal/sidecar"
	"github.com/better-wallet/dapp-provider/internal/stats"
	"github.com/better-wallet/dapp-provider/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx := context.Background()

	// Initialize database
	store, err := storage.New(ctx, cfg.PostgresDSN)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	slog.Info("connected to database")

	// Keyring, encrypted at rest by the configured backend
	cipher, err := keyring.NewCipher(ctx, keyring.CipherConfig{
		Provider:        cfg.KMSProvider,
		LocalMasterKey:  cfg.KMSLocalMasterKey,
		AWSKeyID:        cfg.KMSAWSKeyID,
		AWSRegion:       cfg.KMSAWSRegion,
		VaultAddress:    cfg.KMSVaultAddress,
		VaultToken:      cfg.KMSVaultToken,
		VaultTransitKey: cfg.KMSVaultTransitKey,
	})
	if err != nil {
		slog.Error("failed to initialize keyring cipher", "error", err)
		os.Exit(1)
	}
	ring := keyring.New(
		storage.NewKeyringRepository(store),
		storage.NewPreferenceRepository(store),
		cipher,
		cfg.KeyringPasswordHash,
	)

	slog.Info("initialized keyring", "cipher", cipher.Name())

	// Chains and node access
	chains := chain.NewRegistry(storage.NewChainRepo(store), cfg.ChainMetadataURL, cfg.ChainRPCURLs)
	defer chains.Close()
	if err := chains.Load(ctx); err != nil {
		slog.Error("failed to load custom chains", "error", err)
		os.Exit(1)
	}
	nodes := eth.NewPool(cfg.ChainRPCURLs, chains)
	defer nodes.Close()

	allowlist, err := provider.ParseAllowlist(cfg.AutoApproveContracts)
	if err != nil {
		slog.Error("invalid auto-approve allowlist", "error", err)
		os.Exit(1)
	}

	// Approval surfaces
	approvals := approval.NewManager(cfg.SignMountTimeout)
	hub := sidecar.NewHub(sidecar.Config{
		TokenHash:      cfg.SidecarTokenHash,
		AllowedOrigins: cfg.SidecarAllowedOrigins,
	})
	pages := session.NewBroadcaster()
	reporter := stats.NewReporter()

	sites := storage.NewSiteRepo(store)
	signingTxs := storage.NewTransactionRepository(store)

	controller := provider.NewController(provider.ControllerDeps{
		Keyring:     ring,
		Signer:      ring,
		Permissions: sites,
		Chains:      chains,
		Backend:     nodes,
		Notifier:    pages,
		SigningTxs:  signingTxs,
	}, cfg.DefaultChainID)

	flow := provider.NewFlow(provider.Deps{
		Keyring:     ring,
		Permissions: sites,
		Chains:      chains,
		Gateway:     approvals,
		Sidecar:     hub,
		PreExec:     preexec.NewService(nodes),
		Stats:       reporter,
		Notifier:    pages,
		SigningTxs:  signingTxs,
		Gnosis:      gnosis.NewWatcher(cfg.SafeServiceURL, 0),
		Allowlist:   allowlist,
	}, provider.NewDispatchTable(controller), provider.FlowConfig{
		DefaultChainID:     cfg.DefaultChainID,
		ConfirmTimeout:     cfg.SidecarConfirmTimeout,
		DappAccountEnabled: cfg.DappAccountEnabled,
	})

	// Initialize API server
	server := api.NewServer(cfg, api.Deps{
		Pipeline:   flow,
		Approvals:  approvals,
		Wallet:     ring,
		Accounts:   ring,
		Observer:   reporter,
		Store:      store,
		Sidecar:    hub,
		DappEvents: pages,
		Metrics:    reporter.Handler(),
	})

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("error during shutdown", "error", err)
			slog.Warn("forcing shutdown")
		}

		// Keys are wiped before exit
		ring.Lock(ctx)
		slog.Info("server stopped")
	}
}
