// Copyright 2025 OTC Protocol
//
// OTC swap broker engine.
// Wires the persistence store, chain plugins, deal engine, queue
// dispatcher, recovery manager, txid resolver and RPC surface, then runs
// until SIGINT/SIGTERM. Shutdown is ordered: recovery first, then the
// engine loops, then the RPC surface, then the store.

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain"
	"github.com/otcprotocol/broker/pkg/chain/evm"
	"github.com/otcprotocol/broker/pkg/chain/hdwallet"
	"github.com/otcprotocol/broker/pkg/chain/utxo"
	"github.com/otcprotocol/broker/pkg/config"
	"github.com/otcprotocol/broker/pkg/database"
	"github.com/otcprotocol/broker/pkg/dispatch"
	"github.com/otcprotocol/broker/pkg/engine"
	"github.com/otcprotocol/broker/pkg/metrics"
	"github.com/otcprotocol/broker/pkg/recovery"
	"github.com/otcprotocol/broker/pkg/resolver"
	"github.com/otcprotocol/broker/pkg/server"
)

func main() {
	if err := run(); err != nil {
		log.Printf("FATAL: %v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run() error {
	logger := log.New(log.Writer(), "[Broker] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	chainsCfg, err := config.LoadChains(cfg.ChainsConfigPath)
	if err != nil {
		return err
	}

	// Persistence store
	client, err := database.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer client.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), time.Minute)
	defer cancelMigrate()
	if err := client.MigrateUp(migrateCtx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	repos := database.NewRepositories(client)

	// Hot wallet and chain plugins
	wallet, err := hdwallet.New(cfg.HotWalletSeed)
	if err != nil {
		return fmt.Errorf("hot wallet: %w", err)
	}

	registry := chain.NewRegistry()
	for i := range chainsCfg.Chains {
		chainCfg := &chainsCfg.Chains[i]
		var plugin chain.Plugin
		switch chainCfg.Platform {
		case config.PlatformEVM:
			plugin, err = evm.New(chainCfg, wallet, cfg.GasPriceCacheTTL, nil)
		case config.PlatformUTXO:
			plugin, err = utxo.New(chainCfg, wallet, nil)
		}
		if err != nil {
			return fmt.Errorf("chain %s: %w", chainCfg.Name, err)
		}
		if err := registry.Register(plugin); err != nil {
			return err
		}
	}
	logger.Printf("Chains online: %v", registry.Names())

	m := metrics.NewDefault()

	// Deal engine
	calc := engine.NewReimbursementCalculator(registry, nil)
	dealEngine, err := engine.New(repos.Deals, repos.Queue, repos.Deposits, repos, registry, calc, &engine.Config{
		TickInterval: cfg.EngineTickInterval,
		DealTimeout:  cfg.DealTimeout,
	}, m)
	if err != nil {
		return err
	}

	// Queue dispatcher
	dispatcher, err := dispatch.New(repos.Queue, repos.Recovery, registry, &dispatch.Config{
		Interval:           cfg.DispatchInterval,
		Fanout:             cfg.DispatchFanout,
		StallWindow:        cfg.StallWindow,
		GasBumpFactor:      cfg.GasBumpFactor,
		MaxGasBumpAttempts: cfg.MaxGasBumpAttempts,
	}, m)
	if err != nil {
		return err
	}

	// Recovery manager
	recoveryMgr, err := recovery.New(repos.Leases, repos.Queue, repos.Deals, repos.Recovery, repos.Recovery, registry, chainsCfg, &recovery.Config{
		Interval:                 cfg.RecoveryInterval,
		LeaseTTL:                 cfg.RecoveryLeaseTTL,
		HolderID:                 cfg.OperatorID,
		StuckThreshold:           cfg.StuckThreshold,
		FailedTxThreshold:        cfg.FailedTxThreshold,
		MaxRecoveryAttempts:      cfg.MaxRecoveryAttempts,
		ApprovalLockWindow:       cfg.ApprovalLockWindow,
		AllowanceRecheckInterval: cfg.AllowanceRecheckInterval,
	}, m)
	if err != nil {
		return err
	}

	// Txid resolver + vesting tracer
	tolerance, err := decimal.NewFromString(cfg.ResolverAmountTolerance)
	if err != nil {
		return fmt.Errorf("bad RESOLVER_AMOUNT_TOLERANCE: %w", err)
	}
	tracer, err := resolver.NewVestingTracer(repos.Vesting, cfg.VestingMaxDepth, nil)
	if err != nil {
		return err
	}
	txidResolver, err := resolver.New(repos.Deposits, repos.Vesting, registry, tracer, &resolver.Config{
		Interval:        cfg.ResolverInterval,
		WindowSpan:      cfg.ResolverWindowSpan,
		MaxAttempts:     cfg.ResolverMaxAttempts,
		AmountTolerance: tolerance,
		BatchLimit:      50,
	})
	if err != nil {
		return err
	}

	// RPC surface and metrics endpoint
	rpc := server.New(cfg.ListenAddr, repos.Deals, repos.Queue, repos.Deposits, registry, nil)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("Metrics server: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dealEngine.Start(ctx); err != nil {
		return err
	}
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := recoveryMgr.Start(ctx); err != nil {
		return err
	}
	if err := txidResolver.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- rpc.Start()
	}()

	logger.Printf("Broker up (operator=%s)", cfg.OperatorID)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Printf("Received %s, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
	}

	// Ordered shutdown: recovery, resolver, engine, dispatcher, RPC, store
	recoveryMgr.Stop()
	txidResolver.Stop()
	dealEngine.Stop()
	dispatcher.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := rpc.Shutdown(shutdownCtx); err != nil {
		logger.Printf("RPC shutdown: %v", err)
	}
	metricsServer.Shutdown(shutdownCtx)

	cancel()
	logger.Println("Shutdown complete")
	return nil
}
