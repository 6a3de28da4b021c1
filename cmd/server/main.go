package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/musaucrea/foti-pay-2/internal/config"
	"github.com/musaucrea/foti-pay-2/internal/connectivity"
	"github.com/musaucrea/foti-pay-2/internal/directory"
	"github.com/musaucrea/foti-pay-2/internal/domain"
	"github.com/musaucrea/foti-pay-2/internal/fx"
	"github.com/musaucrea/foti-pay-2/internal/gateway"
	"github.com/musaucrea/foti-pay-2/internal/ledger"
	"github.com/musaucrea/foti-pay-2/internal/logging"
	"github.com/musaucrea/foti-pay-2/internal/orchestrator"
	"github.com/musaucrea/foti-pay-2/internal/rail"
	"github.com/musaucrea/foti-pay-2/internal/server"
	"github.com/musaucrea/foti-pay-2/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	txStore, db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open transaction store", "path", cfg.Storage.Path, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing database failed", "error", err)
		}
	}()

	queue, err := ledger.New(db)
	if err != nil {
		logger.Error("failed to open offline ledger", "error", err)
		os.Exit(1)
	}

	rates, err := fx.ParseRates(cfg.FX.RatesCSV)
	if err != nil {
		logger.Error("failed to parse fx rates", "error", err)
		os.Exit(1)
	}
	converter := fx.NewConverter(fx.NewStaticSource(rates, cfg.FX.QuoteTTL))

	openingBalance, err := decimal.NewFromString(cfg.Wallet.OpeningBalance)
	if err != nil {
		logger.Error("invalid wallet opening balance", "value", cfg.Wallet.OpeningBalance, "error", err)
		os.Exit(1)
	}

	gateways := []gateway.Gateway{
		gateway.NewDarajaGateway(logger, stkConfig(domain.RailMpesa, cfg.Daraja)),
		gateway.NewDarajaGateway(logger, stkConfig(domain.RailAirtel, cfg.Airtel)),
	}
	cardGateway, err := gateway.NewCardGateway(logger, gateway.CardConfig{
		ClientID:     cfg.Card.ClientID,
		ClientSecret: cfg.Card.ClientSecret,
		APIBase:      cfg.Card.APIBase,
		ReturnURL:    cfg.Card.ReturnURL,
		CancelURL:    cfg.Card.CancelURL,
	})
	if err != nil {
		logger.Error("failed to create card gateway", "error", err)
		os.Exit(1)
	}
	gateways = append(gateways, cardGateway)

	conn := connectivity.NewMonitor(logger, cfg.Orchestrator.StartOnline)
	orch := orchestrator.New(logger, converter, rail.NewRegistry(rail.DefaultRails()...),
		gateways, txStore, queue, conn, orchestrator.Config{
			HomeCurrency: cfg.Wallet.HomeCurrency,
			PollTimeout:  cfg.Orchestrator.PollTimeout,
			RetryBackoff: cfg.Orchestrator.RetryBackoff,
		})

	runCtx, stopReconciler := context.WithCancel(context.Background())
	defer stopReconciler()
	reconciler := orchestrator.NewReconciler(logger, orch)
	go reconciler.Run(runCtx)

	apiHandlers := server.NewAPIHandlers(logger, orch, txStore, queue,
		rail.NewRegistry(rail.DefaultRails()...),
		directory.NewMemoryResolver(directory.SeedMerchants()...),
		conn,
		server.WalletConfig{
			HomeCurrency:   cfg.Wallet.HomeCurrency,
			OpeningBalance: openingBalance,
		})

	router := server.NewRouter(logger, server.RouterDependencies{
		Health:           server.StoreHealthService{Store: txStore},
		API:              apiHandlers,
		AllowedOrigins:   parseAllowedOrigins(cfg.HTTP.AllowedOriginsCSV),
		AllowCredentials: true,
	})

	srv := server.New(logger, cfg.HTTP, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("server stopped unexpectedly", "error", err)
		}
	}

	stopReconciler()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func stkConfig(id domain.RailID, cfg config.DarajaConfig) gateway.DarajaConfig {
	return gateway.DarajaConfig{
		Rail:           id,
		BaseURL:        cfg.BaseURL,
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
		ShortCode:      cfg.ShortCode,
		Passkey:        cfg.Passkey,
		CallbackURL:    cfg.CallbackURL,
	}
}

func parseAllowedOrigins(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	var origins []string
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		origins = append(origins, origin)
	}
	return origins
}
