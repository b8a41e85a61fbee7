package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	authservice "github.com/coursechain/cvs/internal/application/auth"
	"github.com/coursechain/cvs/internal/application/enrollment"
	"github.com/coursechain/cvs/internal/application/purchase"
	"github.com/coursechain/cvs/internal/application/strategist"
	"github.com/coursechain/cvs/internal/application/verifier"
	"github.com/coursechain/cvs/internal/infrastructure/database"
	"github.com/coursechain/cvs/internal/infrastructure/http/clients"
	"github.com/coursechain/cvs/internal/infrastructure/rpc"
	"github.com/coursechain/cvs/internal/repositories/enrollmentrepo"
	"github.com/coursechain/cvs/internal/repositories/intentrepo"
	"github.com/coursechain/cvs/internal/server"
	"github.com/coursechain/cvs/internal/server/websocket"
	"github.com/coursechain/cvs/pkg/config"
	"github.com/coursechain/cvs/pkg/logger"
)

func main() {
	logger := logger.New()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.ShutDown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chainReader, err := rpc.NewChainReader(cfg.Chain, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to chain RPC")
	}
	indexReader := clients.NewIndexReader(cfg.Indexer, logger)
	pricingClient := clients.NewPricingClient(cfg.Pricing, logger)

	wsHub := websocket.NewWsHub(logger)
	go wsHub.Run()

	monitor := strategist.NewMonitor(chainReader, indexReader, cfg.Health, wsHub, logger)
	go monitor.Run(ctx)

	cache, err := strategist.NewBalanceCache(cfg.Cache, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize balance cache")
	}
	strat := strategist.New(chainReader, indexReader, monitor, cache, common.HexToAddress(cfg.Chain.TokenContract), logger)

	intentRepo := intentrepo.New(db, logger)
	enrollmentRepo := enrollmentrepo.New(db, logger)

	txVerifier := verifier.New(chainReader, common.HexToAddress(cfg.Chain.MarketplaceContract), logger)
	recorder := enrollment.NewRecorder(enrollmentRepo, logger)

	coordinator := purchase.NewCoordinator(
		intentRepo,
		chainReader,
		strat,
		txVerifier,
		recorder,
		wsHub,
		cfg.Purchase,
		logger,
	)
	go coordinator.StartReconciliation(ctx)

	authSvc := authservice.NewAuthService(cfg, logger)

	srv := server.New(cfg, coordinator, strat, txVerifier, recorder, authSvc, pricingClient, db, logger, wsHub)
	srv.Start()
}
