package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ec-stock-saga/internal/app"
	"github.com/example/ec-stock-saga/internal/domain/inventory"
	"github.com/example/ec-stock-saga/internal/infrastructure/store"
	"github.com/example/ec-stock-saga/internal/messaging"
	"github.com/example/ec-stock-saga/internal/saga"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.NewInfrastructure(ctx, "inventory")
	if err != nil {
		log.Fatalf("[Inventory] Failed to start: %v", err)
	}
	defer infra.Shutdown()
	logger := infra.Logger

	var tx inventory.TxRunner = store.NewMemoryInventoryStore()
	if infra.DB != nil {
		tx = store.NewPostgresInventoryStore(infra.DB)
	}
	stock := inventory.NewService(tx, logger, inventory.WithReservationTTL(infra.Config.Inventory.ReservationTTL))
	publisher := infra.Publisher()

	router := messaging.NewRouter()
	saga.NewInventoryHandlers(stock, publisher, logger).Register(router)

	consumer, err := infra.Consumer(ctx, messaging.InventoryQueue, router)
	if err != nil {
		logger.Fatal("failed to build consumer", zap.Error(err))
	}
	sweeper := saga.NewSweeper(stock, publisher, infra.Config.Inventory.SweepInterval, logger)
	relay := infra.Relay()

	logger.Info("inventory service starting",
		zap.String("queue", messaging.InventoryQueue),
		zap.Duration("reservation_ttl", infra.Config.Inventory.ReservationTTL))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error("inventory service stopped with error", zap.Error(err))
		infra.Shutdown()
		os.Exit(1)
	}
	logger.Info("inventory service stopped")
}
