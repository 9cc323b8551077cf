package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ec-stock-saga/internal/app"
	"github.com/example/ec-stock-saga/internal/domain/order"
	"github.com/example/ec-stock-saga/internal/infrastructure/store"
	"github.com/example/ec-stock-saga/internal/messaging"
	"github.com/example/ec-stock-saga/internal/saga"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.NewInfrastructure(ctx, "sales")
	if err != nil {
		log.Fatalf("[Sales] Failed to start: %v", err)
	}
	defer infra.Shutdown()
	logger := infra.Logger

	var (
		orders    order.Repository
		customers order.CustomerRepository
	)
	if infra.DB != nil {
		pg := store.NewPostgresOrderStore(infra.DB)
		orders, customers = pg, pg
	} else {
		mem := store.NewMemoryOrderStore()
		orders, customers = mem, mem
	}
	svc := order.NewService(orders, customers, logger)

	router := messaging.NewRouter()
	saga.NewSalesHandlers(svc, infra.Publisher(), logger).Register(router)

	consumer, err := infra.Consumer(ctx, messaging.SalesQueue, router)
	if err != nil {
		logger.Fatal("failed to build consumer", zap.Error(err))
	}
	relay := infra.Relay()

	logger.Info("sales service starting", zap.String("queue", messaging.SalesQueue))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error("sales service stopped with error", zap.Error(err))
		infra.Shutdown()
		os.Exit(1)
	}
	logger.Info("sales service stopped")
}
