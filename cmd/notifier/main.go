package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ec-stock-saga/internal/app"
	"github.com/example/ec-stock-saga/internal/email"
	"github.com/example/ec-stock-saga/internal/messaging"
	"github.com/example/ec-stock-saga/internal/notification"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.NewInfrastructure(ctx, "notifier")
	if err != nil {
		log.Fatalf("[Notifier] Failed to start: %v", err)
	}
	defer infra.Shutdown()
	logger := infra.Logger
	smtp := infra.Config.SMTP

	emailSvc := email.NewService(smtp.Host, smtp.Port, smtp.From)
	router := messaging.NewRouter()
	notification.NewHandler(emailSvc, smtp.AlertRecipient, logger).Register(router)

	consumer, err := infra.Consumer(ctx, messaging.NotificationsQueue, router)
	if err != nil {
		logger.Fatal("failed to build consumer", zap.Error(err))
	}

	logger.Info("notifier starting",
		zap.String("queue", messaging.NotificationsQueue),
		zap.String("smtp", smtp.Host+":"+smtp.Port),
		zap.String("recipient", smtp.AlertRecipient))

	if err := consumer.Run(ctx); err != nil {
		logger.Error("notifier stopped with error", zap.Error(err))
		infra.Shutdown()
		os.Exit(1)
	}
	logger.Info("notifier stopped")
}
