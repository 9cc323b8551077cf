package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/example/ec-stock-saga/internal/config"
	"github.com/example/ec-stock-saga/internal/infrastructure/inbox"
	"github.com/example/ec-stock-saga/internal/infrastructure/kafka"
	"github.com/example/ec-stock-saga/internal/infrastructure/store"
	"github.com/example/ec-stock-saga/internal/logging"
	"github.com/example/ec-stock-saga/internal/messaging"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Infrastructure holds the process-wide resources every service shares: config,
// logger, the Kafka producer, the database handle and the outbox.
type Infrastructure struct {
	Config   *config.Config
	Logger   *zap.Logger
	Producer *kafka.Producer
	DB       *sql.DB
	Outbox   messaging.Outbox

	service string
	closers []io.Closer
}

// NewInfrastructure loads configuration and opens the shared resources for service.
func NewInfrastructure(ctx context.Context, service string) (*Infrastructure, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.New(cfg.App.Env, cfg.App.LogLevel, service)
	if err != nil {
		return nil, err
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	infra := &Infrastructure{
		Config:  cfg,
		Logger:  logger,
		service: service,
	}

	infra.Producer = kafka.NewProducer(cfg.Kafka.Brokers)
	infra.closers = append(infra.closers, infra.Producer)

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := store.ConnectPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			infra.Shutdown()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		infra.DB = db
		infra.closers = append(infra.closers, db)
		if err := store.Migrate(ctx, db); err != nil {
			infra.Shutdown()
			return nil, err
		}
		infra.Outbox = store.NewPostgresOutbox(db)
	default:
		infra.Outbox = messaging.NewMemoryOutbox()
	}

	logger.Info("infrastructure ready",
		zap.Strings("kafka_brokers", cfg.Kafka.Brokers),
		zap.String("store", cfg.Store.Backend),
		zap.String("inbox", cfg.Inbox.Backend))
	return infra, nil
}

// Publisher returns a publisher that falls back to the outbox when Kafka is unavailable.
func (infra *Infrastructure) Publisher() *messaging.Publisher {
	return messaging.NewPublisher(infra.Producer, infra.Outbox, infra.Logger)
}

func (infra *Infrastructure) Relay() *messaging.Relay {
	return messaging.NewRelay(infra.Outbox, infra.Producer, infra.Config.Outbox.RelayInterval, infra.Logger)
}

// NewInbox opens the configured processed-event store.
func (infra *Infrastructure) NewInbox(ctx context.Context) (messaging.Inbox, error) {
	cfg := infra.Config.Inbox
	switch cfg.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		infra.closers = append(infra.closers, rdb)
		return inbox.NewRedisInbox(rdb, cfg.TTL), nil
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return inbox.NewDynamoInbox(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable, cfg.TTL), nil
	default:
		return messaging.NewMemoryInbox(), nil
	}
}

// Consumer builds a consumer of queue in this service's consumer group.
func (infra *Infrastructure) Consumer(ctx context.Context, queue string, router *messaging.Router) (*messaging.Consumer, error) {
	in, err := infra.NewInbox(ctx)
	if err != nil {
		return nil, err
	}
	source := kafka.NewConsumer(infra.Config.Kafka.Brokers, queue, infra.Config.Kafka.GroupID+"-"+infra.service)
	infra.closers = append(infra.closers, source)

	cfg := infra.Config.Consumer
	return messaging.NewConsumer(messaging.ConsumerConfig{
		Queue:        queue,
		Prefetch:     cfg.Prefetch,
		MaxAttempts:  cfg.MaxAttempts,
		MaxRequeues:  cfg.MaxRequeues,
		RetryInitial: cfg.RetryInitial,
		RetryMax:     cfg.RetryMax,
	}, source, router, in, infra.Producer, infra.Logger), nil
}

// Shutdown closes resources in reverse order of opening and flushes the logger.
func (infra *Infrastructure) Shutdown() {
	for i := len(infra.closers) - 1; i >= 0; i-- {
		if err := infra.closers[i].Close(); err != nil {
			infra.Logger.Error("failed to close resource", zap.Error(err))
		}
	}
	infra.closers = nil
	_ = infra.Logger.Sync()
}
