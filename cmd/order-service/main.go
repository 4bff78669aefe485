// cmd/order-service/main.go
package main

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"marketplace/internal/pkg/bootstrap"
	"marketplace/internal/pkg/clock"
	"marketplace/internal/pkg/idempotency"
	"marketplace/internal/pkg/logger"
	"marketplace/internal/pkg/metrics"
	"marketplace/internal/pkg/mq"
	"marketplace/internal/pkg/outbox"
	"marketplace/internal/pkg/redis"
	"marketplace/internal/service/order/application"
	"marketplace/internal/service/order/domain"
	"marketplace/internal/service/order/domain/port"
	"marketplace/internal/service/order/infrastructure/gormstore"
	"marketplace/internal/service/order/infrastructure/memory"
	"marketplace/internal/service/order/interfaces"
)

const serviceName = "order-service"

// orderStore 同时提供事务边界和 outbox 读写
type orderStore interface {
	domain.UnitOfWork
	outbox.Store
}

// main 函数是应用的"组装根" (Composition Root)
func main() {
	cfg, err := bootstrap.Init()
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(serviceName, cfg.App.LogLevel, cfg.App.LogPretty)

	if err := run(context.Background(), cfg); err != nil {
		logger.L().Error().Err(err).Msg("order-service exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *bootstrap.Config) error {
	clk := clock.System{}
	var closers []func(ctx context.Context) error

	// 1. 存储
	store, closeStore, err := openStore(ctx, cfg, clk)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)

	// 2. Redis 幂等，未配置时不启用
	var checkoutKeys port.IdempotencyStore
	var paymentDedupe *idempotency.Store
	if len(cfg.Infra.Redis.Addrs) > 0 {
		rdb, err := redis.NewClient(ctx, cfg.Infra.Redis.Addrs, cfg.Infra.Redis.Password, cfg.Infra.Redis.DB)
		if err != nil {
			return err
		}
		closers = append(closers, func(context.Context) error { return rdb.Close() })
		checkoutKeys = idempotency.NewStore(rdb, "checkout", cfg.Orders.ReservationWindow)
		paymentDedupe = idempotency.NewStore(rdb, "payments", 24*cfg.Orders.ReservationWindow)
	} else {
		logger.L().Warn().Msg("redis not configured, checkout idempotency keys are ignored")
	}

	// 3. 应用服务
	m := metrics.New(prometheus.DefaultRegisterer)
	svc := application.NewOrderApplicationService(store, clk, checkoutKeys, m, otel.Tracer(serviceName), application.Options{
		ReservationWindow: cfg.Orders.ReservationWindow,
		MaxRetries:        cfg.Orders.CheckoutRetries,
		RetryInitial:      cfg.Orders.RetryInitial,
		RetryMax:          cfg.Orders.RetryMax,
	})
	if len(cfg.Inventory) > 0 {
		if err := svc.SeedInventory(ctx, cfg.Inventory); err != nil {
			return err
		}
		logger.L().Info().Int("items", len(cfg.Inventory)).Msg("inventory seeded for items without a ledger entry")
	}

	workers := []bootstrap.Worker{
		application.NewExpirationSweeper(svc, cfg.Orders.SweepInterval, cfg.Orders.SweepBatchSize),
	}

	// 4. Kafka：outbox 投递和支付确认消费
	if kc := cfg.Infra.Kafka; len(kc.Brokers) > 0 {
		eventsWriter := mq.NewKafkaWriter(kc.Brokers, kc.OrderEventsTopic)
		conflictWriter := mq.NewKafkaWriter(kc.Brokers, kc.ConflictTopic)
		closers = append(closers,
			func(context.Context) error { return eventsWriter.Close() },
			func(context.Context) error { return conflictWriter.Close() },
		)

		relay := outbox.NewRelay(store, outbox.NewDispatcher(eventsWriter, ""), m, cfg.Orders.OutboxInterval, cfg.Orders.OutboxBatchSize)
		reader := mq.NewKafkaReader(kc.Brokers, kc.PaymentTopic, kc.PaymentGroupID)

		var dedupe interfaces.MessageDeduper
		if paymentDedupe != nil {
			dedupe = paymentDedupe
		}
		consumer := interfaces.NewPaymentConfirmedConsumer(reader, conflictWriter, dedupe, svc, clk, kc.PaymentTopic)
		workers = append(workers, relay, consumer)
	} else {
		logger.L().Warn().Msg("kafka not configured, order events stay in the outbox and payments are HTTP only")
	}

	return bootstrap.StartService(ctx, bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		Config:      cfg,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			interfaces.NewOrderHandler(svc, prometheus.DefaultGatherer).RegisterRoutes(appCtx.Mux)
		},
		Workers: workers,
		Closers: closers,
	})
}

func openStore(ctx context.Context, cfg *bootstrap.Config, clk port.Clock) (orderStore, func(context.Context) error, error) {
	if cfg.Infra.Store.Driver == bootstrap.StoreMemory {
		logger.L().Warn().Msg("using in-memory store, state is lost on restart")
		return memory.NewStore(), func(context.Context) error { return nil }, nil
	}

	mc := cfg.Infra.MySQL
	db, err := gormstore.OpenMySQL(gormstore.MySQLOptions{
		DSN:             mc.DSN,
		MaxOpenConns:    mc.MaxOpenConns,
		MaxIdleConns:    mc.MaxIdleConns,
		ConnMaxLifetime: mc.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}
	store := gormstore.NewStore(db, clk)
	if mc.AutoMigrate {
		if err := store.AutoMigrate(ctx); err != nil {
			return nil, nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return store, func(context.Context) error { return sqlDB.Close() }, nil
}
