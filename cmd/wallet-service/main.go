package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/walletsettle/internal/api"
	"github.com/punchamoorthee/walletsettle/internal/broker"
	"github.com/punchamoorthee/walletsettle/internal/config"
	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/event"
	"github.com/punchamoorthee/walletsettle/internal/idempotency"
	"github.com/punchamoorthee/walletsettle/internal/ledger"
	"github.com/punchamoorthee/walletsettle/internal/logger"
	"github.com/punchamoorthee/walletsettle/internal/outbox"
	"github.com/punchamoorthee/walletsettle/internal/resilience"
	"github.com/punchamoorthee/walletsettle/internal/server"
	"github.com/punchamoorthee/walletsettle/internal/store/postgres"
)

const serviceName = "wallet-service"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", err, nil)
		os.Exit(1)
	}

	pool, err := postgres.Open(ctx, cfg.DBSource)
	if err != nil {
		logger.Error("failed to connect to database", err, nil)
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool, postgres.LedgerSchema); err != nil {
		logger.Error("failed to apply schema", err, nil)
		os.Exit(1)
	}

	store := postgres.NewLedgerStore(pool)
	wallet := ledger.New(store)

	locker, closeLocker := server.NewLocker(ctx, cfg.RedisAddr, serviceName+":")
	defer closeLocker()

	publisher := broker.NewPublisher(cfg.KafkaBrokers)
	defer publisher.Close()
	dlq := broker.NewDeadLetterProducer(cfg.KafkaBrokers, cfg.DLQTopic)
	defer dlq.Close()

	relay := outbox.NewRelay(store,
		broker.Guard(publisher, resilience.New(cfg.Gate("kafka-publish", nil))),
		locker, cfg.Outbox)

	reader := broker.NewReader(cfg.KafkaBrokers, cfg.GroupID(serviceName), event.WalletCommandTopics)
	defer reader.Close()
	consumer := broker.NewConsumer(reader, ledger.NewCommandHandler(wallet),
		resilience.New(cfg.Gate("ledger-db", domain.IsValidation)),
		dlq,
		broker.ConsumerConfig{Name: ledger.ConsumerName, IsPermanent: domain.IsValidation})

	sweeper := idempotency.NewSweeper(store, cfg.IdempotencyRetention, cfg.IdempotencySweep)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewWalletRouter(api.NewWalletHandler(wallet)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("starting "+serviceName, logger.Fields{"env": cfg.Env, "port": cfg.Port})
	err = server.Run(ctx, srv, cfg.ShutdownTimeout,
		server.Worker{Name: "outbox-relay", Run: relay.Run},
		server.Worker{Name: "consumer", Run: func(ctx context.Context) {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("consumer stopped", err, nil)
			}
		}},
		server.Worker{Name: "idempotency-sweeper", Run: sweeper.Run},
	)
	if err != nil {
		logger.Error("server exited with error", err, nil)
		os.Exit(1)
	}
}
