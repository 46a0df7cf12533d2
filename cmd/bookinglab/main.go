package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/davicafu/bookinglab/internal/booking/application"
	"github.com/davicafu/bookinglab/internal/booking/domain"
	bookingHttp "github.com/davicafu/bookinglab/internal/booking/infra/inbound/http"
	"github.com/davicafu/bookinglab/internal/booking/infra/outbound/analytics/clickhouse"
	"github.com/davicafu/bookinglab/internal/booking/infra/outbound/db/postgres"
	"github.com/davicafu/bookinglab/internal/booking/infra/outbound/db/sqlite"
	"github.com/davicafu/bookinglab/internal/config"
	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
	sharedEvents "github.com/davicafu/bookinglab/internal/shared/infra/events"
	sharedCache "github.com/davicafu/bookinglab/internal/shared/infra/platform/cache"
	"github.com/davicafu/bookinglab/internal/shared/infra/relayer"
	"github.com/davicafu/bookinglab/pkg/logger"
	"github.com/davicafu/bookinglab/pkg/telemetry"
)

const serviceName = "bookinglab"

// outboxStore es lo que el relay y /health necesitan del outbox.
type outboxStore interface {
	sharedDomain.OutboxRepository
	bookingHttp.OutboxStats
}

type storage struct {
	db     *sql.DB
	store  domain.BookingStore
	idem   domain.IdempotencyRepository
	outbox outboxStore
}

// ---------------- Main ----------------
func main() {
	cfg, cfgErr := config.LoadConfig()
	level := "info"
	if cfg != nil {
		level = cfg.LogLevel
	}
	logger.Init(level)     // inicializa zap
	log := logger.Logger() // obtiene logger estructurado
	defer log.Sync()       // flush buffers al salir

	if cfgErr != nil {
		log.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		log.Warn("⚠️ OpenTelemetry no disponible, trazas desactivadas", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// ---------------- DB ----------------
	st, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open storage", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}
	defer st.db.Close()
	log.Info("✅ Base de datos lista", zap.String("driver", cfg.DBDriver))

	// ---------------- Cache ----------------
	var cacheInstance sharedCache.Cache
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("⚠️ Redis no disponible, cache en memoria:", zap.Error(err))
		_ = rdb.Close()
		mem := sharedCache.NewInMemoryCache(cfg.CacheTTL, 3*cfg.CacheTTL)
		defer mem.Stop()
		cacheInstance = mem
	} else {
		defer rdb.Close()
		cacheInstance = sharedCache.NewRedisCache(rdb, serviceName+":", cfg.CacheTTL)
		log.Info("✅ Redis conectado, cache habilitado")
	}

	// --------------- Servicio --------------
	ledger := application.NewLedger(st.idem, cacheInstance, cfg.IdempotencyTTL(), log).WithProcessingLease(cfg.IdempotencyLease)
	coordinator := application.NewCoordinator(st.store, ledger, cacheInstance, application.CoordinatorConfig{
		OutboxMaxAttempts: cfg.OutboxMaxAttempts,
		MaxRetries:        cfg.CommandMaxRetries,
		CacheTTLSeconds:   int(cfg.CacheTTL.Seconds()),
	}, log)

	// ---------------- Deliverers ---------------
	deliverer, closeDeliverers := buildDeliverer(ctx, cfg, log)
	defer closeDeliverers()

	var (
		audit sharedDomain.DeliveryAuditRepository
		stats bookingHttp.DeliveryStats
	)
	if cfg.ClickHouseAddr != "" {
		chDB, err := clickhouse.Open(cfg.ClickHouseAddr, cfg.ClickHouseDB)
		if err != nil {
			log.Warn("⚠️ ClickHouse no disponible, auditoría de entregas desactivada", zap.Error(err))
		} else {
			defer chDB.Close()
			repo := clickhouse.NewDeliveryAuditRepo(chDB)
			if err := repo.InitSchema(ctx); err != nil {
				log.Warn("⚠️ No se pudo crear el esquema de auditoría", zap.Error(err))
			} else {
				audit, stats = repo, repo
				log.Info("✅ Auditoría de entregas en ClickHouse")
			}
		}
	}

	// ------------ Outbox Relay + Sweeper ------------
	var wg sync.WaitGroup
	backoff := relayer.NewBackoff(cfg.BackoffBase(), cfg.BackoffCap())
	for i := 0; i < cfg.OutboxWorkers; i++ {
		worker := relayer.NewOutboxWorker(st.outbox, deliverer, relayer.Config{
			WorkerID:  fmt.Sprintf("%s-relay-%d", serviceName, i),
			Interval:  cfg.OutboxPollInterval,
			BatchSize: cfg.OutboxBatchSize,
			LeaseTTL:  cfg.OutboxLease(),
			Backoff:   backoff,
		}, log)
		if audit != nil {
			worker.WithAudit(audit)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Start(ctx)
		}()
	}

	sweeper := application.NewSweeper(ledger, cfg.IdempotencySweepInterval, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Start(ctx)
	}()

	// ---------------- HTTP ----------------
	handler := bookingHttp.NewBookingHandler(coordinator, st.outbox, log)
	if stats != nil {
		handler.WithDeliveryStats(stats)
	}
	router := gin.Default()
	bookingHttp.RegisterBookingRoutes(router, handler)

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}
	go func() {
		log.Info("🚀 Server running", zap.String("url", "http://localhost:"+cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to start server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("🛑 Apagando servicio...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("⚠️ Cierre HTTP incompleto", zap.Error(err))
	}
	wg.Wait()
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &storage{
			db:     db,
			store:  postgres.NewBookingStorePostgres(db),
			idem:   postgres.NewIdempotencyRepoPostgres(db),
			outbox: postgres.NewOutboxRepoPostgres(db),
		}, nil
	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &storage{
			db:     db,
			store:  sqlite.NewBookingStoreSQLite(db),
			idem:   sqlite.NewIdempotencyRepoSQLite(db),
			outbox: sqlite.NewOutboxRepoSQLite(db),
		}, nil
	}
}

// buildDeliverer elige Kafka o el bus en memoria para todos los destinos y,
// si hay MongoDB, envía accounting a su colección deduplicada.
func buildDeliverer(ctx context.Context, cfg *config.Config, log *zap.Logger) (sharedDomain.Deliverer, func()) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var fallback sharedDomain.Deliverer
	if cfg.UseKafka {
		log.Info("🚀 Usando Kafka para las entregas", zap.Strings("brokers", cfg.KafkaBrokers))
		writer := sharedEvents.NewKafkaWriter(cfg.KafkaBrokers)
		closers = append(closers, func() { _ = writer.Close() })
		fallback = sharedEvents.NewKafkaDeliverer(writer, cfg.KafkaPrefix, log)
	} else {
		log.Info("⚡️ Usando entregas en memoria (canales de Go)")
		bus := sharedEvents.NewInMemoryDeliverer()
		closers = append(closers, bus.Close)
		for _, target := range domain.AllTargets {
			logDeliveries(ctx, bus.Subscribe(target, 64), log)
		}
		fallback = bus
	}

	router := sharedEvents.NewRouterDeliverer(fallback)
	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err == nil {
			err = client.Ping(ctx, nil)
		}
		if err != nil {
			log.Warn("⚠️ MongoDB no disponible, accounting va al deliverer por defecto", zap.Error(err))
		} else {
			closers = append(closers, func() { _ = client.Disconnect(context.Background()) })
			router.Route(domain.TargetAccounting, sharedEvents.NewMongoDeliverer(client, cfg.MongoDB, log))
			log.Info("✅ MongoDB conectado para el destino accounting")
		}
	}
	return router, closeAll
}

// logDeliveries consume un destino en memoria y registra cada entrega.
func logDeliveries(ctx context.Context, ch <-chan sharedEvents.Delivery, log *zap.Logger) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-ch:
				if !ok {
					return
				}
				log.Info("📨 Entrega recibida",
					zap.String("target", d.Target),
					zap.String("event_type", d.Meta.EventType),
					zap.String("aggregate_id", d.Meta.AggregateID),
					zap.Int("attempt", d.Meta.Attempt),
				)
			}
		}
	}()
}
