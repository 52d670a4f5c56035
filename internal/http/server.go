package httpapi

import (
	"log/slog"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-hailing/internal/cache"
	"github.com/example/ride-hailing/internal/config"
	"github.com/example/ride-hailing/internal/dispatch"
	"github.com/example/ride-hailing/internal/idempotency"
	"github.com/example/ride-hailing/internal/ingest"
	"github.com/example/ride-hailing/internal/lifecycle"
	"github.com/example/ride-hailing/internal/logging"
	"github.com/example/ride-hailing/internal/match"
	"github.com/example/ride-hailing/internal/payments"
	"github.com/example/ride-hailing/internal/pricing"
	"github.com/example/ride-hailing/internal/storage"
)

type Server struct {
	Manager  *lifecycle.Manager
	Payments *payments.Processor
	WSReg    *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the core from config with in-memory fallbacks for every
// external dependency, so the binary runs locally without Redis, Kafka or
// Postgres.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var demand pricing.DemandCounter
	if rdb != nil {
		demand = pricing.NewRedisDemand(rdb, cfg.DemandTTL)
	} else {
		demand = pricing.NewMemoryDemand(cfg.DemandTTL)
	}
	pricingEngine := pricing.NewEngine(demand)

	idem := idempotency.NewExecutor(store, rdb)
	ridesCache := cache.NewRides(rdb, cfg.RideCacheTTL)
	paymentsCache := cache.NewPayments(rdb, cfg.PaymentCacheTTL)

	wsreg := dispatch.NewWSRegistry(logging.Component(logger, "dispatch"))
	engine := &match.Engine{
		Store:           store,
		Surge:           pricingEngine,
		Notify:          wsreg,
		InitialRadiusKm: cfg.InitialRadiusKm,
		MaxRadiusKm:     cfg.MaxRadiusKm,
		Logger:          logging.Component(logger, "matcher"),
	}

	var publisher lifecycle.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	manager := lifecycle.NewManager(store, pricingEngine, engine, idem, ridesCache, publisher,
		logging.Component(logger, "lifecycle"), lifecycle.Config{
			AcceptTimeout: cfg.AcceptTimeout,
			MatchWorkers:  cfg.MatchWorkers,
		})

	processor := payments.NewProcessor(store, payments.NewStripeClient(), idem, paymentsCache,
		logging.Component(logger, "payments"))

	s := &Server{
		Manager:  manager,
		Payments: processor,
		WSReg:    wsreg,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}
