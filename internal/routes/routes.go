package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/congo-pay/custody/internal/card"
	"github.com/congo-pay/custody/internal/cardprocessor"
	"github.com/congo-pay/custody/internal/config"
	"github.com/congo-pay/custody/internal/infra"
	"github.com/congo-pay/custody/internal/keyvault"
	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/lock"
	"github.com/congo-pay/custody/internal/logging"
	"github.com/congo-pay/custody/internal/metrics"
	"github.com/congo-pay/custody/internal/middleware"
	"github.com/congo-pay/custody/internal/notification"
	"github.com/congo-pay/custody/internal/settlement"
	"github.com/congo-pay/custody/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes. DB, Cache,
// Mongo and Events are optional in development. Store, Settlement and
// Processor override the backends otherwise chosen from Cfg.
type Deps struct {
	Cfg     config.Config
	DB      *pgxpool.Pool
	Cache   *redis.Client
	Mongo   *mongo.Client
	Events  notification.Channel
	Vault   *keyvault.Vault
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	Store      ledger.Store
	Settlement settlement.Client
	Processor  cardprocessor.Client
}

// Services are the long-lived domain services built from Deps.
type Services struct {
	Wallets    *wallet.Service
	Cards      *card.Service
	Reconciler *wallet.Reconciler
}

// Build selects backends and constructs the domain services. Outside
// development every external backend must be configured.
func Build(d Deps) (Services, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Vault == nil {
		return Services{}, errors.New("key vault is required")
	}
	dev := d.Cfg.IsDevelopment()

	store := d.Store
	if store == nil {
		switch {
		case d.DB != nil:
			store = ledger.NewPostgresStore(d.DB)
		case dev:
			logger.Warn("DATABASE_URL not set, using in-memory store")
			store = ledger.NewInMemory()
		default:
			return Services{}, errors.New("database is required outside development")
		}
	}

	settle := d.Settlement
	if settle == nil {
		switch {
		case d.Cfg.SettlementURL != "":
			client, err := settlement.NewHTTPClient(settlement.HTTPConfig{
				BaseURL: d.Cfg.SettlementURL,
				APIKey:  d.Cfg.SettlementAPIKey,
				Timeout: d.Cfg.SettlementTimeout,
			})
			if err != nil {
				return Services{}, err
			}
			settle = client
		case dev:
			logger.Warn("SETTLEMENT_URL not set, using simulated network")
			settle = settlement.NewSimulator()
		default:
			return Services{}, errors.New("settlement url is required outside development")
		}
	}

	processor := d.Processor
	if processor == nil {
		switch {
		case d.Cfg.ProcessorURL != "":
			client, err := cardprocessor.NewHTTPClient(cardprocessor.HTTPConfig{
				BaseURL: d.Cfg.ProcessorURL,
				APIKey:  d.Cfg.ProcessorAPIKey,
				Timeout: d.Cfg.ProcessorTimeout,
			})
			if err != nil {
				return Services{}, err
			}
			processor = client
		case dev:
			logger.Warn("PROCESSOR_URL not set, using simulated card processor")
			processor = cardprocessor.NewStaticProcessor()
		default:
			return Services{}, errors.New("card processor url is required outside development")
		}
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if d.Cache != nil {
		locker = lock.NewRedisLocker(d.Cache, d.Cfg.LockTTL, logger)
	}

	notifier := notification.Multi{notification.NewLoggerNotifier(logger)}
	if d.Events != nil {
		notifier = append(notifier, notification.NewRabbitPublisher(d.Events, infra.EventsExchange))
	}
	if d.Mongo != nil {
		notifier = append(notifier, notification.NewMongoAuditor(d.Mongo, d.Cfg.MongoDatabase))
	}

	walletDeps := wallet.Deps{
		Store:      store,
		Rates:      store,
		Settlement: settle,
		Vault:      d.Vault,
		Locker:     locker,
		Notifier:   notifier,
		Metrics:    d.Metrics,
		Logger:     logging.Component(logger, "wallet"),
	}
	wallets := wallet.NewService(walletDeps, wallet.Config{
		Network:           d.Cfg.SettlementNetwork,
		Asset:             d.Cfg.SettlementAsset,
		SettlementTimeout: d.Cfg.SettlementTimeout,
	})
	walletDeps.Logger = logging.Component(logger, "reconciler")
	reconciler := wallet.NewReconciler(walletDeps, wallet.ReconcilerConfig{
		Interval:      d.Cfg.ReconcileInterval,
		PendingAfter:  d.Cfg.ReconcilePendingAfter,
		AbandonAfter:  d.Cfg.ReconcileAbandonAfter,
		Concurrency:   d.Cfg.ReconcileConcurrency,
		LookupTimeout: d.Cfg.SettlementTimeout,
	})

	cards := card.NewService(card.Deps{
		Store:     store,
		Processor: processor,
		Locker:    locker,
		Notifier:  notifier,
		Metrics:   d.Metrics,
		Logger:    logging.Component(logger, "card"),
	}, card.Config{
		AuthorizationBudget: d.Cfg.AuthorizationBudget,
		ProcessorTimeout:    d.Cfg.ProcessorTimeout,
	})

	return Services{Wallets: wallets, Cards: cards, Reconciler: reconciler}, nil
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (Services, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	svc, err := Build(d)
	if err != nil {
		return Services{}, err
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)
	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))
	}

	RegisterWebhookRoutes(app, card.NewWebhookHandler(svc.Cards, d.Cfg.ProcessorWebhookSecret))

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	owned := api.Group("", middleware.Owner())
	RegisterWalletRoutes(owned, wallet.NewHandler(svc.Wallets),
		middleware.SendRateLimit(d.Cache, d.Cfg.SendRateLimit, d.Logger),
		middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger),
	)
	RegisterCardRoutes(owned, card.NewHandler(svc.Cards))

	return svc, nil
}
