// Package app wires the workspace service together. New builds every component
// for the configured store; Run starts the background workers and servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/tenantflow/libs/auth"
	"github.com/md-rashed-zaman/tenantflow/libs/db"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/grpcx"
	"github.com/md-rashed-zaman/tenantflow/libs/httpx"
	"github.com/md-rashed-zaman/tenantflow/libs/kafkax"
	"github.com/md-rashed-zaman/tenantflow/libs/runtime"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/alert"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/api"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/authority"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/command"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/dlq"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/docstore"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/eligibility"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/inbox"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/outbox"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/projection"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/push"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/query"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/readside"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/relay"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/router"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/saga"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/transport"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/workspace"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const (
	projectionSubscriber = "projection"
	sagaSubscriber       = "assignment-saga"
	outboxChannel        = "outbox_pending"
)

type App struct {
	Config Config
	Logger *slog.Logger

	Catalog     *events.Catalog
	OutboxStore outbox.Store
	Outbox      *outbox.Outbox
	Docs        docstore.Store
	DLQ         *dlq.Service
	Router      *router.Router
	Funnel      *projection.Funnel
	Workspace   *workspace.Service
	Eligibility *eligibility.Checker
	Sagas       *saga.Coordinator
	Authority   *authority.Service
	Relay       *relay.Worker
	Commands    *command.Gateway
	Queries     *query.Registry
	Verifier    auth.Verifier
	Sender      push.Sender

	pool      *db.Pool
	redis     *redis.Client
	writer    *kafka.Writer
	topics    transport.Topics
	limiter   httpx.Limiter
	consumers []*transport.LaneConsumer
}

type stores struct {
	tx        db.TxRunner
	outbox    outbox.Store
	inbox     inbox.Store
	dlq       dlq.Store
	workspace workspace.Store
	sagas     saga.Store
	docs      docstore.Store
}

func memoryStores() stores {
	return stores{
		tx:        db.InlineTx{},
		outbox:    outbox.NewMemoryStore(),
		inbox:     inbox.NewMemoryStore(),
		dlq:       dlq.NewMemoryStore(),
		workspace: workspace.NewMemoryStore(),
		sagas:     saga.NewMemoryStore(),
		docs:      docstore.NewMemoryStore(),
	}
}

func postgresStores(pool *db.Pool, logger *slog.Logger) stores {
	return stores{
		tx:        pool,
		outbox:    outbox.NewPgStore(pool),
		inbox:     inbox.NewPgStore(pool),
		dlq:       dlq.NewPgStore(pool),
		workspace: workspace.NewPgStore(pool),
		sagas:     saga.NewPgStore(pool),
		docs:      docstore.NewPgStore(pool, logger),
	}
}

// New builds the service. Close releases what it opened.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	a.Catalog = events.DefaultCatalog()
	if cfg.CatalogFile != "" {
		if err := events.LoadCatalogFile(a.Catalog, cfg.CatalogFile); err != nil {
			return nil, err
		}
	}

	var st stores
	switch cfg.Store {
	case StoreMemory:
		st = memoryStores()
	case StorePostgres:
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.pool = pool
		st = postgresStores(pool, logger)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	var (
		locker    saga.Locker = saga.NewLocalLocker()
		authCache authority.Cache
	)
	a.limiter = httpx.NewMemoryRateLimiter(cfg.CommandRateLimit, cfg.RateLimitWindow)
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		locker = saga.NewRedisLocker(a.redis, cfg.SagaLockExpiry)
		authCache = authority.NewRedisCache(a.redis)
		a.limiter = httpx.NewRedisRateLimiter(a.redis, cfg.CommandRateLimit, cfg.RateLimitWindow, "ratelimit:cmd")
	}

	a.Sender = push.NoopSender{}
	if cfg.PushWebhookURL != "" {
		a.Sender = push.NewWebhookSender(push.WebhookConfig{URL: cfg.PushWebhookURL, Token: cfg.PushWebhookToken}, logger)
	}
	alerter := alert.NewOperatorAlerter(logger, a.Sender, cfg.AlertTarget)

	a.OutboxStore = st.outbox
	a.Outbox = outbox.New(st.outbox, a.Catalog, logger)
	a.Docs = st.docs
	a.DLQ = dlq.NewService(st.tx, st.dlq, a.Outbox, a.Catalog, alerter, logger)

	var routerOpts []router.Option
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		a.writer = kafkax.NewWriter(brokers)
		a.topics = transport.DefaultTopics(cfg.TopicPrefix)
		routerOpts = append(routerOpts, router.WithPublisher(transport.NewKafkaLanePublisher(a.writer, a.topics)))
	}
	a.Router = router.New(a.Catalog, logger, routerOpts...)

	funnel, err := projection.NewFunnel(st.docs, logger, projection.ReadModels()...)
	if err != nil {
		a.Close()
		return nil, err
	}
	funnel.TrackBacklog(st.outbox)
	a.Funnel = funnel
	a.Workspace = workspace.NewService(st.tx, st.workspace, a.Outbox, st.inbox, logger)
	a.Eligibility = eligibility.NewChecker(st.tx, st.inbox, a.Outbox, a.Workspace, a.DLQ, logger)
	a.Sagas = saga.NewCoordinator(st.tx, st.sagas, a.Outbox, locker, alerter, logger)
	a.Authority = authority.NewService(a.Funnel, a.Workspace, authCache, a.Sender, logger, authority.Config{MaxTTL: cfg.AuthorityMaxTTL})

	if err := a.subscribe(); err != nil {
		a.Close()
		return nil, err
	}

	a.Relay = relay.NewWorker(st.outbox, a.Router, a.DLQ, logger, relay.Config{
		PollEvery: cfg.RelayPollEvery,
		BatchSize: cfg.RelayBatchSize,
		Lease:     cfg.RelayLease,
		HoldFor:   cfg.RelayHoldFor,
	})

	a.Queries = query.NewRegistry()
	if err := readside.NewService(a.Funnel, st.docs, a.Workspace, a.Authority, logger).Register(a.Queries); err != nil {
		a.Close()
		return nil, err
	}
	a.Commands = command.NewGateway(logger, command.WithLimiter(a.limiter))
	if err := command.RegisterWorkspace(a.Commands, a.Workspace); err != nil {
		a.Close()
		return nil, err
	}

	a.Verifier = verifier(cfg)

	if a.writer != nil {
		for _, lane := range events.Lanes() {
			reader := kafkax.NewReader(cfg.Brokers(), cfg.KafkaGroupID, a.topics[lane])
			a.consumers = append(a.consumers, transport.NewLaneConsumer(reader, lane, a.Router, a.DLQ, logger))
		}
	}
	return a, nil
}

func verifier(cfg Config) auth.Verifier {
	v := auth.ByAlg{}
	if cfg.JWTSecret != "" {
		v["HS256"] = auth.HS256Verifier{Secret: cfg.JWTSecret}
	}
	if cfg.JWKSURL != "" {
		v["RS256"] = auth.RS256Verifier{Keys: auth.NewJWKSClient(cfg.JWKSURL, cfg.JWKSTTL)}
	}
	return v
}

// subscribe registers the in-service consumers on the router.
func (a *App) subscribe() error {
	type sub struct {
		eventType string
		name      string
		handler   router.Handler
	}
	var subs []sub
	for _, t := range a.Funnel.EventTypes() {
		subs = append(subs, sub{t, projectionSubscriber, a.Funnel.Handle})
	}
	subs = append(subs,
		sub{events.TypeScheduleProposed, sagaSubscriber, a.Sagas.HandleProposed},
		sub{events.TypeEligibilityCheckRequested, eligibility.Consumer, a.Eligibility.Handle},
		sub{events.TypeEligibilityChecked, sagaSubscriber, a.Sagas.HandleChecked},
		sub{events.TypeScheduleAssignApproved, workspace.ScheduleConsumer, a.Workspace.HandleAssignmentDecision},
		sub{events.TypeScheduleAssignRejected, workspace.ScheduleConsumer, a.Workspace.HandleAssignmentDecision},
	)
	for _, s := range subs {
		if _, err := a.Router.Subscribe(s.eventType, s.name, s.handler); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) readyChecks() []runtime.ReadyCheck {
	var checks []runtime.ReadyCheck
	if a.pool != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(a.pool)})
	}
	if a.redis != nil {
		rdb := a.redis
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	if a.writer != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(a.Config.Brokers())})
	}
	return checks
}

// Handler returns the HTTP surface with the middleware chain applied.
func (a *App) Handler() http.Handler {
	mux := runtime.NewBaseMuxWithReady(a.readyChecks()...)
	api.Register(mux, api.Deps{
		Commands: a.Commands,
		Queries:  a.Queries,
		DLQ:      a.DLQ,
		Sagas:    a.Sagas,
		Verifier: a.Verifier,
		Logger:   a.Logger,
	})

	var ipLimiter httpx.Limiter = httpx.NewMemoryRateLimiter(a.Config.RateLimit, a.Config.RateLimitWindow)
	if a.redis != nil {
		ipLimiter = httpx.NewRedisRateLimiter(a.redis, a.Config.RateLimit, a.Config.RateLimitWindow, "ratelimit:http")
	}
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(a.Logger),
		httpx.WithRecovery(a.Logger),
		httpx.RateLimit(ipLimiter, a.Logger, a.Config.RateLimitFailOpen),
		httpx.WithBodyLimit(a.Config.BodyLimitBytes),
		httpx.WithTimeout(a.Config.RequestTimeout),
	)
	return otelhttp.NewHandler(handler, a.Config.ServiceName)
}

// Run starts the relay, the change feeds, the lane consumers and both servers,
// and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	stopWatch := a.Authority.Watch(a.Docs)
	defer stopWatch()

	if n, err := a.Sagas.Resume(ctx); err != nil {
		a.Logger.ErrorContext(ctx, "saga resume failed", "err", err)
	} else if n > 0 {
		a.Logger.InfoContext(ctx, "sagas resumed", "count", n)
	}

	g.Go(func() error { return a.Relay.Run(ctx) })

	if a.pool != nil {
		g.Go(func() error {
			a.pool.Listen(ctx, a.Logger, outboxChannel, func(string) { a.Relay.Wake() })
			return nil
		})
	}
	if feed, ok := a.Docs.(interface{ Run(context.Context) error }); ok {
		g.Go(func() error { return feed.Run(ctx) })
	}
	for _, c := range a.consumers {
		g.Go(func() error { return c.Run(ctx) })
	}

	srv := &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.Logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("http server shutdown error", "err", err)
		}
		a.Logger.Info("http server stopped")
		return nil
	})

	grpcSrv := grpcx.NewServer(a.Logger)
	grpcSrv.SetServing(a.Config.ServiceName, true)
	g.Go(func() error {
		a.Logger.Info("grpc health server starting", "port", a.Config.GRPCPort)
		return grpcSrv.Serve(ctx, ":"+a.Config.GRPCPort)
	})

	return g.Wait()
}

func (a *App) Close() {
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			a.Logger.Warn("kafka writer close failed", "err", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
