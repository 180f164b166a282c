package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/tablepos/internal/broadcast"
	"github.com/xenking/tablepos/internal/domain/menu"
	"github.com/xenking/tablepos/internal/domain/order"
	"github.com/xenking/tablepos/internal/domain/payment"
	"github.com/xenking/tablepos/internal/domain/seating"
	"github.com/xenking/tablepos/internal/domain/settlement"
	"github.com/xenking/tablepos/internal/gateway/phonepe"
	"github.com/xenking/tablepos/internal/gateway/razorpay"
	"github.com/xenking/tablepos/internal/handler"
	"github.com/xenking/tablepos/internal/storage/postgres"
	"github.com/xenking/tablepos/pkg/health"
	"github.com/xenking/tablepos/pkg/httpmiddleware"
)

// Services are the domain services behind the API.
type Services struct {
	Orders     *order.Service
	Settlement *settlement.Engine
	Seating    *seating.Coordinator
	Payments   *payment.Service
}

// Gateways are the two payment rails.
type Gateways struct {
	Signed   payment.SignedGateway
	Checksum payment.ChecksumGateway
	// TransactionIDs binds checksum-rail transactions to local orders.
	TransactionIDs payment.TransactionIDs
}

// NewServices wires the domain services over a store.
func NewServices(store order.Store, lookup menu.Lookup, bus order.Broadcaster, gw Gateways, m httpmiddleware.Telemetry) (*Services, error) {
	engine, err := settlement.NewEngine(store, m.MeterProvider())
	if err != nil {
		return nil, errors.Wrap(err, "create settlement engine")
	}
	orders := order.NewService(store, lookup, bus)
	payments, err := payment.NewService(engine, orders, gw.Signed, gw.Checksum, gw.TransactionIDs, m.TracerProvider(), m.MeterProvider())
	if err != nil {
		return nil, errors.Wrap(err, "create payment service")
	}
	return &Services{
		Orders:     orders,
		Settlement: engine,
		Seating:    seating.NewCoordinator(store, bus),
		Payments:   payments,
	}, nil
}

// NewGateways creates the gateway clients. Outgoing calls are traced.
// Checksum-rail transaction ids are keyed with the PhonePe salt key.
func NewGateways(cfg GatewayConfig, m httpmiddleware.Telemetry) Gateways {
	hc := &http.Client{
		Timeout: cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}
	return Gateways{
		Signed:         razorpay.New(cfg.Razorpay, hc),
		Checksum:       phonepe.New(cfg.PhonePe, hc),
		TransactionIDs: payment.NewTransactionIDs(cfg.PhonePe.SaltKey),
	}
}

// NewRouter builds the HTTP handler: health checks plus the API under /api,
// wrapped in the middleware chain.
func NewRouter(ctx context.Context, cfg *Config, svc *Services, hs *health.Health, m httpmiddleware.Telemetry) http.Handler {
	h := handler.NewHandler(handler.Config{
		PollLimiter: httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.PollLimit.Max,
			Window:  cfg.PollLimit.Window,
			KeyFunc: handler.OrderKey,
		}),
	}, svc.Orders, svc.Settlement, svc.Seating, svc.Payments)

	r := chi.NewRouter()
	r.Get("/livez", hs.LiveEndpoint)
	r.Get("/readyz", hs.ReadyEndpoint)
	r.Route("/api", h.Routes)

	routeFinder := httpmiddleware.MakeRouteFinder(r)
	return httpmiddleware.Wrap(r,
		httpmiddleware.Recovery(),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.Instrument("pos-api", routeFinder, m),
		httpmiddleware.LogRequests(routeFinder),
		httpmiddleware.Labeler(routeFinder),
	)
}

// dialKitchen returns the kitchen broadcaster. Without a broker URL events
// are only logged. A broker outage degrades the service but never makes it
// unready; the publisher reconnects on the next event.
func dialKitchen(lg *zap.Logger, cfg broadcast.Config, hs *health.Health) (order.Broadcaster, func(), error) {
	if cfg.URL == "" {
		lg.Warn("Kitchen broker not configured, events are logged only")
		return broadcast.Log{}, func() {}, nil
	}
	pub, err := broadcast.Dial(cfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "dial kitchen broker")
	}
	hs.AddDegradedChecker("kitchen", time.Second, pub)
	return pub, func() {
		if err := pub.Close(); err != nil {
			lg.Warn("Close kitchen broker", zap.Error(err))
		}
	}, nil
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	bus, closeBus, err := dialKitchen(lg, cfg.Kitchen, healthSvc)
	if err != nil {
		return err
	}
	defer closeBus()

	svc, err := NewServices(
		postgres.NewStore(pool),
		postgres.NewMenuRepository(pool),
		bus,
		NewGateways(cfg.Gateway, m),
		m,
	)
	if err != nil {
		return err
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Status polls wait on the gateway.
		WriteTimeout:   cfg.Gateway.Timeout + 5*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler:        NewRouter(ctx, cfg, svc, healthSvc, m),
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
