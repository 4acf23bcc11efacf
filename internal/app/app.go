package app

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/weightmasters/storefront-api/internal/domain/checkout"
	"github.com/weightmasters/storefront-api/internal/domain/fulfillment"
	"github.com/weightmasters/storefront-api/internal/domain/pricing"
	"github.com/weightmasters/storefront-api/internal/domain/reconcile"
	"github.com/weightmasters/storefront-api/internal/gateway/stripeapi"
	"github.com/weightmasters/storefront-api/internal/handler"
	"github.com/weightmasters/storefront-api/internal/ledger/sheets"
	"github.com/weightmasters/storefront-api/internal/notifier/brevo"
	"github.com/weightmasters/storefront-api/internal/storage/postgres"
	"github.com/weightmasters/storefront-api/pkg/health"
	"github.com/weightmasters/storefront-api/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.DatabasePingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc", time.Second, health.GCMaxPauseCheck(time.Second))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Stores.
	recordStore := postgres.NewRecordStore(pool)
	eventStore := postgres.NewEventStore(pool)

	// Gateway clients.
	gateway := stripeapi.New(cfg.Stripe.APIKey)
	verifier, err := stripeapi.NewVerifier(cfg.Stripe.WebhookSecrets)
	if err != nil {
		return errors.Wrap(err, "create webhook verifier")
	}

	// Fulfillment sinks.
	notifier := brevo.New(brevo.Config{
		APIKey:      cfg.Email.APIKey,
		SenderName:  cfg.Email.SenderName,
		SenderEmail: cfg.Email.SenderEmail,
		TemplateID:  cfg.Email.TemplateID,
		ShopName:    cfg.Email.ShopName,
	}, nil)
	credentials := []byte(cfg.Ledger.CredentialsJSON)
	if cfg.Ledger.CredentialsFile != "" {
		credentials, err = os.ReadFile(cfg.Ledger.CredentialsFile)
		if err != nil {
			return errors.Wrap(err, "read ledger credentials")
		}
	}
	ledger, err := sheets.New(ctx, sheets.Config{
		SpreadsheetID:   cfg.Ledger.SpreadsheetID,
		SheetName:       cfg.Ledger.SheetName,
		TaxStatus:       cfg.Ledger.TaxStatus,
		CredentialsJSON: credentials,
	})
	if err != nil {
		return errors.Wrap(err, "create ledger client")
	}

	// Domain services.
	engine, err := pricing.NewEngine(pricing.Config{
		TaxMode: pricing.TaxMode(cfg.Pricing.TaxMode),
		TaxRate: decimal.NewFromFloat(cfg.Pricing.TaxRate),
	})
	if err != nil {
		return errors.Wrap(err, "create pricing engine")
	}
	builder := checkout.NewBuilder(checkout.Config{
		OrderIDPrefix:       cfg.Checkout.OrderIDPrefix,
		Currency:            cfg.Checkout.Currency,
		SuccessURL:          cfg.Checkout.SuccessURL,
		CancelURL:           cfg.Checkout.CancelURL,
		AllowedCountries:    cfg.Checkout.AllowedCountries,
		AllowPromotionCodes: cfg.Checkout.AllowPromotionCodes,
	})
	reconciler := reconcile.NewReconciler(gateway, func(msg, sessionID string) {
		lg.Warn("Reconcile data quality",
			zap.String("reason", msg),
			zap.String("session_id", sessionID),
		)
	})

	// Duplicate filter, warmed from recent records so restarts keep the
	// fast path for orders fulfilled before the restart.
	seen := fulfillment.NewSeenFilter(cfg.Fulfillment.SeenCapacity, cfg.Fulfillment.SeenFalsePositive)
	if ids, err := recordStore.RecentOrderIDs(ctx, cfg.Fulfillment.SeenWarmLimit); err != nil {
		lg.Warn("Warming duplicate filter", zap.Error(err))
	} else {
		seen.Warm(ids)
		lg.Info("Duplicate filter warmed", zap.Int("orders", len(ids)))
	}

	dispatcher := fulfillment.NewDispatcher(recordStore, notifier, ledger, seen, cfg.Fulfillment.SinkTimeout)

	// HTTP handlers.
	metrics, err := handler.NewMetrics(m.MeterProvider().Meter("storefront-api"))
	if err != nil {
		return errors.Wrap(err, "create handler metrics")
	}
	h := handler.NewHandler(engine, builder, gateway, verifier, eventStore, reconciler, dispatcher, metrics)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Stripe-Signature"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:         cfg.RateLimit.Max,
				Window:      cfg.RateLimit.Window,
				ExemptPaths: []string{"/api/webhook"},
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("storefront-api", m.TracerProvider()),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
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
