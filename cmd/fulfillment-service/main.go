package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freshmart/fulfillment-service/internal/config"
	"github.com/freshmart/fulfillment-service/internal/db"
	"github.com/freshmart/fulfillment-service/internal/gateway"
	"github.com/freshmart/fulfillment-service/internal/handler"
	"github.com/freshmart/fulfillment-service/internal/notify"
	"github.com/freshmart/fulfillment-service/internal/order"
	"github.com/freshmart/fulfillment-service/internal/payment"
	"github.com/freshmart/fulfillment-service/internal/queue"
	"github.com/freshmart/fulfillment-service/internal/shipping"
	"github.com/freshmart/fulfillment-service/internal/tasks"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Logger = log.With().Str("service", "fulfillment-service").Logger()

	log.Info().Msg("Fulfillment service starting...")

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbConn.Close()

	paymentGW := gateway.NewClient(cfg.Gateway.PaymentBaseURL, cfg.Gateway.PaymentAPIKey, cfg.Gateway.PaymentTimeout)
	carrier := shipping.NewHTTPCarrierClient(cfg.Gateway.CarrierBaseURL, cfg.Gateway.CarrierAPIKey, cfg.Gateway.CarrierTimeout)
	notifier := notify.NewLogDispatcher()

	orderRepo := order.NewRepository(dbConn.Pool)
	paymentRepo := payment.NewRepository(dbConn.Pool)
	eventRepo := shipping.NewEventRepository(dbConn.Pool)
	taskStore := queue.NewStore(dbConn.Pool)

	reconciler := order.NewReconciler(orderRepo, payment.NewStateReader(paymentRepo), notifier)
	orderSvc := order.NewService(orderRepo, reconciler)
	guard := payment.NewGuard(paymentRepo)
	processor := payment.NewProcessor(guard, paymentRepo, paymentGW, reconciler)
	refunds := payment.NewRefundOrchestrator(paymentRepo, orderRepo, reconciler, paymentGW, notifier)
	labels := shipping.NewLabelService(orderRepo, carrier, notifier)
	tracking := shipping.NewTrackingService(orderRepo, eventRepo, carrier, reconciler, cfg.Queue.InterCallDelay)

	queueClient := queue.NewClient(taskStore)
	poller := queue.NewPoller(taskStore, cfg.Queue.PollInterval)
	poller.Register(tasks.KindChargeRetry, tasks.NewChargeHandler(processor, notifier))
	poller.Register(tasks.KindRefund, tasks.NewRefundHandler(refunds))
	poller.Register(tasks.KindCreateLabel, tasks.NewLabelHandler(labels))

	go poller.Run(ctx)
	go runEvery(ctx, cfg.Queue.SweepInterval, func(ctx context.Context) {
		if _, err := guard.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("Idempotency sweep failed")
		}
	})
	go runEvery(ctx, cfg.Queue.TrackingInterval, func(ctx context.Context) {
		if err := tracking.SyncStaleTracking(ctx); err != nil {
			log.Error().Err(err).Msg("Tracking sync failed")
		}
	})
	go runEvery(ctx, cfg.Queue.SweepInterval, func(ctx context.Context) {
		if _, err := labels.FindBrokenLabels(ctx); err != nil {
			log.Error().Err(err).Msg("Broken label audit failed")
		}
	})

	router := handler.NewRouter(
		handler.NewOrderHandler(orderSvc),
		handler.NewCheckoutHandler(processor, queueClient),
		handler.NewShippingHandler(orderRepo, carrier, queueClient),
		handler.NewPaymentWebhookHandler(paymentRepo, reconciler, queueClient),
		handler.NewTrackingWebhookHandler(tracking),
	)

	srv := &http.Server{
		Addr:        ":" + cfg.App.Port,
		Handler:     router,
		ReadTimeout: 5 * time.Second,
		// The checkout route waits synchronously on the payment gateway,
		// whose budget is PaymentTimeout; the write deadline must outlast it.
		WriteTimeout: cfg.Gateway.PaymentTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Shutdown failed")
	}
	log.Info().Msg("Server stopped")
}

func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}
