package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/consumer"
	httpapi "github.com/fjod/go_cart/reconciler-service/internal/http"
	"github.com/fjod/go_cart/reconciler-service/internal/lock"
	"github.com/fjod/go_cart/reconciler-service/internal/poller"
	"github.com/fjod/go_cart/reconciler-service/internal/publisher"
	"github.com/fjod/go_cart/reconciler-service/internal/service"
	"github.com/fjod/go_cart/reconciler-service/internal/webhook"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook endpoint, admin API, stuck-order poller and outbox publisher",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(parent context.Context, a *app) error {
	cfg, log := a.cfg, a.log
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifier, err := webhook.NewVerifier(cfg.Webhook.Scheme, cfg.Webhook.StripeTolerance)
	if err != nil {
		return err
	}
	if cfg.Webhook.Secret == "" {
		log.Warn("webhook secret is empty, every delivery will be rejected")
	}

	// gateways and the storefront send W3C traceparent headers
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	reconciler := service.NewReconciler(a.store, log)
	scanner := service.NewScanner(a.store, cfg.ScanPolicy(), log)
	override := service.NewOverride(a.store, log)

	router := httpapi.NewRouter(httpapi.Handlers{
		Webhooks: httpapi.NewWebhookHandler(reconciler, verifier, cfg.Webhook.Secret, cfg.Webhook.SignatureHeader, cfg.HTTP.MaxBodyBytes, log),
		Admin:    httpapi.NewAdminHandler(override, scanner, cfg.ScanMinAge(), cfg.Scanner.MaxBatch, log),
		Auth:     httpapi.NewAuthenticator(cfg.Admin.JWTSecret, log),
	}, cfg.HTTP.RequestTimeout, log)

	var wg sync.WaitGroup

	if len(cfg.Kafka.Brokers) > 0 {
		writer := publisher.NewKafkaWriter(cfg.Kafka.Brokers...)
		defer writer.Close()
		outbox := publisher.NewOutboxPoller(a.store, writer, cfg.Kafka.OutboxTick, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			outbox.Run(ctx)
		}()
		log.Info("outbox publisher started", zap.Strings("brokers", cfg.Kafka.Brokers))

		if cfg.Kafka.ImportOrders {
			orders := consumer.NewConsumer(a.store, consumer.NewKafkaReader(cfg.Kafka.OrdersTopic, cfg.Kafka.ConsumerGroup, cfg.Kafka.Brokers...), log)
			defer orders.Close()
			wg.Add(1)
			go func() {
				defer wg.Done()
				orders.Run(ctx)
			}()
			log.Info("order import consumer started", zap.String("topic", cfg.Kafka.OrdersTopic))
		}
	} else {
		log.Warn("no kafka brokers configured, outbox events stay unpublished")
	}

	if cfg.Scanner.Enabled {
		var locker poller.Locker
		if cfg.Redis.Addr != "" {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			locker = lock.NewRedisLease(client, cfg.Redis.LeaseKey, cfg.Redis.LeaseTTL)
		}
		scanPoller := poller.NewScanPoller(scanner, locker, cfg.ScanInterval(), cfg.ScanMinAge(), cfg.Scanner.MaxBatch, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanPoller.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("reconciler listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info("shutting down server...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	wg.Wait()

	log.Info("server exited")
	return nil
}
