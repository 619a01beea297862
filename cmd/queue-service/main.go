package main

import (
	"context"
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"campusq/queue-service/internal/config"
	"campusq/queue-service/internal/db/migrate"
	"campusq/queue-service/internal/expiry"
	"campusq/queue-service/internal/httpapi"
	"campusq/queue-service/internal/hub"
	"campusq/queue-service/internal/scheduler"
	"campusq/queue-service/internal/store/postgres"
	"campusq/queue-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type eventEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func main() {
	cfg := config.Load()
	location := cfg.Location()

	shutdownTelemetry := telemetry.Setup("queue-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	if cfg.AutoMigrate {
		if err := migrate.Run(cfg.DatabaseURL, "up"); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	store := postgres.NewStore(pool, postgres.Options{
		MaxTicketNumber: cfg.MaxTicketNumber,
		LockTimeout:     cfg.LockTimeout,
		Location:        location,
	})

	timer := expiry.NewTimer(store, cfg.HeartbeatGrace)
	defer timer.Stop()
	restored, err := timer.RestoreOnStartup(context.Background())
	if err != nil {
		log.Fatalf("restore expiry timers: %v", err)
	}
	if restored > 0 {
		log.Printf("restored %d expiry timer(s)", restored)
	}

	daemon, err := scheduler.New(scheduler.Config{
		OpenSpec:       cfg.SessionOpenSpec,
		CloseSpec:      cfg.SessionCloseSpec,
		SweepEvery:     cfg.SweepInterval,
		SweepOlderThan: cfg.SweepOlderThan,
		SweepBatchSize: cfg.SweepBatchSize,
		Location:       location,
	}, store)
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	daemon.Start()
	defer daemon.Stop()

	h := hub.New()
	handler := httpapi.NewHandler(store, timer)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
			} else {
				h.UpdateSubscription(client, hub.Subscription{Types: parsed.Types})
			}
		}
	}))
	mux.Handle("/", handler.Routes())

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queue-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queue-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Outbox poller: tail new events and fan them out to realtime clients.
	pollInterval := cfg.RealtimePollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	lastEventTime := time.Now().UTC()
	var polling int32
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for range ticker.C {
			if !atomic.CompareAndSwapInt32(&polling, 0, 1) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			events, err := store.ListOutboxEvents(ctx, lastEventTime, cfg.RealtimeBatchSize)
			cancel()
			if err != nil {
				log.Printf("outbox poll error: %v", err)
			} else {
				for _, event := range events {
					lastEventTime = event.CreatedAt
					env := eventEnvelope{Type: event.Type, Payload: event.Payload, CreatedAt: event.CreatedAt}
					payload, _ := json.Marshal(env)
					h.Broadcast(event.Type, payload)
				}
			}
			atomic.StoreInt32(&polling, 0)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
