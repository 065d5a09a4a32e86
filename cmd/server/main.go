package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"eventbackbone/internal/config"
	"eventbackbone/internal/eventbus"
	"eventbackbone/internal/logger"
	"eventbackbone/internal/notify"
	"eventbackbone/internal/scheduler"
	"eventbackbone/internal/secretstore"
	"eventbackbone/internal/webhook"
)

// Build-time variables (set by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New()
	log.Info("starting event backbone version=%s build=%s env=%s", Version, BuildTime, cfg.Environment)

	secrets, err := buildSecretStore(cfg)
	if err != nil {
		log.Fatal("failed to initialize secret store: %v", err)
	}

	bus := eventbus.New()

	sched := scheduler.New(scheduler.Config{
		TickInterval:      cfg.Scheduler.TickInterval,
		MaxConcurrentRuns: cfg.Scheduler.MaxConcurrentRuns,
		DefaultTimeout:    cfg.Scheduler.DefaultTimeout,
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
	}, log)

	hooks := webhook.New(webhook.Config{
		DefaultTimeoutSeconds:     cfg.Webhook.DefaultTimeoutSeconds,
		DefaultMaxRetries:         cfg.Webhook.DefaultMaxRetries,
		MaxPayloadSizeBytes:       cfg.Webhook.MaxPayloadSizeBytes,
		MaxDeliveriesPerMinute:    cfg.Webhook.MaxDeliveriesPerMinute,
		MaxWebhooksPerOwner:       cfg.Webhook.MaxWebhooksPerOwner,
		MaxConsecutiveFailures:    cfg.Webhook.MaxConsecutiveFailures,
		DeliveryPollInterval:      cfg.Webhook.DeliveryPollInterval,
		SignatureHeader:           "X-Webhook-Signature",
		TimestampHeader:           "X-Webhook-Timestamp",
		SignatureToleranceSeconds: cfg.Webhook.SignatureToleranceSeconds,
	}, log, bus)

	registry := notify.NewRegistry()
	registry.Register(notify.NewInAppProvider())

	notifyCfg := notify.DefaultConfig()
	notifyCfg.MaxNotificationsPerUserPerHour = cfg.Notification.MaxPerUserPerHour
	notifyCfg.MaxNotificationsPerUserPerDay = cfg.Notification.MaxPerUserPerDay
	notifyCfg.PendingPollInterval = cfg.Notification.PendingPollInterval
	notifyCfg.RetentionDays = cfg.Notification.RetentionDays

	notifier := notify.New(notifyCfg, log, registry, notify.NewRenderer(time.Hour), buildRateLimiter(cfg), bus)

	ctx := context.Background()
	sched.Start(ctx)
	hooks.Start(ctx)
	notifier.Start(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      buildRouter(log, sched, hooks, notifier, secrets),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("admin surface listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown: %v", err)
	}
	notifier.Stop()
	hooks.Stop()
	sched.Stop()
	log.Info("stopped")
}

func buildSecretStore(cfg *config.Config) (secretstore.Store, error) {
	if cfg.Secrets.Backend == "vault" {
		return secretstore.NewVaultStore(cfg.Secrets.Vault.Address, cfg.Secrets.Vault.Token, cfg.Secrets.Vault.MountPath)
	}
	return secretstore.NewMemoryStore(), nil
}

func buildRateLimiter(cfg *config.Config) notify.RateLimiter {
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return notify.NewRedisRateLimiter(client)
	}
	return notify.NewMemoryRateLimiter()
}

// buildRouter mounts the admin surface: health plus the manual paths
// (trigger a task, test-ping a webhook, create/rotate endpoints). The full
// management API lives behind whatever ingress the deployment brings.
func buildRouter(log *logger.Logger, sched *scheduler.Scheduler, hooks *webhook.Service, notifier *notify.Service, secrets secretstore.Store) *mux.Router {
	r := mux.NewRouter()
	httpLog := log.With("http")

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"version":   Version,
			"scheduler": sched.Stats(),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/tasks/{id}/trigger", func(w http.ResponseWriter, req *http.Request) {
		execution, err := sched.TriggerTask(req.Context(), mux.Vars(req)["id"])
		if err != nil {
			writeError(w, httpLog, err)
			return
		}
		writeJSON(w, http.StatusOK, execution)
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/webhooks", func(w http.ResponseWriter, req *http.Request) {
		var body webhook.CreateEndpointRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		endpoint, secret, err := hooks.CreateEndpoint(body)
		if err != nil {
			writeError(w, httpLog, err)
			return
		}
		if err := secrets.Put(req.Context(), endpoint.WebhookID, secret); err != nil {
			httpLog.Error("failed to persist webhook secret: %v", err)
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"webhook": endpoint,
			"secret":  secret,
		})
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/webhooks/{id}/rotate", func(w http.ResponseWriter, req *http.Request) {
		endpoint, secret, err := hooks.RotateSecret(mux.Vars(req)["id"])
		if err != nil {
			writeError(w, httpLog, err)
			return
		}
		if err := secrets.Put(req.Context(), endpoint.WebhookID, secret); err != nil {
			httpLog.Error("failed to persist rotated webhook secret: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"webhook": endpoint,
			"secret":  secret,
		})
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/webhooks/{id}/test", func(w http.ResponseWriter, req *http.Request) {
		result, err := hooks.TestPing(req.Context(), mux.Vars(req)["id"])
		if err != nil {
			writeError(w, httpLog, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/users/{id}/notifications", func(w http.ResponseWriter, req *http.Request) {
		notifications, total, unread := notifier.ListUserNotifications(mux.Vars(req)["id"], nil, 0, 50)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"notifications": notifications,
			"total":         total,
			"unread":        unread,
		})
	}).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, log *logger.Logger, err error) {
	log.Warn("request failed: %v", err)
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
}
