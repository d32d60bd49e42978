package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/joho/godotenv"

	"github.com/marcela981/ventilab-sync/internal/httpapi"
	"github.com/marcela981/ventilab-sync/internal/progress"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stdout, "ventisyncd ", log.LstdFlags|log.Lmsgprefix)

	addr := envOr("VENTISYNC_ADDR", ":8754")
	remoteURL := envOr("VENTISYNC_REMOTE_URL", "http://127.0.0.1:8080")
	token := strings.TrimSpace(os.Getenv("VENTISYNC_TOKEN"))
	outboxDSN := envOr("VENTISYNC_OUTBOX_DSN", "file://.ventisync/outbox.json")
	activeModule := strings.TrimSpace(os.Getenv("VENTISYNC_ACTIVE_MODULE"))
	syncInterval := durationEnv("VENTISYNC_SYNC_INTERVAL", 30*time.Second)
	probeInterval := durationEnv("VENTISYNC_PROBE_INTERVAL", 15*time.Second)
	retention := durationEnv("VENTISYNC_CONFIRM_RETENTION", 24*time.Hour)
	maxBatch := intEnv("VENTISYNC_MAX_BATCH", 10)

	backend, err := progress.BuildOutboxBackendFromDSN(outboxDSN)
	if err != nil {
		log.Fatalf("ventisyncd: invalid VENTISYNC_OUTBOX_DSN: %v", err)
	}
	outbox := progress.NewOutbox(progress.OutboxOptions{
		Backend:               backend,
		Logger:                logger,
		ConfirmationRetention: retention,
	})

	prober := progress.NewProber(strings.TrimRight(remoteURL, "/")+"/health", probeInterval, logger)
	defer prober.Close()

	client := progress.NewHTTPClient(remoteURL, progress.StaticTokenSource(token), nil)
	engine, err := progress.New(progress.Options{
		Remote:       client,
		Outbox:       outbox,
		Connectivity: prober,
		Logger:       logger,
		ActiveModule: activeModule,
		MaxBatch:     maxBatch,
	})
	if err != nil {
		log.Fatalf("ventisyncd: engine init: %v", err)
	}
	defer engine.Close()

	if path := outboxFilePath(outboxDSN); path != "" {
		watcher, watchErr := progress.WatchOutboxFile(path, outbox, func() {
			go engine.Reconcile(context.Background())
		}, logger)
		if watchErr != nil {
			logger.Printf("outbox watch disabled: %v", watchErr)
		} else {
			defer watcher.Close()
		}
	}

	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Every(syncInterval).Do(func() {
		engine.Reconcile(context.Background())
	}); err != nil {
		log.Fatalf("ventisyncd: schedule reconcile: %v", err)
	}
	if _, err := scheduler.Every(1).Day().Do(func() {
		if dropped := outbox.CleanupConfirmations(); dropped > 0 {
			logger.Printf("dropped %d expired confirmations", dropped)
		}
	}); err != nil {
		log.Fatalf("ventisyncd: schedule cleanup: %v", err)
	}
	scheduler.StartAsync()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:    addr,
		Handler: httpapi.NewServer(engine),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Printf("listening on %s, remote %s, outbox %s", addr, remoteURL, outboxDSN)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ventisyncd: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	engine.Reconcile(shutdownCtx)
}

// outboxFilePath returns the snapshot path for file DSNs, "" otherwise.
func outboxFilePath(dsn string) string {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "" && scheme != "file" {
		return ""
	}
	if parsed.Scheme == "" {
		return strings.TrimSpace(dsn)
	}
	if parsed.Path != "" {
		return parsed.Path
	}
	if parsed.Opaque != "" {
		return parsed.Opaque
	}
	return parsed.Host
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
