// ventisync drains the outbox once and prints the resulting status as JSON.
// Exit code 1 means events are still pending or the drain hit an error.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/marcela981/ventilab-sync/internal/progress"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stderr, "ventisync ", log.LstdFlags|log.Lmsgprefix)

	remoteURL := envOr("VENTISYNC_REMOTE_URL", "http://127.0.0.1:8080")
	token := strings.TrimSpace(os.Getenv("VENTISYNC_TOKEN"))
	outboxDSN := envOr("VENTISYNC_OUTBOX_DSN", "file://.ventisync/outbox.json")
	timeout := durationEnv("VENTISYNC_TIMEOUT", 60*time.Second)

	backend, err := progress.BuildOutboxBackendFromDSN(outboxDSN)
	if err != nil {
		log.Fatalf("ventisync: invalid VENTISYNC_OUTBOX_DSN: %v", err)
	}
	outbox := progress.NewOutbox(progress.OutboxOptions{Backend: backend, Logger: logger})

	client := progress.NewHTTPClient(remoteURL, progress.StaticTokenSource(token), nil)
	engine, err := progress.New(progress.Options{
		Remote: client,
		Outbox: outbox,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("ventisync: engine init: %v", err)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result := engine.Reconcile(ctx)
	status := engine.Status()

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(map[string]any{
		"drain":  result,
		"status": status,
	}); err != nil {
		log.Fatalf("ventisync: %v", err)
	}

	if status.OutboxDepth > 0 || status.State == progress.StateError {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
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
